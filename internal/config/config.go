package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all signalcore configuration.
type Config struct {
	Server       ServerConfig        `toml:"server" mapstructure:"server"`
	Database     DatabaseConfig      `toml:"database" mapstructure:"database"`
	LLM          LLMConfig           `toml:"llm" mapstructure:"llm"`
	Pipeline     PipelineConfig      `toml:"pipeline" mapstructure:"pipeline"`
	Memory       MemoryConfig        `toml:"memory" mapstructure:"memory"`
	Export       ExportConfig        `toml:"export" mapstructure:"export"`
	Sources      []string            `toml:"sources" mapstructure:"sources"`
	Destinations []DestinationConfig `toml:"destinations" mapstructure:"destinations"`
	RulesFile    string              `toml:"rules_file" mapstructure:"rules_file"`
	Log          LogConfig           `toml:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Bind string `toml:"bind" mapstructure:"bind"`
	Port int    `toml:"port" mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path" mapstructure:"path"`
}

type LLMConfig struct {
	Provider     string `toml:"provider" mapstructure:"provider"` // "", "anthropic", "ollama"
	Model        string `toml:"model" mapstructure:"model"`
	OllamaURL    string `toml:"ollama_url" mapstructure:"ollama_url"`
	OllamaModel  string `toml:"ollama_model" mapstructure:"ollama_model"`
	AnthropicKey string `toml:"anthropic_key" mapstructure:"anthropic_key"`
}

type WorkersConfig struct {
	Score  int `toml:"score" mapstructure:"score"`
	Route  int `toml:"route" mapstructure:"route"`
	Export int `toml:"export" mapstructure:"export"`
}

type PipelineConfig struct {
	Workers            WorkersConfig `toml:"workers" mapstructure:"workers"`
	QueueSize          int           `toml:"queue_size" mapstructure:"queue_size"`
	Scorer             string        `toml:"scorer" mapstructure:"scorer"` // "heuristic" or "llm"
	ScoreTimeout       time.Duration `toml:"score_timeout" mapstructure:"score_timeout"`
	ScoreMaxAttempts   int           `toml:"score_max_attempts" mapstructure:"score_max_attempts"`
	RetryBaseDelay     time.Duration `toml:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay      time.Duration `toml:"retry_max_delay" mapstructure:"retry_max_delay"`
	DedupWindow        time.Duration `toml:"dedup_window" mapstructure:"dedup_window"`
	StableMetadataKeys []string      `toml:"stable_metadata_keys" mapstructure:"stable_metadata_keys"`
	IngestRate         float64       `toml:"ingest_rate" mapstructure:"ingest_rate"` // signals per second, 0 = unlimited
	IngestBurst        int           `toml:"ingest_burst" mapstructure:"ingest_burst"`
	AutoMap            bool          `toml:"auto_map" mapstructure:"auto_map"`
	AutoEvaluate       bool          `toml:"auto_evaluate" mapstructure:"auto_evaluate"`
	AutoExport         bool          `toml:"auto_export" mapstructure:"auto_export"`
	DefaultDestination string        `toml:"default_destination" mapstructure:"default_destination"`
}

type MemoryConfig struct {
	MinEnrichmentConfidence int `toml:"min_enrichment_confidence" mapstructure:"min_enrichment_confidence"`
}

type ExportConfig struct {
	MaxAttempts int           `toml:"max_attempts" mapstructure:"max_attempts"`
	Timeout     time.Duration `toml:"timeout" mapstructure:"timeout"`
}

// DestinationConfig describes one routing target. An empty Endpoint makes the
// destination an internal sink: export is accepted without delivery.
type DestinationConfig struct {
	Name               string        `toml:"name" mapstructure:"name"`
	MinScore           int           `toml:"min_score" mapstructure:"min_score"`
	AllowedSources     []string      `toml:"allowed_sources" mapstructure:"allowed_sources"`
	RequiresGrowthType bool          `toml:"requires_growth_type" mapstructure:"requires_growth_type"`
	Endpoint           string        `toml:"endpoint" mapstructure:"endpoint"`
	Timeout            time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `toml:"format" mapstructure:"format"` // text or json
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		LLM: LLMConfig{
			Model:       "claude-haiku-4-5-20251001",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "llama3.2",
		},
		Pipeline: PipelineConfig{
			Workers:            WorkersConfig{Score: 4, Route: 2, Export: 4},
			QueueSize:          256,
			Scorer:             "heuristic",
			ScoreTimeout:       10 * time.Second,
			ScoreMaxAttempts:   3,
			RetryBaseDelay:     500 * time.Millisecond,
			RetryMaxDelay:      30 * time.Second,
			DedupWindow:        24 * time.Hour,
			StableMetadataKeys: []string{"external_id", "url", "author"},
			IngestRate:         200,
			IngestBurst:        50,
			AutoMap:            true,
			AutoEvaluate:       true,
			AutoExport:         true,
		},
		Memory: MemoryConfig{
			MinEnrichmentConfidence: 70,
		},
		Export: ExportConfig{
			MaxAttempts: 3,
			Timeout:     10 * time.Second,
		},
		Sources: []string{"Twitter", "Reddit", "LinkedIn", "Reviews", "CRM", "Analytics", "LLM", "RSS"},
		Destinations: []DestinationConfig{
			{Name: "SignalCore"},
			{Name: "Memory Loom", MinScore: 50},
			{Name: "Export Endpoint", MinScore: 60},
			{Name: "Growth Team", MinScore: 40, RequiresGrowthType: true},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the default config location: ~/.signalcore/config.toml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".signalcore", "config.toml"), nil
}

// Load reads configuration from path (or the default location when empty),
// layering SIGNALCORE_* environment variables over the file and the file over
// Default(). A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v, cfg)

	explicit := path != ""
	if !explicit {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("SIGNALCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Slices decode element-wise into existing values, so start them empty.
	defaults := cfg
	cfg.Sources, cfg.Pipeline.StableMetadataKeys, cfg.Destinations = nil, nil, nil
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if !v.IsSet("destinations") {
		cfg.Destinations = defaults.Destinations
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.LLM.AnthropicKey == "" {
		cfg.LLM.AnthropicKey = key
		if cfg.LLM.Provider == "" {
			cfg.LLM.Provider = "anthropic"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers scalar defaults so AutomaticEnv can override them.
func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("server.bind", c.Server.Bind)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("database.path", c.Database.Path)
	v.SetDefault("llm.provider", c.LLM.Provider)
	v.SetDefault("llm.model", c.LLM.Model)
	v.SetDefault("llm.ollama_url", c.LLM.OllamaURL)
	v.SetDefault("llm.ollama_model", c.LLM.OllamaModel)
	v.SetDefault("llm.anthropic_key", c.LLM.AnthropicKey)
	v.SetDefault("pipeline.workers.score", c.Pipeline.Workers.Score)
	v.SetDefault("pipeline.workers.route", c.Pipeline.Workers.Route)
	v.SetDefault("pipeline.workers.export", c.Pipeline.Workers.Export)
	v.SetDefault("pipeline.queue_size", c.Pipeline.QueueSize)
	v.SetDefault("pipeline.scorer", c.Pipeline.Scorer)
	v.SetDefault("pipeline.score_timeout", c.Pipeline.ScoreTimeout)
	v.SetDefault("pipeline.score_max_attempts", c.Pipeline.ScoreMaxAttempts)
	v.SetDefault("pipeline.retry_base_delay", c.Pipeline.RetryBaseDelay)
	v.SetDefault("pipeline.retry_max_delay", c.Pipeline.RetryMaxDelay)
	v.SetDefault("pipeline.dedup_window", c.Pipeline.DedupWindow)
	v.SetDefault("pipeline.stable_metadata_keys", c.Pipeline.StableMetadataKeys)
	v.SetDefault("pipeline.ingest_rate", c.Pipeline.IngestRate)
	v.SetDefault("pipeline.ingest_burst", c.Pipeline.IngestBurst)
	v.SetDefault("pipeline.auto_map", c.Pipeline.AutoMap)
	v.SetDefault("pipeline.auto_evaluate", c.Pipeline.AutoEvaluate)
	v.SetDefault("pipeline.auto_export", c.Pipeline.AutoExport)
	v.SetDefault("pipeline.default_destination", c.Pipeline.DefaultDestination)
	v.SetDefault("memory.min_enrichment_confidence", c.Memory.MinEnrichmentConfidence)
	v.SetDefault("export.max_attempts", c.Export.MaxAttempts)
	v.SetDefault("export.timeout", c.Export.Timeout)
	v.SetDefault("sources", c.Sources)
	v.SetDefault("rules_file", c.RulesFile)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	w := c.Pipeline.Workers
	if w.Score < 1 || w.Route < 1 || w.Export < 1 {
		return fmt.Errorf("config: pipeline.workers must all be at least 1")
	}
	if c.Pipeline.QueueSize < 1 {
		return fmt.Errorf("config: pipeline.queue_size must be at least 1")
	}
	if c.Pipeline.ScoreMaxAttempts < 1 {
		return fmt.Errorf("config: pipeline.score_max_attempts must be at least 1")
	}
	if c.Export.MaxAttempts < 1 {
		return fmt.Errorf("config: export.max_attempts must be at least 1")
	}
	switch c.Pipeline.Scorer {
	case "heuristic", "llm":
	default:
		return fmt.Errorf("config: pipeline.scorer %q must be heuristic or llm", c.Pipeline.Scorer)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source is required")
	}
	if len(c.Destinations) == 0 {
		return fmt.Errorf("config: at least one destination is required")
	}
	seen := make(map[string]bool, len(c.Destinations))
	for _, d := range c.Destinations {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("config: destination name is required")
		}
		if seen[d.Name] {
			return fmt.Errorf("config: duplicate destination %q", d.Name)
		}
		seen[d.Name] = true
		if d.MinScore < 0 || d.MinScore > 100 {
			return fmt.Errorf("config: destination %q min_score %d out of range", d.Name, d.MinScore)
		}
	}
	if dd := c.Pipeline.DefaultDestination; dd != "" && !seen[dd] {
		return fmt.Errorf("config: pipeline.default_destination %q is not a configured destination", dd)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
