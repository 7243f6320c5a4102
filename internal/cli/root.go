package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/signalcore/internal/client"
	"github.com/lazypower/signalcore/internal/config"
	"github.com/lazypower/signalcore/internal/store"
)

var (
	configPath string
	logLevel   string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "signalcore",
	Short: "Signal processing and routing pipeline",
	Long: "SignalCore ingests external signals, scores them, maps them to growth types, " +
		"routes them to destinations and exports them, backed by a semantic memory store.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.signalcore/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL for write commands (default $SIGNALCORE_URL or http://127.0.0.1:37780)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(signalsCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(mapCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(decisionsCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return *cfg, nil
}

// newLogger builds the process logger from the log config.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openDB opens the database for read-only CLI commands.
// SIGNALCORE_DB overrides the configured path.
func openDB() (*store.DB, error) {
	dbPath := os.Getenv("SIGNALCORE_DB")
	if dbPath == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		dbPath = cfg.Database.Path
	}
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(dbPath)
}

// apiClient returns a client for the running server. Write commands go
// through the server so they share its locks and pipeline.
func apiClient() *client.Client {
	return client.New(serverURL)
}
