package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:37780", cfg.ListenAddr())
	assert.Equal(t, 3, cfg.Export.MaxAttempts)
	assert.Equal(t, 70, cfg.Memory.MinEnrichmentConfidence)
	assert.Len(t, cfg.Destinations, 4)
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
	assert.Equal(t, Default().Sources, cfg.Sources)
	assert.Len(t, cfg.Destinations, 4)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
sources = ["Twitter", "Reviews"]

[server]
port = 9000

[pipeline]
dedup_window = "2h"
score_max_attempts = 5

[pipeline.workers]
score = 8

[[destinations]]
name = "SignalCore"

[[destinations]]
name = "Webhook"
min_score = 75
endpoint = "http://localhost:9999/hook"
timeout = "3s"
allowed_sources = ["Twitter"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 2*time.Hour, cfg.Pipeline.DedupWindow)
	assert.Equal(t, 5, cfg.Pipeline.ScoreMaxAttempts)
	assert.Equal(t, 8, cfg.Pipeline.Workers.Score)
	assert.Equal(t, 2, cfg.Pipeline.Workers.Route, "unset keys keep defaults")
	assert.Equal(t, []string{"Twitter", "Reviews"}, cfg.Sources)

	require.Len(t, cfg.Destinations, 2)
	hook := cfg.Destinations[1]
	assert.Equal(t, "Webhook", hook.Name)
	assert.Equal(t, 75, hook.MinScore)
	assert.Equal(t, 3*time.Second, hook.Timeout)
	assert.Equal(t, []string{"Twitter"}, hook.AllowedSources)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SIGNALCORE_SERVER_PORT", "4242")
	t.Setenv("SIGNALCORE_PIPELINE_AUTO_EXPORT", "false")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4242, cfg.Server.Port)
	assert.False(t, cfg.Pipeline.AutoExport)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "sk-test", cfg.LLM.AnthropicKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"no workers", func(c *Config) { c.Pipeline.Workers.Export = 0 }},
		{"bad scorer", func(c *Config) { c.Pipeline.Scorer = "magic" }},
		{"no sources", func(c *Config) { c.Sources = nil }},
		{"duplicate destination", func(c *Config) {
			c.Destinations = append(c.Destinations, DestinationConfig{Name: "SignalCore"})
		}},
		{"min score range", func(c *Config) { c.Destinations[0].MinScore = 101 }},
		{"unknown default destination", func(c *Config) { c.Pipeline.DefaultDestination = "Foo" }},
		{"zero export attempts", func(c *Config) { c.Export.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
