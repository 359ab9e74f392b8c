// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestConfig_Default tests that Default() returns a valid config with defaults.
func TestConfig_Default(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}
	if cfg.Generation.URL == "" {
		t.Error("Default config should have an Ollama URL")
	}
	if cfg.RateLimit.RequestsPerMinute != 20 {
		t.Errorf("Expected 20 requests per minute, got %d", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.Streaming.ContinuationTailRunes != 200 {
		t.Errorf("Expected 200 tail runes, got %d", cfg.Streaming.ContinuationTailRunes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

// TestConfig_Validate tests configuration validation.
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid default config", mutate: func(c *Config) {}},
		{
			name:    "url without scheme",
			mutate:  func(c *Config) { c.Generation.URL = "localhost:11434" },
			wantErr: "generation.url",
		},
		{
			name:    "empty model",
			mutate:  func(c *Config) { c.Generation.Model = " " },
			wantErr: "generation.model",
		},
		{
			name:    "unknown persona",
			mutate:  func(c *Config) { c.Generation.Persona = "pirate" },
			wantErr: "generation.persona",
		},
		{
			name:    "zero rpm",
			mutate:  func(c *Config) { c.RateLimit.RequestsPerMinute = 0 },
			wantErr: "rate_limit.requests_per_minute",
		},
		{
			name:    "flush interval too small",
			mutate:  func(c *Config) { c.Streaming.FlushIntervalMs = 1 },
			wantErr: "streaming.flush_interval_ms",
		},
		{
			name:    "bad log mode",
			mutate:  func(c *Config) { c.Logging.Mode = "verbose" },
			wantErr: "logging.mode",
		},
		{
			name:    "server addr without port",
			mutate:  func(c *Config) { c.Server.Addr = "localhost" },
			wantErr: "server.addr",
		},
		{
			name:    "https url accepted",
			mutate:  func(c *Config) { c.Generation.URL = "https://ollama.example.com" },
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateCollectsAll(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.Burst = 0
	cfg.Memory.MaxConcurrent = 0

	var errs ValidateErrors
	require.ErrorAs(t, cfg.Validate(), &errs)
	require.Len(t, errs, 2)
}

func TestLoadFromPath_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, Default().Generation.Model, cfg.Generation.Model)
}

func TestLoadFromPath_PartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[generation]
model = "llama3.2"
grounding = true

[generation.personas]
terse = "Answer in one sentence."

[rate_limit]
requests_per_minute = 5
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "llama3.2", cfg.Generation.Model)
	require.True(t, cfg.Generation.Grounding)
	require.Equal(t, "Answer in one sentence.", cfg.Generation.Personas["terse"])
	require.Equal(t, 5, cfg.RateLimit.RequestsPerMinute)
	require.Equal(t, Default().RateLimit.Burst, cfg.RateLimit.Burst)
	require.Equal(t, Default().Generation.URL, cfg.Generation.URL)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadFromPath_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[generation]\nmodle = \"typo\"\n"), 0600))

	_, err := LoadFromPath(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "modle")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RIGCHAT_MODEL", "mistral")
	t.Setenv("RIGCHAT_RPM", "7")
	t.Setenv("RIGCHAT_GROUNDING", "yes")
	t.Setenv("RIGCHAT_DB", "/tmp/chat.db")
	t.Setenv("RIGCHAT_SERVER_ADDR", "127.0.0.1:9999")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, "mistral", cfg.Generation.Model)
	require.Equal(t, 7, cfg.RateLimit.RequestsPerMinute)
	require.True(t, cfg.Generation.Grounding)
	require.Equal(t, "/tmp/chat.db", cfg.Storage.Path)
	require.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Generation.Model = "phi3"
	cfg.Streaming.FlushBytes = 1024

	require.NoError(t, SaveTOML(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "# rigrun-chat configuration file"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "phi3", loaded.Generation.Model)
	require.Equal(t, 1024, loaded.Streaming.FlushBytes)
}

// TestConfig_GetSet tests Get and Set methods with dot notation.
func TestConfig_GetSet(t *testing.T) {
	cfg := Default()

	val, err := cfg.Get("rate_limit.requests_per_minute")
	require.NoError(t, err)
	require.Equal(t, 20, val)

	require.NoError(t, cfg.Set("rate_limit.burst", "9"))
	require.Equal(t, 9, cfg.RateLimit.Burst)

	require.NoError(t, cfg.Set("generation.grounding", "true"))
	require.True(t, cfg.Generation.Grounding)

	require.NoError(t, cfg.Set("logging.mode", "prod"))
	require.Equal(t, "prod", cfg.Logging.Mode)

	_, err = cfg.Get("invalid.key")
	require.Error(t, err)
	_, err = cfg.Get("rate_limit.burst.deeper")
	require.Error(t, err)
	require.Error(t, cfg.Set("rate_limit.burst", "many"))
}

// TestConfig_Clone tests that Clone creates an independent copy.
func TestConfig_Clone(t *testing.T) {
	original := Default()
	clone := original.Clone()
	clone.Generation.Personas["new"] = "added"
	clone.Generation.Model = "other"

	require.NotContains(t, original.Generation.Personas, "new")
	require.NotEqual(t, "other", original.Generation.Model)
}

func TestConfig_Derived(t *testing.T) {
	cfg := Default()
	cfg.Streaming.FlushIntervalMs = 100
	cfg.Streaming.FlushBytes = 64
	cfg.Streaming.RegenerateThrottleMs = 1500

	p := cfg.FlushPolicy()
	require.Equal(t, 100*time.Millisecond, p.Interval)
	require.Equal(t, 64, p.MinBytes)
	require.Equal(t, 1500*time.Millisecond, cfg.RegenerateThrottle())

	oc := cfg.OllamaConfig()
	require.Equal(t, cfg.Generation.URL, oc.BaseURL)
	require.Equal(t, cfg.Generation.Personas["default"], oc.Personas["default"])
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveTOML(Default(), path))

	changed := make(chan *Config, 4)
	w, err := Watch(path, 20*time.Millisecond, zaptest.NewLogger(t), func(c *Config) {
		changed <- c
	})
	require.NoError(t, err)
	defer w.Close()

	cfg := Default()
	cfg.RateLimit.RequestsPerMinute = 42
	require.NoError(t, SaveTOML(cfg, path))

	select {
	case got := <-changed:
		require.Equal(t, 42, got.RateLimit.RequestsPerMinute)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not observed")
	}
}
