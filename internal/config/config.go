// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-chat/internal/ollama"
	"github.com/jeranaias/rigrun-chat/internal/ratelimit"
	"github.com/jeranaias/rigrun-chat/internal/stream"
	"github.com/jeranaias/rigrun-chat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigrun-chat configuration.
type Config struct {
	Generation GenerationConfig `toml:"generation" json:"generation"`
	RateLimit  RateLimitConfig  `toml:"rate_limit" json:"rate_limit"`
	Streaming  StreamingConfig  `toml:"streaming" json:"streaming"`
	Storage    StorageConfig    `toml:"storage" json:"storage"`
	Memory     MemoryConfig     `toml:"memory" json:"memory"`
	Logging    LoggingConfig    `toml:"logging" json:"logging"`
	Server     ServerConfig     `toml:"server" json:"server"`
}

// GenerationConfig configures the generation service.
type GenerationConfig struct {
	// URL is the Ollama API base URL.
	URL   string `toml:"url" json:"url"`
	Model string `toml:"model" json:"model"`

	// RequestTimeoutSecs bounds non-streaming calls.
	RequestTimeoutSecs int `toml:"request_timeout_secs" json:"request_timeout_secs"`
	// StreamTimeoutSecs bounds the wait for the first response header.
	StreamTimeoutSecs int `toml:"stream_timeout_secs" json:"stream_timeout_secs"`

	// NumPredict caps reply length; 0 leaves the server default.
	NumPredict int `toml:"num_predict" json:"num_predict"`

	// Grounding enables web grounding for sends by default.
	Grounding bool `toml:"grounding" json:"grounding"`

	// Persona is the persona used when a send names none.
	Persona  string            `toml:"persona" json:"persona"`
	Personas map[string]string `toml:"personas" json:"personas"`
}

// RateLimitConfig is the send quota.
type RateLimitConfig struct {
	RequestsPerMinute int `toml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int `toml:"burst" json:"burst"`
}

// StreamingConfig tunes flushing and regeneration.
type StreamingConfig struct {
	FlushIntervalMs       int `toml:"flush_interval_ms" json:"flush_interval_ms"`
	FlushBytes            int `toml:"flush_bytes" json:"flush_bytes"`
	RegenerateThrottleMs  int `toml:"regenerate_throttle_ms" json:"regenerate_throttle_ms"`
	ContinuationTailRunes int `toml:"continuation_tail_runes" json:"continuation_tail_runes"`
}

// StorageConfig locates the message database.
type StorageConfig struct {
	// Path of the SQLite file. Empty uses the default location.
	Path string `toml:"path" json:"path"`
	// Ephemeral keeps everything in memory.
	Ephemeral bool `toml:"ephemeral" json:"ephemeral"`
}

// MemoryConfig configures long-term memory ingestion.
type MemoryConfig struct {
	Enabled       bool `toml:"enabled" json:"enabled"`
	MaxConcurrent int  `toml:"max_concurrent" json:"max_concurrent"`
	TimeoutSecs   int  `toml:"timeout_secs" json:"timeout_secs"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Mode is "dev", "prod" or "off".
	Mode  string `toml:"mode" json:"mode"`
	Level string `toml:"level" json:"level"`
	// File receives log output. Empty uses the default log file.
	File string `toml:"file" json:"file"`
}

// ServerConfig configures the read-only ops API.
type ServerConfig struct {
	// Addr is the listen address. Empty disables the API.
	Addr string `toml:"addr" json:"addr"`
	// Token, when set, is required as a bearer token.
	Token string `toml:"token" json:"-"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with every default filled in.
func Default() *Config {
	ollamaDefaults := ollama.DefaultConfig()
	return &Config{
		Generation: GenerationConfig{
			URL:                ollamaDefaults.BaseURL,
			Model:              ollamaDefaults.DefaultModel,
			RequestTimeoutSecs: int(ollamaDefaults.Timeout / time.Second),
			StreamTimeoutSecs:  int(ollamaDefaults.StreamTimeout / time.Second),
			Personas: map[string]string{
				"default": "You are a helpful assistant. Answer clearly and concisely.",
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: ratelimit.DefaultRequestsPerMinute,
			Burst:             ratelimit.DefaultBurst,
		},
		Streaming: StreamingConfig{
			FlushIntervalMs:       int(stream.DefaultFlushInterval / time.Millisecond),
			FlushBytes:            stream.DefaultFlushBytes,
			RegenerateThrottleMs:  int(ratelimit.DefaultThrottleInterval / time.Millisecond),
			ContinuationTailRunes: 200,
		},
		Memory: MemoryConfig{
			Enabled:       true,
			MaxConcurrent: 2,
			TimeoutSecs:   30,
		},
		Logging: LoggingConfig{
			Mode:  "dev",
			Level: "info",
		},
	}
}

// SetDefaults fills zero values with defaults. Booleans are left alone.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Generation.URL == "" {
		c.Generation.URL = d.Generation.URL
	}
	if c.Generation.Model == "" {
		c.Generation.Model = d.Generation.Model
	}
	if c.Generation.RequestTimeoutSecs == 0 {
		c.Generation.RequestTimeoutSecs = d.Generation.RequestTimeoutSecs
	}
	if c.Generation.StreamTimeoutSecs == 0 {
		c.Generation.StreamTimeoutSecs = d.Generation.StreamTimeoutSecs
	}
	if c.Generation.Personas == nil {
		c.Generation.Personas = d.Generation.Personas
	}

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = d.RateLimit.RequestsPerMinute
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}

	if c.Streaming.FlushIntervalMs == 0 {
		c.Streaming.FlushIntervalMs = d.Streaming.FlushIntervalMs
	}
	if c.Streaming.FlushBytes == 0 {
		c.Streaming.FlushBytes = d.Streaming.FlushBytes
	}
	if c.Streaming.RegenerateThrottleMs == 0 {
		c.Streaming.RegenerateThrottleMs = d.Streaming.RegenerateThrottleMs
	}
	if c.Streaming.ContinuationTailRunes == 0 {
		c.Streaming.ContinuationTailRunes = d.Streaming.ContinuationTailRunes
	}

	if c.Memory.MaxConcurrent == 0 {
		c.Memory.MaxConcurrent = d.Memory.MaxConcurrent
	}
	if c.Memory.TimeoutSecs == 0 {
		c.Memory.TimeoutSecs = d.Memory.TimeoutSecs
	}

	if c.Logging.Mode == "" {
		c.Logging.Mode = d.Logging.Mode
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the rigrun-chat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-chat"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the default config file. A missing file yields the defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads a config file with full validation. A missing file
// yields the defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file into cfg. Unknown keys are rejected.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# rigrun-chat configuration file")
	fmt.Fprintln(&buf, "# Generated by rigrun-chat - edit with care")
	fmt.Fprintln(&buf)

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if u, err := url.Parse(c.Generation.URL); err != nil || u.Host == "" ||
		(u.Scheme != "http" && u.Scheme != "https") {
		add("generation.url", "invalid URL %q, must be http(s)://host[:port]", c.Generation.URL)
	}
	if strings.TrimSpace(c.Generation.Model) == "" {
		add("generation.model", "must not be empty")
	}
	if c.Generation.RequestTimeoutSecs < 0 || c.Generation.RequestTimeoutSecs > 3600 {
		add("generation.request_timeout_secs", "must be between 0 and 3600, got %d", c.Generation.RequestTimeoutSecs)
	}
	if c.Generation.StreamTimeoutSecs < 0 || c.Generation.StreamTimeoutSecs > 3600 {
		add("generation.stream_timeout_secs", "must be between 0 and 3600, got %d", c.Generation.StreamTimeoutSecs)
	}
	if c.Generation.NumPredict < 0 {
		add("generation.num_predict", "must not be negative, got %d", c.Generation.NumPredict)
	}
	if c.Generation.Persona != "" {
		if _, ok := c.Generation.Personas[c.Generation.Persona]; !ok {
			add("generation.persona", "unknown persona %q", c.Generation.Persona)
		}
	}

	if c.RateLimit.RequestsPerMinute < 1 || c.RateLimit.RequestsPerMinute > 10000 {
		add("rate_limit.requests_per_minute", "must be between 1 and 10000, got %d", c.RateLimit.RequestsPerMinute)
	}
	if c.RateLimit.Burst < 1 || c.RateLimit.Burst > 1000 {
		add("rate_limit.burst", "must be between 1 and 1000, got %d", c.RateLimit.Burst)
	}

	if c.Streaming.FlushIntervalMs < 10 || c.Streaming.FlushIntervalMs > 60000 {
		add("streaming.flush_interval_ms", "must be between 10 and 60000, got %d", c.Streaming.FlushIntervalMs)
	}
	if c.Streaming.FlushBytes < 1 {
		add("streaming.flush_bytes", "must be positive, got %d", c.Streaming.FlushBytes)
	}
	if c.Streaming.RegenerateThrottleMs < 0 {
		add("streaming.regenerate_throttle_ms", "must not be negative, got %d", c.Streaming.RegenerateThrottleMs)
	}
	if c.Streaming.ContinuationTailRunes < 1 {
		add("streaming.continuation_tail_runes", "must be positive, got %d", c.Streaming.ContinuationTailRunes)
	}

	if c.Memory.MaxConcurrent < 1 || c.Memory.MaxConcurrent > 64 {
		add("memory.max_concurrent", "must be between 1 and 64, got %d", c.Memory.MaxConcurrent)
	}

	if c.Server.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
			add("server.addr", "invalid listen address %q", c.Server.Addr)
		}
	}

	switch strings.ToLower(c.Logging.Mode) {
	case "dev", "prod", "off":
	default:
		add("logging.mode", "invalid mode %q, must be one of: dev, prod, off", c.Logging.Mode)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - RIGCHAT_URL: generation.url
//   - RIGCHAT_MODEL: generation.model
//   - RIGCHAT_GROUNDING: generation.grounding ("1" or "true")
//   - RIGCHAT_RPM: rate_limit.requests_per_minute
//   - RIGCHAT_DB: storage.path
//   - RIGCHAT_LOG_MODE: logging.mode
//   - RIGCHAT_LOG_LEVEL: logging.level
//   - RIGCHAT_SERVER_ADDR: server.addr
//   - RIGCHAT_SERVER_TOKEN: server.token
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RIGCHAT_URL"); v != "" {
		c.Generation.URL = v
	}
	if v := os.Getenv("RIGCHAT_MODEL"); v != "" {
		c.Generation.Model = v
	}
	if v := os.Getenv("RIGCHAT_GROUNDING"); v != "" {
		c.Generation.Grounding = parseBool(v)
	}
	if v := os.Getenv("RIGCHAT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("RIGCHAT_DB"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("RIGCHAT_LOG_MODE"); v != "" {
		c.Logging.Mode = v
	}
	if v := os.Getenv("RIGCHAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RIGCHAT_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("RIGCHAT_SERVER_TOKEN"); v != "" {
		c.Server.Token = v
	}
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes"
}

// =============================================================================
// DERIVED SETTINGS
// =============================================================================

// OllamaConfig converts the generation section to a client config.
func (c *Config) OllamaConfig() *ollama.ClientConfig {
	personas := make(map[string]string, len(c.Generation.Personas))
	for k, v := range c.Generation.Personas {
		personas[k] = v
	}
	return &ollama.ClientConfig{
		BaseURL:       c.Generation.URL,
		Timeout:       time.Duration(c.Generation.RequestTimeoutSecs) * time.Second,
		StreamTimeout: time.Duration(c.Generation.StreamTimeoutSecs) * time.Second,
		DefaultModel:  c.Generation.Model,
		NumPredict:    c.Generation.NumPredict,
		Personas:      personas,
	}
}

// FlushPolicy converts the streaming section to a flush policy.
func (c *Config) FlushPolicy() stream.FlushPolicy {
	return stream.FlushPolicy{
		Interval: time.Duration(c.Streaming.FlushIntervalMs) * time.Millisecond,
		MinBytes: c.Streaming.FlushBytes,
	}
}

// RegenerateThrottle returns the regenerate throttle window.
func (c *Config) RegenerateThrottle() time.Duration {
	return time.Duration(c.Streaming.RegenerateThrottleMs) * time.Millisecond
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a value using dot notation (e.g., "rate_limit.burst").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a value using dot notation. String input is converted to the
// field's type.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})
	var result strings.Builder
	for _, part := range parts {
		result.WriteString(strings.ToUpper(part[:1]))
		result.WriteString(strings.ToLower(part[1:]))
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if s, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(s)
			return nil
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(n)
			return nil
		case reflect.Bool:
			field.SetBool(parseBool(s))
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Generation.Personas != nil {
		clone.Generation.Personas = make(map[string]string, len(c.Generation.Personas))
		for k, v := range c.Generation.Personas {
			clone.Generation.Personas[k] = v
		}
	}
	return &clone
}

// String returns the config as indented JSON for debugging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
