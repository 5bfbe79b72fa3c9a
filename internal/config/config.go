// Package config provides configuration loading for flowd.
//
// Precedence (highest to lowest): environment variables, YAML config
// file, built-in defaults. Environment variables map underscores to
// nesting: SERVER_PORT -> server.port, LLM_API_KEY -> llm.api_key.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// defaultYAML seeds the configuration before file and env overrides.
var defaultYAML = []byte(`
server:
  host: localhost
  port: 8080

nats:
  url: ""
  bucket: flowd_sessions

llm:
  base_url: ""
  model: gpt-4o-mini
  api_key: ""
  requests_per_second: 5

archive:
  enabled: false
  path: ""

workflow:
  total_stages: 0
  cleanup_after: 720h

logging:
  level: info
  format: json
`)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	NATS     NATSConfig     `koanf:"nats"`
	LLM      LLMConfig      `koanf:"llm"`
	Archive  ArchiveConfig  `koanf:"archive"`
	Workflow WorkflowConfig `koanf:"workflow"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// NATSConfig configures the NATS connection. An empty URL disables
// NATS-backed storage and eventing; the in-memory store is used.
type NATSConfig struct {
	URL    string `koanf:"url"`
	Bucket string `koanf:"bucket"`
}

// LLMConfig configures the LLM handler backend. An empty APIKey
// disables LLM handlers; only explicitly registered handlers serve.
type LLMConfig struct {
	BaseURL           string  `koanf:"base_url"`
	Model             string  `koanf:"model"`
	APIKey            Secret  `koanf:"api_key"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// ArchiveConfig configures transcript archival.
type ArchiveConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// WorkflowConfig tunes the orchestration layer.
type WorkflowConfig struct {
	// TotalStages overrides the progress denominator. Zero derives it
	// from the stage graph.
	TotalStages int `koanf:"total_stages"`

	// CleanupAfter is the idle age after which sessions are eligible
	// for batch cleanup.
	CleanupAfter Duration `koanf:"cleanup_after"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads configuration from an optional YAML file and the
// environment.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envTransform maps SERVER_PORT to server.port and LLM_API_KEY to
// llm.api_key. Only known top-level prefixes are accepted so unrelated
// environment variables do not leak in.
func envTransform(s string) string {
	s = strings.ToLower(s)
	for _, prefix := range []string{"server", "nats", "llm", "archive", "workflow", "logging"} {
		if strings.HasPrefix(s, prefix+"_") {
			return prefix + "." + strings.TrimPrefix(s, prefix+"_")
		}
	}
	return ""
}

// Validate checks invariants the loader cannot express.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.LLM.RequestsPerSecond < 0 {
		return fmt.Errorf("llm requests_per_second cannot be negative")
	}
	if c.Workflow.TotalStages < 0 {
		return fmt.Errorf("workflow total_stages cannot be negative")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	if c.Workflow.CleanupAfter.Duration() < 0 {
		return fmt.Errorf("workflow cleanup_after cannot be negative")
	}
	return nil
}

// Duration wraps time.Duration for text unmarshaling from YAML and
// environment values like "720h".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret wraps strings that must not appear in logs or serialized
// output. Use Value to read the actual value.
type Secret string

// String implements fmt.Stringer. Always redacted.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Value returns the actual secret value.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool { return s != "" }

// MarshalText implements encoding.TextMarshaler. Always redacted.
func (s Secret) MarshalText() ([]byte, error) {
	if s == "" {
		return []byte(""), nil
	}
	return []byte("[REDACTED]"), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
