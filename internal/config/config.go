// Package config provides the configuration schema and loader for the
// conversational gateway.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the gateway server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses the node as a Go duration string or a bare number of
// seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		var secs float64
		if _, serr := fmt.Sscanf(raw, "%f", &secs); serr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		parsed = time.Duration(secs * float64(time.Second))
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for the gateway.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Text     TextConfig     `yaml:"text"`
	Provider ProviderConfig `yaml:"provider"`
	History  HistoryConfig  `yaml:"history"`
}

// ServerConfig holds network and logging settings for the gateway server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// GatewayConfig tunes the WebSocket connection lifecycle and the per-turn
// streaming pipeline.
type GatewayConfig struct {
	// QueueSize is the capacity of each turn's event and token queues.
	QueueSize int `yaml:"queue_size"`

	// PingInterval is the heartbeat cadence.
	PingInterval Duration `yaml:"ping_interval"`

	// PongTimeout is how long a ping may go unanswered before the
	// connection is closed with code 4000.
	PongTimeout Duration `yaml:"pong_timeout"`

	// InactivityTimeout closes connections with no inbound frames.
	InactivityTimeout Duration `yaml:"inactivity_timeout"`

	// InterruptWait bounds how long an interrupt waits for in-flight
	// pipeline stages to settle.
	InterruptWait Duration `yaml:"interrupt_wait"`

	// CleanupMaxAge is how long finished turns are kept for inspection
	// before the periodic sweep prunes them.
	CleanupMaxAge Duration `yaml:"cleanup_max_age"`
}

// TextConfig configures the sentence chunker and TTS text cleaner.
type TextConfig struct {
	// RulesPath points to a YAML or JSON file of regex cleaning rules.
	// Empty uses the built-in defaults.
	RulesPath string `yaml:"rules_path"`

	// ReasoningStartTag and ReasoningEndTag delimit reasoning spans that
	// are stripped from the spoken output. Defaults: "<think>", "</think>".
	ReasoningStartTag string `yaml:"reasoning_start_tag"`
	ReasoningEndTag   string `yaml:"reasoning_end_tag"`
}

// ProviderConfig declares the LLM backend used when the gateway runs its
// built-in agent instead of an injected one.
type ProviderConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks lists backends tried, in order, when the primary LLM
	// fails or its circuit breaker is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block shared by provider types.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// HistoryConfig configures chat-turn persistence.
type HistoryConfig struct {
	// PostgresDSN is the connection string for the turn store. Empty
	// disables persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}
