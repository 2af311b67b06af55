package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviderNames lists known LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidLLMProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Gateway
	if cfg.Gateway.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("gateway.queue_size %d must not be negative", cfg.Gateway.QueueSize))
	}
	for _, d := range []struct {
		name string
		val  Duration
	}{
		{"gateway.ping_interval", cfg.Gateway.PingInterval},
		{"gateway.pong_timeout", cfg.Gateway.PongTimeout},
		{"gateway.inactivity_timeout", cfg.Gateway.InactivityTimeout},
		{"gateway.interrupt_wait", cfg.Gateway.InterruptWait},
		{"gateway.cleanup_max_age", cfg.Gateway.CleanupMaxAge},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	if cfg.Gateway.PingInterval > 0 && cfg.Gateway.PongTimeout > 0 &&
		cfg.Gateway.PongTimeout >= cfg.Gateway.PingInterval {
		slog.Warn("gateway.pong_timeout is not shorter than gateway.ping_interval; overlapping pings possible",
			"pong_timeout", cfg.Gateway.PongTimeout.Std(),
			"ping_interval", cfg.Gateway.PingInterval.Std(),
		)
	}

	// Text
	if (cfg.Text.ReasoningStartTag == "") != (cfg.Text.ReasoningEndTag == "") {
		errs = append(errs, errors.New("text.reasoning_start_tag and text.reasoning_end_tag must be set together"))
	}

	// Provider
	validateLLMProviderName(cfg.Provider.LLM.Name)
	if cfg.Provider.LLM.Name != "" && cfg.Provider.LLM.Model == "" {
		errs = append(errs, errors.New("provider.llm.model is required when provider.llm.name is set"))
	}
	if len(cfg.Provider.LLMFallbacks) > 0 && cfg.Provider.LLM.Name == "" {
		errs = append(errs, errors.New("provider.llm_fallbacks requires provider.llm to be configured"))
	}
	for i, fb := range cfg.Provider.LLMFallbacks {
		prefix := fmt.Sprintf("provider.llm_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if fb.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		validateLLMProviderName(fb.Name)
	}

	// History availability
	if cfg.History.PostgresDSN == "" {
		slog.Warn("history.postgres_dsn is empty; chat turns will not be persisted")
	}

	return errors.Join(errs...)
}

// validateLLMProviderName logs a warning if name is non-empty and not found in
// [ValidLLMProviderNames].
func validateLLMProviderName(name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidLLMProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", "llm",
		"name", name,
		"known", ValidLLMProviderNames,
	)
}
