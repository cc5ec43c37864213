package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	validProviders = []string{"openai", "anthropic", "gemini"}
	validLevels    = []string{"debug", "info", "warn", "error"}
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider validates the backend provider name
func (v *Validator) ValidateProvider(provider string) error {
	if !slices.Contains(validProviders, provider) {
		return fmt.Errorf("invalid backend provider %q (must be one of: %s)", provider, strings.Join(validProviders, ", "))
	}
	return nil
}

// ValidateAPIKey checks the key is present where the provider needs one.
// OpenAI-compatible local servers accept any key, so only a hosted openai
// endpoint (no base_url) requires it.
func (v *Validator) ValidateAPIKey(b BackendConfig) error {
	switch b.Provider {
	case "anthropic":
		if b.APIKey == "" {
			return fmt.Errorf("anthropic API key cannot be empty")
		}
		if !strings.HasPrefix(b.APIKey, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "gemini":
		if b.APIKey == "" {
			return fmt.Errorf("gemini API key cannot be empty")
		}
	case "openai":
		if b.BaseURL == "" && b.APIKey == "" {
			return fmt.Errorf("openai API key cannot be empty without a base_url")
		}
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if !slices.Contains(validLevels, level) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
	}
	return nil
}

// ValidateSchedule checks a session sweep schedule parses as a cron spec.
func (v *Validator) ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig collects every problem in cfg.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must be >= 0"))
	}
	if cfg.Server.RunTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.run_timeout must be >= 0"))
	}
	if cfg.Server.QueueWarnAfter < 0 {
		errs = append(errs, fmt.Errorf("server.queue_warn_after must be >= 0"))
	}

	if err := v.ValidateProvider(cfg.Backend.Provider); err != nil {
		errs = append(errs, err)
	} else if err := v.ValidateAPIKey(cfg.Backend); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(cfg.Backend.Model) == "" {
		errs = append(errs, fmt.Errorf("backend.model is required"))
	}
	if err := v.ValidateTemperature(cfg.Backend.Temperature); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateMaxTokens(cfg.Backend.MaxTokens); err != nil {
		errs = append(errs, err)
	}
	if cfg.Backend.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("backend.max_concurrent must be >= 0"))
	}

	if strings.TrimSpace(cfg.Session.DefaultUser) == "" {
		errs = append(errs, fmt.Errorf("session.default_user is required"))
	}
	if cfg.Session.IdleTTL < 0 {
		errs = append(errs, fmt.Errorf("session.idle_ttl must be >= 0"))
	}
	if cfg.Session.IdleTTL > 0 {
		if err := v.ValidateSchedule(cfg.Session.SweepSchedule); err != nil {
			errs = append(errs, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
