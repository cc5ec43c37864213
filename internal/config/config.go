package config

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	// DefaultLocalBaseURL is Ollama's OpenAI-compatible endpoint.
	DefaultLocalBaseURL = "http://localhost:11434/v1"
	DefaultLocalModel   = "llama3.2:1b"
)

// Config represents the main codepipe configuration
type Config struct {
	Server     ServerConfig  `json:"server" mapstructure:"server"`
	Backend    BackendConfig `json:"backend" mapstructure:"backend"`
	Session    SessionConfig `json:"session" mapstructure:"session"`
	StagesFile string        `json:"stages_file" mapstructure:"stages_file"`
	Logging    LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing    TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	RunTimeout      time.Duration `json:"run_timeout" mapstructure:"run_timeout"` // 0 disables
	// QueueWarnAfter logs a run still waiting behind another run of its
	// session after this long. 0 disables.
	QueueWarnAfter time.Duration `json:"queue_warn_after" mapstructure:"queue_warn_after"`
}

// BackendConfig selects and tunes the model backend
type BackendConfig struct {
	Provider      string        `json:"provider" mapstructure:"provider"` // openai, anthropic, gemini
	Model         string        `json:"model" mapstructure:"model"`
	BaseURL       string        `json:"base_url" mapstructure:"base_url"`
	APIKey        string        `json:"api_key" mapstructure:"api_key"`
	Temperature   float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int           `json:"max_tokens" mapstructure:"max_tokens"`
	MaxConcurrent int           `json:"max_concurrent" mapstructure:"max_concurrent"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
}

// SessionConfig holds session store settings
type SessionConfig struct {
	DefaultUser   string        `json:"default_user" mapstructure:"default_user"`
	IdleTTL       time.Duration `json:"idle_ttl" mapstructure:"idle_ttl"` // 0 keeps sessions forever
	SweepSchedule string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config that talks to a local Ollama server.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8001,
			ShutdownTimeout: 15 * time.Second,
			RunTimeout:      10 * time.Minute,
			QueueWarnAfter:  2 * time.Minute,
		},
		Backend: BackendConfig{
			Provider:      "openai",
			Model:         DefaultLocalModel,
			BaseURL:       DefaultLocalBaseURL,
			Temperature:   0.2,
			MaxTokens:     4096,
			MaxConcurrent: 4,
			Timeout:       5 * time.Minute,
		},
		Session: SessionConfig{
			DefaultUser:   "default_user",
			SweepSchedule: "@every 10m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "codepipe",
		},
	}
}

// String returns a JSON representation of the config with the API key masked.
func (c *Config) String() string {
	masked := *c
	if masked.Backend.APIKey != "" {
		masked.Backend.APIKey = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
