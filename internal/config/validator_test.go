package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"negative queue warning", func(c *Config) { c.Server.QueueWarnAfter = -time.Second }, "server.queue_warn_after"},
		{"queue warning disabled", func(c *Config) { c.Server.QueueWarnAfter = 0 }, ""},
		{"unknown provider", func(c *Config) { c.Backend.Provider = "cohere" }, "invalid backend provider"},
		{"anthropic without key", func(c *Config) { c.Backend.Provider = "anthropic" }, "anthropic API key cannot be empty"},
		{"anthropic bad key", func(c *Config) {
			c.Backend.Provider = "anthropic"
			c.Backend.APIKey = "nope"
		}, "should start with sk-ant-"},
		{"gemini without key", func(c *Config) { c.Backend.Provider = "gemini" }, "gemini API key"},
		{"hosted openai without key", func(c *Config) { c.Backend.BaseURL = "" }, "openai API key"},
		{"empty model", func(c *Config) { c.Backend.Model = " " }, "backend.model"},
		{"temperature range", func(c *Config) { c.Backend.Temperature = 3 }, "temperature"},
		{"max tokens", func(c *Config) { c.Backend.MaxTokens = 0 }, "max tokens"},
		{"default user", func(c *Config) { c.Session.DefaultUser = "" }, "default_user"},
		{"bad schedule with ttl", func(c *Config) {
			c.Session.IdleTTL = time.Hour
			c.Session.SweepSchedule = "whenever"
		}, "invalid sweep schedule"},
		{"bad schedule ignored without ttl", func(c *Config) { c.Session.SweepSchedule = "whenever" }, ""},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfigStringMasksKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend.APIKey = "sk-ant-very-secret"
	out := cfg.String()
	assert.NotContains(t, out, "very-secret")
	assert.Contains(t, out, `"api_key": "***"`)
	assert.Equal(t, "sk-ant-very-secret", cfg.Backend.APIKey)
}
