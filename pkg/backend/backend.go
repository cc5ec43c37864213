package backend

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"time"
)

// Role is the author of a context message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversational context.
type Message struct {
	Role    Role
	Content string
}

// Request is a single completion request. Instruction becomes the system
// prompt; Context is the conversation the model continues.
type Request struct {
	Instruction string
	Context     []Message
}

// Backend streams a completion as text deltas.
type Backend interface {
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Pinger is implemented by backends that can check reachability cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config selects and tunes a backend variant.
type Config struct {
	Provider    string // openai, anthropic, gemini
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration // per stream, 0 for none
	HTTPClient  *http.Client
}

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// New builds the backend named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAI(cfg), nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key is required")
		}
		return NewAnthropic(cfg), nil
	case ProviderGemini:
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
