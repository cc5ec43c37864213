package backend

import (
	"context"
	"iter"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAnthropicMaxTokens applies when MaxTokens is unset; the Messages
// API requires a value.
const defaultAnthropicMaxTokens = 4096

// Anthropic streams completions from the hosted Anthropic Messages API.
type Anthropic struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// NewAnthropic creates an Anthropic backend
func NewAnthropic(cfg Config) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	return &Anthropic{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		timeout:     cfg.Timeout,
	}
}

// Stream implements Backend
func (b *Anthropic) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := withTimeout(ctx, b.timeout)
		defer cancel()

		stream := b.client.Messages.NewStreaming(ctx, b.params(req))
		defer stream.Close()

		for stream.Next() {
			switch event := stream.Current().AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := event.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if !yield(delta.Text, nil) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				if event.Delta.StopReason == anthropic.StopReasonRefusal {
					yield("", rejected("anthropic.stream", "model refused the request"))
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			yield("", classify("anthropic.stream", err))
		}
	}
}

func (b *Anthropic) params(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Context))
	for _, msg := range req.Context {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(b.model),
		Messages:    messages,
		MaxTokens:   int64(b.maxTokens),
		Temperature: anthropic.Float(b.temperature),
	}
	if req.Instruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Instruction}}
	}
	return params
}

// Ping lists one model to confirm the key and endpoint work.
func (b *Anthropic) Ping(ctx context.Context) error {
	if _, err := b.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		return classify("anthropic.ping", err)
	}
	return nil
}
