package backend

import (
	"context"
	"iter"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// localAPIKey is sent to OpenAI-compatible servers that ignore auth, such
// as Ollama, because the SDK always sets an Authorization header.
const localAPIKey = "ollama"

// OpenAI streams chat completions from the OpenAI API or any server that
// speaks its protocol. Pointing BaseURL at Ollama or vLLM makes it the
// local, self-hosted variant.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// NewOpenAI creates an OpenAI-compatible backend
func NewOpenAI(cfg Config) *OpenAI {
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.BaseURL != "" {
		apiKey = localAPIKey
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}
}

// Stream implements Backend
func (b *OpenAI) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := withTimeout(ctx, b.timeout)
		defer cancel()

		stream := b.client.Chat.Completions.NewStreaming(ctx, b.params(req))
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if refusal := choice.Delta.Refusal; refusal != "" {
				yield("", rejected("openai.stream", "model refused: %s", refusal))
				return
			}
			if delta := choice.Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
			if choice.FinishReason == "content_filter" {
				yield("", rejected("openai.stream", "completion blocked by content filter"))
				return
			}
		}

		if err := stream.Err(); err != nil {
			yield("", classify("openai.stream", err))
		}
	}
}

func (b *OpenAI) params(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Context)+1)
	if req.Instruction != "" {
		messages = append(messages, openai.SystemMessage(req.Instruction))
	}
	for _, msg := range req.Context {
		switch msg.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(b.model),
		Messages:    messages,
		Temperature: openai.Float(b.temperature),
	}
	if b.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(b.maxTokens))
	}
	return params
}

// Ping lists models, which Ollama and OpenAI both serve without cost.
func (b *OpenAI) Ping(ctx context.Context) error {
	if _, err := b.client.Models.List(ctx); err != nil {
		return classify("openai.ping", err)
	}
	return nil
}
