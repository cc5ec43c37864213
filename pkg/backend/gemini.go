package backend

import (
	"context"
	"fmt"
	"iter"
	"time"

	"google.golang.org/genai"
)

// Gemini streams completions from the hosted Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// NewGemini creates a Gemini backend
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Gemini{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}, nil
}

// Stream implements Backend
func (b *Gemini) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := withTimeout(ctx, b.timeout)
		defer cancel()

		responses := b.client.Models.GenerateContentStream(ctx, b.model, geminiContents(req), b.config(req))
		relayGemini(responses, yield)
	}
}

// relayGemini turns genai responses into text deltas. Safety and
// blocklist stops are rejections, not partial successes.
func relayGemini(responses iter.Seq2[*genai.GenerateContentResponse, error], yield func(string, error) bool) {
	for resp, err := range responses {
		if err != nil {
			yield("", classify("gemini.stream", err))
			return
		}
		if resp == nil {
			continue
		}
		if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
			yield("", rejected("gemini.stream", "prompt blocked: %s", fb.BlockReason))
			return
		}
		if len(resp.Candidates) == 0 {
			continue
		}

		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part == nil || part.Thought || part.Text == "" {
					continue
				}
				if !yield(part.Text, nil) {
					return
				}
			}
		}

		switch cand.FinishReason {
		case genai.FinishReasonSafety,
			genai.FinishReasonBlocklist,
			genai.FinishReasonProhibitedContent,
			genai.FinishReasonRecitation:
			yield("", rejected("gemini.stream", "completion stopped: %s", cand.FinishReason))
			return
		}
	}
}

func geminiContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.Context))
	for _, msg := range req.Context {
		role := genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, genai.Role(role)))
	}
	return contents
}

func (b *Gemini) config(req Request) *genai.GenerateContentConfig {
	temp := float32(b.temperature)
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	if b.maxTokens > 0 {
		cfg.MaxOutputTokens = int32(b.maxTokens)
	}
	if req.Instruction != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.Instruction}}}
	}
	return cfg
}

// Ping lists a single model.
func (b *Gemini) Ping(ctx context.Context) error {
	if _, err := b.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return classify("gemini.ping", err)
	}
	return nil
}
