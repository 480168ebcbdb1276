package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"catequiz.org/internal/domain"
	"catequiz.org/internal/obs"
)

const DefaultModel = "gpt-4o"

// Config selects the model endpoint.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// OpenAI generates questions with a chat completion.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAI(cfg Config) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("ai: api key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &OpenAI{client: openai.NewClientWithConfig(oc), model: model, timeout: cfg.Timeout}, nil
}

// New returns an OpenAI generator when an API key is configured and Disabled otherwise.
func New(cfg Config) Generator {
	g, err := NewOpenAI(cfg)
	if err != nil {
		obs.Log("warn", "question generator disabled", map[string]any{"reason": err})
		return Disabled{}
	}
	return g
}

// Generate performs one completion; failures are not retried.
func (o *OpenAI) Generate(ctx context.Context, theme string, track domain.Track) ([]domain.Question, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return nil, fmt.Errorf("%w: tema vazio", domain.ErrGeneration)
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(theme, track)},
		},
	})
	obs.ObserveGeneration(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGeneration, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: resposta sem conteúdo", domain.ErrGeneration)
	}
	obs.Log("debug", "question generation finished", map[string]any{
		"model": o.model, "finish_reason": string(resp.Choices[0].FinishReason),
	})
	return Normalize(resp.Choices[0].Message.Content)
}
