package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type SummaryRequest struct {
	Model   string
	APIKey  string
	BaseURL string
}

// Prompt renders the run for the catechist-facing summary.
func Prompt(s Snapshot, window time.Duration) string {
	failed := 0
	for _, n := range s.Failures {
		failed += n
	}
	return fmt.Sprintf(
		"Respostas: %d (repetidas: %d), média de acertos: %.1f%%, XP distribuído: %d, subidas de nível: %d, falhas: %d, janela: %s. "+
			"Resuma em no máximo três frases, em português, como um coordenador de catequese.",
		s.Submissions, s.Repeats, s.AverageScore, s.TotalXP, s.LevelUps, failed, window.Round(time.Second))
}

// Summarize asks the chat model for a short narrative of the run.
func Summarize(ctx context.Context, s Snapshot, window time.Duration, req SummaryRequest) (string, error) {
	if req.APIKey == "" {
		return "", errors.New("missing API key")
	}
	if req.Model == "" {
		req.Model = openai.GPT4oMini
	}
	cfg := openai.DefaultConfig(req.APIKey)
	if req.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(req.BaseURL, "/")
	}
	resp, err := openai.NewClientWithConfig(cfg).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Você acompanha o progresso de turmas de catequese."},
			{Role: openai.ChatMessageRoleUser, Content: Prompt(s, window)},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
