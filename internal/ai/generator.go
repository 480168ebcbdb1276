// Package ai generates catechism quiz questions through a language model.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"catequiz.org/internal/domain"
)

// Generator produces exactly domain.QuestionsPerQuiz questions for a theme.
type Generator interface {
	Generate(ctx context.Context, theme string, track domain.Track) ([]domain.Question, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, theme string, track domain.Track) ([]domain.Question, error)

func (f GeneratorFunc) Generate(ctx context.Context, theme string, track domain.Track) ([]domain.Question, error) {
	return f(ctx, theme, track)
}

// Disabled is used when no model credentials are configured.
type Disabled struct{}

func (Disabled) Generate(context.Context, string, domain.Track) ([]domain.Question, error) {
	return nil, fmt.Errorf("%w: gerador de questões não configurado", domain.ErrGeneration)
}

type rawQuestion struct {
	ID      json.RawMessage `json:"id"`
	Text    string          `json:"texto"`
	Options []string        `json:"opcoes"`
	Correct *int            `json:"opcaoCorreta"`
}

// Normalize parses a model reply into exactly QuestionsPerQuiz questions.
// Markdown fences are stripped, extra questions and options are cut, ids are
// renumbered from "1" and an out of range correct index falls back to 0.
func Normalize(reply string) ([]domain.Question, error) {
	text := stripFences(reply)
	var raw []rawQuestion
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("%w: resposta não é um array JSON: %v", domain.ErrGeneration, err)
	}
	if len(raw) < domain.QuestionsPerQuiz {
		return nil, fmt.Errorf("%w: o modelo gerou %d questões, esperado %d",
			domain.ErrGeneration, len(raw), domain.QuestionsPerQuiz)
	}
	raw = raw[:domain.QuestionsPerQuiz]
	out := make([]domain.Question, 0, len(raw))
	for i, rq := range raw {
		text := strings.TrimSpace(rq.Text)
		if text == "" {
			return nil, fmt.Errorf("%w: questão %d sem texto", domain.ErrGeneration, i+1)
		}
		if len(rq.Options) < domain.OptionsPerQuestion {
			return nil, fmt.Errorf("%w: questão %d com %d opções", domain.ErrGeneration, i+1, len(rq.Options))
		}
		opts := make([]string, domain.OptionsPerQuestion)
		for j := range opts {
			opts[j] = strings.TrimSpace(rq.Options[j])
			if opts[j] == "" {
				return nil, fmt.Errorf("%w: questão %d com opção vazia", domain.ErrGeneration, i+1)
			}
		}
		correct := 0
		if rq.Correct != nil && *rq.Correct >= 0 && *rq.Correct < domain.OptionsPerQuestion {
			correct = *rq.Correct
		}
		out = append(out, domain.Question{
			ID:      strconv.Itoa(i + 1),
			Text:    text,
			Options: opts,
			Correct: correct,
		})
	}
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
