package ai_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catequiz.org/internal/ai"
	"catequiz.org/internal/domain"
)

func rawQuestions(n int) string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf(`{"id":"q%d","texto":"Pergunta %d?","opcoes":["a","b","c","d","e"],"opcaoCorreta":%d}`, i, i, i%6)
	}
	return "[" + strings.Join(items, ",") + "]"
}

func TestNormalize(t *testing.T) {
	qs, err := ai.Normalize("```json\n" + rawQuestions(17) + "\n```")
	require.NoError(t, err)
	require.Len(t, qs, domain.QuestionsPerQuiz)
	for i, q := range qs {
		assert.Equal(t, fmt.Sprint(i+1), q.ID)
		assert.Len(t, q.Options, domain.OptionsPerQuestion)
		assert.GreaterOrEqual(t, q.Correct, 0)
		assert.Less(t, q.Correct, domain.OptionsPerQuestion)
	}
	// index 4 and 5 are out of range and clamp to 0
	assert.Equal(t, 0, qs[4].Correct)
	assert.Equal(t, 0, qs[5].Correct)
	assert.Equal(t, 3, qs[3].Correct)
}

func TestNormalizeRejects(t *testing.T) {
	cases := map[string]string{
		"too few":      rawQuestions(14),
		"not json":     "Desculpe, não posso ajudar.",
		"empty text":   strings.Replace(rawQuestions(15), `"texto":"Pergunta 3?"`, `"texto":"  "`, 1),
		"few options":  strings.Replace(rawQuestions(15), `["a","b","c","d","e"]`, `["a","b"]`, 1),
		"empty option": strings.Replace(rawQuestions(15), `["a","b","c","d","e"]`, `["a","","c","d"]`, 1),
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ai.Normalize(reply)
			assert.ErrorIs(t, err, domain.ErrGeneration)
		})
	}
}

func TestDisabled(t *testing.T) {
	_, err := ai.Disabled{}.Generate(context.Background(), "batismo", domain.TrackAdult)
	assert.ErrorIs(t, err, domain.ErrGeneration)
	_, isDisabled := ai.New(ai.Config{}).(ai.Disabled)
	assert.True(t, isDisabled)
}

func fakeCompletions(t *testing.T, content string, seen *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if seen != nil && len(req.Messages) > 1 {
			*seen = req.Messages[1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIGenerate(t *testing.T) {
	var prompt string
	srv := fakeCompletions(t, rawQuestions(15), &prompt)
	g, err := ai.NewOpenAI(ai.Config{APIKey: "test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	qs, err := g.Generate(context.Background(), "Os sete sacramentos", domain.TrackChild)
	require.NoError(t, err)
	assert.Len(t, qs, domain.QuestionsPerQuiz)
	assert.Contains(t, prompt, "Os sete sacramentos")
	assert.Contains(t, prompt, "crianças")
}

func TestOpenAIGenerateFailures(t *testing.T) {
	srv := fakeCompletions(t, rawQuestions(3), nil)
	g, err := ai.NewOpenAI(ai.Config{APIKey: "test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "Eucaristia", domain.TrackAdult)
	assert.ErrorIs(t, err, domain.ErrGeneration)

	_, err = g.Generate(context.Background(), "   ", domain.TrackAdult)
	assert.True(t, errors.Is(err, domain.ErrGeneration))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer down.Close()
	g, err = ai.NewOpenAI(ai.Config{APIKey: "test", BaseURL: down.URL + "/v1"})
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), "Eucaristia", domain.TrackAdult)
	assert.ErrorIs(t, err, domain.ErrGeneration)
}
