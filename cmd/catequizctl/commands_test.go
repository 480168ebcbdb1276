package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catequiz.org/internal/ai"
	"catequiz.org/internal/app"
	"catequiz.org/internal/auth"
	"catequiz.org/internal/config"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/quiz"
	"catequiz.org/internal/repo"
)

// shared keeps the store open across command runs.
type shared struct{ kv.Store }

func (shared) Close() error { return nil }

type fixture struct {
	store    kv.Store
	parishID string
	quizID   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := kv.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.Storage.Backend = "memory"
	cfg.Auth.Secret = "ctl-test"
	gen := ai.GeneratorFunc(func(ctx context.Context, theme string, track domain.Track) ([]domain.Question, error) {
		out := make([]domain.Question, domain.QuestionsPerQuiz)
		for i := range out {
			out[i] = domain.Question{ID: fmt.Sprint(i + 1), Text: "Pergunta?", Options: []string{"a", "b", "c", "d"}}
		}
		return out, nil
	})
	deps, err := app.Build(cfg, store, gen)
	require.NoError(t, err)

	ctx := context.Background()
	res, err := deps.Auth.RegisterParish(ctx, auth.RegisterInput{
		Parish:   domain.Parish{Name: "São José", City: "Recife", State: "PE"},
		Name:     "Padre João",
		Email:    "padre@example.org",
		Password: "segredo123",
	})
	require.NoError(t, err)
	sess := auth.Session{UserID: res.User.ID, Role: res.User.Role, ParishID: res.User.ParishID}
	q, err := deps.Quiz.Create(ctx, sess, quiz.CreateInput{Title: "Sacramentos", Theme: "Os sete sacramentos", Track: domain.TrackAdult})
	require.NoError(t, err)

	return fixture{store: store, parishID: res.User.ParishID, quizID: q.ID}
}

func run(t *testing.T, store kv.Store, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvFile, "")
	cmd := newRootCmd(func(config.Storage) (kv.Store, error) { return shared{store}, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--backend", "memory"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestDiagnoseAndRepairQuiz(t *testing.T) {
	f := newFixture(t)
	err := f.store.Update(context.Background(), func(tx kv.Tx) error {
		return tx.HSet(f.quizID, map[string]string{"questoes": "not json"})
	})
	require.NoError(t, err)

	out, err := run(t, f.store, "diagnose", "quiz", f.quizID)
	require.NoError(t, err)
	assert.Contains(t, out, "needs repair")

	out, err = run(t, f.store, "--json", "repair", "quiz", f.quizID)
	require.NoError(t, err)
	var rep map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, true, rep["repaired"])

	out, err = run(t, f.store, "diagnose", "quiz", f.quizID)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "ok"), out)
}

func TestDiagnoseQuizzesJSON(t *testing.T) {
	f := newFixture(t)
	out, err := run(t, f.store, "--json", "diagnose", "quizzes", f.parishID)
	require.NoError(t, err)

	var d struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"byStatus"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, 1, d.Total)
	assert.Equal(t, 1, d.ByStatus[string(domain.QuizPending)])
}

func TestRepairParishAndSystem(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Update(context.Background(), func(tx kv.Tx) error {
		return tx.SAdd(repo.ParishQuizzesKey(f.parishID), "quiz:01J00000000000000000000G0E")
	}))

	out, err := run(t, f.store, "--json", "repair", "parish", f.parishID)
	require.NoError(t, err)
	var rep struct {
		DanglingQuizzes int `json:"danglingQuizzes"`
		QuizCount       int `json:"quizCount"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 1, rep.DanglingQuizzes)
	assert.Equal(t, 1, rep.QuizCount)

	out, err = run(t, f.store, "repair", "system")
	require.NoError(t, err)
	assert.Contains(t, out, f.parishID)
}

func TestSweepAndErrors(t *testing.T) {
	f := newFixture(t)
	out, err := run(t, f.store, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "closed 0 of 1 quizzes")

	out, err = run(t, f.store, "errors", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "last 24h")

	_, err = run(t, f.store, "errors", "--limit", "0")
	assert.Error(t, err)
}

func TestArgsAreChecked(t *testing.T) {
	f := newFixture(t)
	_, err := run(t, f.store, "repair", "quiz")
	assert.Error(t, err)
}

func TestParishesAndReindex(t *testing.T) {
	f := newFixture(t)
	out, err := run(t, f.store, "parishes")
	require.NoError(t, err)
	assert.Contains(t, out, f.parishID)
	assert.Contains(t, out, "São José")

	out, err = run(t, f.store, "--json", "reindex-emails")
	require.NoError(t, err)
	var rep struct {
		Indexed int `json:"indexed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 1, rep.Indexed)
}

func TestUnlink(t *testing.T) {
	f := newFixture(t)
	_, err := run(t, f.store, "repair", "unlink", f.parishID, f.quizID)
	require.NoError(t, err)

	out, err := run(t, f.store, "--json", "diagnose", "quizzes", f.parishID)
	require.NoError(t, err)
	var d struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Zero(t, d.Total)
}
