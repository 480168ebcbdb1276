package repair_test

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catequiz.org/internal/domain"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/repair"
	"catequiz.org/internal/repo"
)

var now = time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)

type env struct {
	repos  *repo.Repos
	r      *repair.Repairer
	parish domain.Parish
	author domain.User
}

func setup(t *testing.T) *env {
	t.Helper()
	s := kv.NewMemory()
	t.Cleanup(func() { _ = s.Close() })
	repos := repo.New(s)
	ctx := context.Background()
	p, err := repos.Parishes.Create(ctx, domain.Parish{Name: "Paróquia", City: "Olinda", State: "PE"})
	require.NoError(t, err)
	u, err := repos.Users.Create(ctx, domain.User{
		Name: "Rita", Email: "rita@example.org", PasswordHash: "x", Role: domain.RoleCatechist, ParishID: p.ID, Track: domain.TrackAdult,
	})
	require.NoError(t, err)
	return &env{repos: repos, r: repair.New(repos, repair.WithClock(func() time.Time { return now })), parish: p, author: u}
}

func (e *env) rawQuiz(t *testing.T, id string, fields map[string]string) {
	t.Helper()
	require.NoError(t, e.repos.Update(context.Background(), func(tx kv.Tx) error {
		if err := tx.HSet(id, fields); err != nil {
			return err
		}
		return tx.SAdd(repo.ParishQuizzesKey(e.parish.ID), id)
	}))
}

func validQuestions() []domain.Question {
	out := make([]domain.Question, domain.QuestionsPerQuiz)
	for i := range out {
		out[i] = domain.Question{ID: fmt.Sprint(i + 1), Text: "?", Options: []string{"a", "b", "c", "d"}}
	}
	return out
}

func (e *env) goodQuiz(t *testing.T) domain.Quiz {
	t.Helper()
	q, err := e.repos.Quizzes.Create(context.Background(), domain.Quiz{
		Title: "Credo", Theme: "credo", Track: domain.TrackAdult, ParishID: e.parish.ID, CreatedBy: e.author.ID,
		Questions: validQuestions(), CreatedAt: now, ExpiresAt: now.Add(domain.QuizValidity),
		Status: domain.QuizPending, MaxScore: 150,
	})
	require.NoError(t, err)
	return q
}

func TestRepairQuizRebuildsAndIsIdempotent(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := "quiz:01HV0000000000000000000000"
	e.rawQuiz(t, id, map[string]string{
		"parishId":  e.parish.ID,
		"criadoPor": e.author.ID,
		"questoes":  "{broken",
		"tipo":      "jovem",
		"status":    "pending",
	})

	h, err := e.repos.Quizzes.RawHash(ctx, id)
	require.NoError(t, err)
	assert.True(t, repair.NeedsRepair(h))

	ok, err := e.r.RepairQuiz(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	q, err := e.repos.Quizzes.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Quiz sem título", q.Title)
	assert.Equal(t, "Sem descrição", q.Description)
	assert.Equal(t, "Tema não especificado", q.Theme)
	assert.Equal(t, domain.TrackAdult, q.Track)
	assert.Equal(t, domain.QuizPending, q.Status)
	assert.Empty(t, q.Questions)
	assert.Zero(t, q.MaxScore)
	assert.True(t, q.CreatedAt.Equal(now))
	assert.True(t, q.ExpiresAt.Equal(now.Add(domain.QuizValidity)))
	assert.Equal(t, e.author.ID, q.CreatedBy)

	before, err := e.repos.Quizzes.RawHash(ctx, id)
	require.NoError(t, err)
	assert.False(t, repair.NeedsRepair(before))

	ok, err = e.r.RepairQuiz(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	after, err := e.repos.Quizzes.RawHash(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRepairKeepsStoredExpiry(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := "quiz:01HV0000000000000000000002"
	expiry := time.Date(2024, 4, 7, 0, 0, 0, 0, time.UTC)
	e.rawQuiz(t, id, map[string]string{
		"parishId":  e.parish.ID,
		"criadoPor": e.author.ID,
		"titulo":    "Credo",
		"status":    string(domain.QuizActive),
		"expiraEm":  strconv.FormatInt(expiry.UnixMilli(), 10),
	})

	ok, err := e.r.RepairQuiz(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	q, err := e.repos.Quizzes.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, q.ExpiresAt.Equal(expiry), "expiry %v", q.ExpiresAt)
	assert.True(t, q.CreatedAt.Equal(expiry.Add(-domain.QuizValidity)), "created %v", q.CreatedAt)
	assert.Equal(t, domain.QuizClosed, q.EffectiveStatus(now))
}

func TestRepairQuizMissing(t *testing.T) {
	e := setup(t)
	ok, err := e.r.RepairQuiz(context.Background(), "quiz:01HV0000000000000000000009")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepairKeepsErrorStatus(t *testing.T) {
	e := setup(t)
	id := "quiz:01HV0000000000000000000001"
	e.rawQuiz(t, id, map[string]string{"parishId": e.parish.ID, "criadoPor": e.author.ID, "status": "erro", "titulo": "x"})
	ok, err := e.r.RepairQuiz(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	q, err := e.repos.Quizzes.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.QuizError, q.Status)
	assert.NotEmpty(t, q.Error)
}

func TestRepairParishQuizzes(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.goodQuiz(t)
	e.rawQuiz(t, "quiz:01HV0000000000000000000002", map[string]string{"parishId": e.parish.ID, "titulo": "Sem questões"})
	e.rawQuiz(t, "quiz:01HV0000000000000000000003", map[string]string{"parishId": e.parish.ID, "titulo": strings.Repeat("x", 300)})

	rep, err := e.r.RepairParishQuizzes(ctx, e.parish.ID)
	require.NoError(t, err)
	assert.Equal(t, repair.Report{Total: 3, Repaired: 1, Failed: 1}, rep)

	quizzes, err := e.repos.Quizzes.ListByParish(ctx, e.parish.ID)
	require.NoError(t, err)
	assert.Len(t, quizzes, 3, "repaired and untouched quizzes decode")
}

func TestRepairSystemPrunesDanglingReferences(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.goodQuiz(t)
	require.NoError(t, e.repos.Update(ctx, func(tx kv.Tx) error {
		if err := tx.SAdd(repo.ParishQuizzesKey(e.parish.ID), "quiz:gone"); err != nil {
			return err
		}
		return tx.SAdd(repo.ParishUsersKey(e.parish.ID), "user:gone")
	}))

	rep, err := e.r.RepairSystem(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Parishes, 1)
	assert.Equal(t, 1, rep.DanglingQuizzes)
	assert.Equal(t, 1, rep.DanglingUsers)
	assert.Equal(t, 1, rep.Parishes[0].Users)
	assert.Equal(t, 1, rep.Parishes[0].QuizCount)
	assert.Zero(t, rep.Parishes[0].InvalidItems)

	quizIDs, err := e.repos.Quizzes.IDsByParish(ctx, e.parish.ID)
	require.NoError(t, err)
	assert.NotContains(t, quizIDs, "quiz:gone")
}

func TestDiagnostics(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	good := e.goodQuiz(t)
	_, err := e.repos.Responses.Create(ctx, domain.QuizResponse{QuizID: good.ID, UserID: e.author.ID, Score: 50})
	require.NoError(t, err)
	broken := "quiz:01HV0000000000000000000004"
	e.rawQuiz(t, broken, map[string]string{"parishId": e.parish.ID, "questoes": "{", "status": "ativo", "titulo": "t", "expiraEm": "x"})

	d, err := e.r.DiagnoseQuiz(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, d.Exists)
	assert.True(t, d.Loaded)
	assert.False(t, d.NeedsRepair)
	assert.Equal(t, 1, d.ResponseCount)
	assert.Equal(t, domain.QuestionsPerQuiz, d.Questions)
	require.NotNil(t, d.Creator)
	assert.Equal(t, "Rita", d.Creator.Name)

	d, err = e.r.DiagnoseQuiz(ctx, broken)
	require.NoError(t, err)
	assert.False(t, d.Loaded)
	assert.True(t, d.NeedsRepair)
	assert.Len(t, d.DecodeErrors, 2)

	all, err := e.r.DiagnoseQuizzes(ctx, e.parish.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)
	assert.Equal(t, []string{broken}, all.Unreadable)
	assert.Equal(t, 1, all.ByStatus[domain.QuizPending])

	users, err := e.r.DiagnoseUsers(ctx, e.parish.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, users.Total)
	assert.Equal(t, 1, users.CatechistsByTrack[domain.TrackAdult])
	assert.Empty(t, users.Dangling)
}

func TestUserCorrections(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	require.NoError(t, e.r.DetachUserFromParish(ctx, e.author.ID, e.parish.ID))
	members, err := e.repos.Users.IDsByParish(ctx, e.parish.ID)
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, e.r.AttachUserToParish(ctx, e.author.ID, e.parish.ID))
	members, err = e.repos.Users.IDsByParish(ctx, e.parish.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{e.author.ID}, members)

	assert.ErrorIs(t, e.r.AttachUserToParish(ctx, "user:missing", e.parish.ID), domain.ErrNotFound)

	u, err := e.r.ConvertRole(ctx, e.author.ID, domain.RoleCatechumen)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCatechumen, u.Role)

	_, err = e.r.ConvertRole(ctx, e.author.ID, domain.RoleAdmin)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
