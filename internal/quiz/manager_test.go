package quiz_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catequiz.org/internal/ai"
	"catequiz.org/internal/auth"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/events"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/quiz"
	"catequiz.org/internal/repo"
	"catequiz.org/internal/xp"
)

type fixture struct {
	repos     *repo.Repos
	mgr       *quiz.Manager
	ledger    *xp.Ledger
	hub       *events.Hub
	now       time.Time
	parish    domain.Parish
	admin     auth.Session
	catechist auth.Session
	student   auth.Session
	genErr    error
	genOut    func() []domain.Question
}

func questions() []domain.Question {
	out := make([]domain.Question, domain.QuestionsPerQuiz)
	for i := range out {
		out[i] = domain.Question{
			ID:      fmt.Sprint(i + 1),
			Text:    fmt.Sprintf("Pergunta %d?", i+1),
			Options: []string{"a", "b", "c", "d"},
			Correct: i % 4,
		}
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, kv.NewMemory())
}

func newFixtureOn(t *testing.T, s kv.Store) *fixture {
	t.Helper()
	t.Cleanup(func() { _ = s.Close() })
	f := &fixture{repos: repo.New(s), hub: events.NewHub(), now: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	gen := ai.GeneratorFunc(func(ctx context.Context, theme string, track domain.Track) ([]domain.Question, error) {
		if f.genErr != nil {
			return nil, f.genErr
		}
		if f.genOut != nil {
			return f.genOut(), nil
		}
		return questions(), nil
	})
	f.ledger = xp.NewLedger(s, xp.WithClock(clock))
	f.mgr = quiz.NewManager(f.repos, gen, f.ledger, quiz.WithClock(clock), quiz.WithPublisher(f.hub))
	f.parish, f.admin, f.catechist, f.student = f.seedParish(t, "a")
	return f
}

func (f *fixture) seedParish(t *testing.T, tag string) (domain.Parish, auth.Session, auth.Session, auth.Session) {
	t.Helper()
	ctx := context.Background()
	p, err := f.repos.Parishes.Create(ctx, domain.Parish{Name: "Paróquia " + tag, City: "Recife", State: "PE"})
	require.NoError(t, err)
	mk := func(role domain.Role, track domain.Track) auth.Session {
		u, err := f.repos.Users.Create(ctx, domain.User{
			Name: string(role), Email: fmt.Sprintf("%s-%s@example.org", role, tag), PasswordHash: "x",
			Role: role, ParishID: p.ID, Track: track,
		})
		require.NoError(t, err)
		return auth.Session{UserID: u.ID, Role: u.Role, ParishID: p.ID, Track: u.Track, Email: u.Email}
	}
	return p, mk(domain.RoleAdmin, ""), mk(domain.RoleCatechist, domain.TrackAdult), mk(domain.RoleCatechumen, domain.TrackAdult)
}

func (f *fixture) create(t *testing.T) domain.Quiz {
	t.Helper()
	q, err := f.mgr.Create(context.Background(), f.catechist, quiz.CreateInput{
		Title: "Sacramentos", Description: "Os sete sacramentos", Theme: "sacramentos", Track: domain.TrackAdult,
	})
	require.NoError(t, err)
	return q
}

func answersWithCorrect(n int) []quiz.AnswerInput {
	qs := questions()
	out := make([]quiz.AnswerInput, len(qs))
	for i, q := range qs {
		sel := q.Correct
		if i >= n {
			sel = (q.Correct + 1) % 4
		}
		out[i] = quiz.AnswerInput{QuestionID: q.ID, Selected: sel}
	}
	return out
}

func TestCreatePersistsPendingQuiz(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := f.hub.Subscribe(ctx, f.parish.ID)

	q := f.create(t)
	assert.Equal(t, domain.QuizPending, q.Status)
	assert.Len(t, q.Questions, domain.QuestionsPerQuiz)
	assert.Equal(t, 150, q.MaxScore)
	assert.True(t, q.ExpiresAt.Equal(f.now.Add(domain.QuizValidity)), "expiry %v", q.ExpiresAt)
	assert.Equal(t, f.catechist.UserID, q.CreatedBy)
	assert.Equal(t, f.parish.ID, q.ParishID)

	stored, err := f.repos.Quizzes.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuizPending, stored.Status)

	select {
	case evt := <-sub:
		assert.Equal(t, events.QuizCreated, evt.Type)
		assert.Equal(t, q.ID, evt.QuizID)
	case <-time.After(time.Second):
		t.Fatal("no quiz.created event")
	}
}

func TestCreateGenerationFailure(t *testing.T) {
	f := newFixture(t)
	f.genErr = errors.New("upstream timeout")

	q, err := f.mgr.Create(context.Background(), f.catechist, quiz.CreateInput{Title: "Credo", Theme: "credo", Track: domain.TrackAdult})
	require.ErrorIs(t, err, domain.ErrGeneration)
	assert.Equal(t, domain.QuizError, q.Status)
	assert.NotEmpty(t, q.Error)
	assert.Empty(t, q.Questions)

	stored, err := f.repos.Quizzes.Get(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuizError, stored.Status)
	assert.Contains(t, stored.Error, "upstream timeout")
}

func TestCreateRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Create(ctx, f.student, quiz.CreateInput{Title: "x", Theme: "y", Track: domain.TrackAdult})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.mgr.Create(ctx, f.catechist, quiz.CreateInput{Title: "x", Theme: "  ", Track: domain.TrackAdult})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.mgr.Create(ctx, f.catechist, quiz.CreateInput{Title: "x", Theme: "y", Track: "jovem"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSubmitScoresAndActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.create(t)

	res, err := f.mgr.Submit(ctx, f.student, q.ID, answersWithCorrect(12), quiz.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 80, res.Response.Score)
	assert.Equal(t, 12, res.Response.CorrectCount())
	assert.False(t, res.Repeat)
	require.NotNil(t, res.XP)
	assert.EqualValues(t, 70, res.XP.XPEarned)
	assert.EqualValues(t, 70, res.Response.XP)

	stored, err := f.repos.Quizzes.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuizActive, stored.Status)

	stats, err := f.ledger.Stats(ctx, f.student.UserID)
	require.NoError(t, err)
	assert.EqualValues(t, 70, stats.TotalXP)

	// a second attempt is stored but earns nothing
	again, err := f.mgr.Submit(ctx, f.student, q.ID, answersWithCorrect(15), quiz.SubmitOptions{})
	require.NoError(t, err)
	assert.True(t, again.Repeat)
	assert.Nil(t, again.XP)
	assert.Equal(t, 100, again.Response.Score)
	stats, err = f.ledger.Stats(ctx, f.student.UserID)
	require.NoError(t, err)
	assert.EqualValues(t, 70, stats.TotalXP)
}

func TestSubmitStreakAndExplicitXP(t *testing.T) {
	f := newFixture(t)
	q := f.create(t)
	res, err := f.mgr.Submit(context.Background(), f.student, q.ID, answersWithCorrect(15), quiz.SubmitOptions{ExplicitXP: 40, Streak: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 50, res.XP.XPEarned)
}

func TestSubmitRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.create(t)

	_, err := f.mgr.Submit(ctx, f.student, q.ID, []quiz.AnswerInput{{QuestionID: "99", Selected: 0}}, quiz.SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.mgr.Submit(ctx, f.student, q.ID, []quiz.AnswerInput{{QuestionID: "1", Selected: 4}}, quiz.SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.mgr.Submit(ctx, f.student, q.ID, nil, quiz.SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.mgr.Submit(ctx, f.catechist, q.ID, answersWithCorrect(1), quiz.SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	f.now = f.now.Add(domain.QuizValidity + time.Minute)
	_, err = f.mgr.Submit(ctx, f.student, q.ID, answersWithCorrect(1), quiz.SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrExpired)

	n, err := f.repos.Responses.CountByQuiz(ctx, q.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected submissions must not be stored")
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.create(t)
	_, otherAdmin, _, otherStudent := f.seedParish(t, "b")

	_, err := f.mgr.Get(ctx, otherAdmin, q.ID)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	_, err = f.mgr.Submit(ctx, otherStudent, q.ID, answersWithCorrect(15), quiz.SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	err = f.mgr.Delete(ctx, otherAdmin, q.ID)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	list, err := f.mgr.ListForParish(ctx, otherAdmin, quiz.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEditAndDeleteRights(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.create(t)

	otherTeacher := auth.Session{UserID: "user:other", Role: domain.RoleCatechist, ParishID: f.parish.ID}
	title := "Novo"
	_, err := f.mgr.Edit(ctx, otherTeacher, q.ID, quiz.EditInput{Title: &title})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	edited, err := f.mgr.Edit(ctx, f.catechist, q.ID, quiz.EditInput{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Novo", edited.Title)
	assert.Equal(t, "sacramentos", edited.Theme)
	assert.Len(t, edited.Questions, domain.QuestionsPerQuiz)
	assert.False(t, edited.UpdatedAt.IsZero())

	require.NoError(t, f.mgr.Delete(ctx, f.admin, q.ID))
	_, err = f.mgr.Get(ctx, f.admin, q.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.create(t)
	f.now = f.now.Add(5 * 24 * time.Hour)
	fresh := f.create(t)

	sweepAt := old.ExpiresAt.Add(time.Hour)
	res, err := f.mgr.SweepExpired(ctx, f.parish.ID, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, quiz.SweepResult{Scanned: 2, Closed: 1}, res)

	got, err := f.repos.Quizzes.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuizClosed, got.Status)
	got, err = f.repos.Quizzes.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuizPending, got.Status)

	res, err = f.mgr.SweepExpired(ctx, f.parish.ID, sweepAt)
	require.NoError(t, err)
	assert.Zero(t, res.Closed, "sweep is idempotent")
}

func TestSweepLeavesQuizAtExactExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.create(t)

	res, err := f.mgr.SweepExpired(ctx, f.parish.ID, q.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, quiz.SweepResult{Scanned: 1, Closed: 0}, res)
	got, err := f.repos.Quizzes.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuizPending, got.Status)

	res, err = f.mgr.SweepExpired(ctx, f.parish.ID, q.ExpiresAt.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)
}

// deleteOnUpdate removes victim right before the next Update runs, the way a
// concurrent delete would land between a listing and a write.
type deleteOnUpdate struct {
	kv.Store
	victim atomic.Pointer[string]
}

func (s *deleteOnUpdate) Update(ctx context.Context, fn func(kv.Tx) error) error {
	if id := s.victim.Swap(nil); id != nil {
		if err := s.Store.Update(ctx, func(tx kv.Tx) error { return tx.Del(*id) }); err != nil {
			return err
		}
	}
	return s.Store.Update(ctx, fn)
}

func TestSweepSkipsQuizDeletedMeanwhile(t *testing.T) {
	s := &deleteOnUpdate{Store: kv.NewMemory()}
	f := newFixtureOn(t, s)
	ctx := context.Background()
	q := f.create(t)

	s.victim.Store(&q.ID)
	res, err := f.mgr.SweepExpired(ctx, f.parish.ID, q.ExpiresAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, quiz.SweepResult{Scanned: 1, Closed: 0}, res)

	raw, err := f.repos.Quizzes.RawHash(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, raw, "no hash is recreated for a deleted quiz")
}

func TestCreateTruncatesExtraQuestions(t *testing.T) {
	f := newFixture(t)
	f.genOut = func() []domain.Question {
		return append(questions(), domain.Question{ID: "16", Text: "Extra?", Options: []string{"a", "b", "c", "d"}})
	}
	q := f.create(t)
	assert.Equal(t, domain.QuizPending, q.Status)
	require.Len(t, q.Questions, domain.QuestionsPerQuiz)
	assert.Equal(t, "15", q.Questions[14].ID)
	assert.Equal(t, domain.QuestionsPerQuiz*domain.PointsPerQuestion, q.MaxScore)
}

func TestCreateClampsCorrectIndex(t *testing.T) {
	f := newFixture(t)
	f.genOut = func() []domain.Question {
		qs := questions()
		qs[3].Correct = 7
		qs[4].Correct = -1
		qs[5].ID = ""
		qs[6].Options = []string{"a", "b", "c", "d", "e"}
		return qs
	}
	q := f.create(t)
	assert.Equal(t, domain.QuizPending, q.Status)
	assert.Zero(t, q.Questions[3].Correct)
	assert.Zero(t, q.Questions[4].Correct)
	assert.Equal(t, "6", q.Questions[5].ID)
	assert.Len(t, q.Questions[6].Options, domain.OptionsPerQuestion)

	stored, err := f.repos.Quizzes.Get(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.Questions, stored.Questions)
}

func TestCreateRecordsMalformedOutputAsError(t *testing.T) {
	cases := map[string]func() []domain.Question{
		"too few": func() []domain.Question { return questions()[:14] },
		"three options": func() []domain.Question {
			qs := questions()
			qs[2].Options = []string{"a", "b", "c"}
			return qs
		},
		"empty prompt": func() []domain.Question {
			qs := questions()
			qs[9].Text = "  "
			return qs
		},
	}
	for name, gen := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.genOut = gen
			q, err := f.mgr.Create(context.Background(), f.catechist, quiz.CreateInput{
				Title: "Credo", Theme: "credo", Track: domain.TrackAdult,
			})
			require.ErrorIs(t, err, domain.ErrGeneration)
			assert.NotErrorIs(t, err, domain.ErrInvalidInput)
			assert.Equal(t, domain.QuizError, q.Status)
			assert.NotEmpty(t, q.Error)

			stored, err := f.repos.Quizzes.Get(context.Background(), q.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.QuizError, stored.Status)
			assert.Empty(t, stored.Questions)
		})
	}
}

func TestEffectiveStatusBeforeSweep(t *testing.T) {
	f := newFixture(t)
	q := f.create(t)
	f.now = q.ExpiresAt.Add(time.Second)
	got, err := f.mgr.Get(context.Background(), f.student, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuizClosed, got.Status)

	closed, err := f.mgr.ListForParish(context.Background(), f.admin, quiz.Filter{Status: domain.QuizClosed})
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestPendingForUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	answered := f.create(t)
	open := f.create(t)
	_, err := f.mgr.Create(ctx, f.catechist, quiz.CreateInput{Title: "Infantil", Theme: "anjos", Track: domain.TrackChild})
	require.NoError(t, err)

	_, err = f.mgr.Submit(ctx, f.student, answered.ID, answersWithCorrect(10), quiz.SubmitOptions{})
	require.NoError(t, err)

	pending, err := f.mgr.PendingForUser(ctx, f.student)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, open.ID, pending[0].ID)
}

func TestCorruptQuizIsNotRepairedOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.create(t)
	require.NoError(t, f.repos.Update(ctx, func(tx kv.Tx) error {
		return tx.HSet(q.ID, map[string]string{"questoes": "not-json"})
	}))
	_, err := f.mgr.Get(ctx, f.student, q.ID)
	assert.ErrorIs(t, err, domain.ErrCorrupt)

	raw, err := f.repos.Quizzes.RawHash(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "not-json", raw["questoes"], "reads must not rewrite the record")
}

func TestScore(t *testing.T) {
	assert.Equal(t, 80, quiz.Score(12, 15))
	assert.Equal(t, 67, quiz.Score(10, 15))
	assert.Equal(t, 0, quiz.Score(0, 0))
	assert.Equal(t, 100, quiz.Score(15, 15))
}
