// Package quiz runs the quiz lifecycle: generation, submission, expiry and edits.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"catequiz.org/internal/ai"
	"catequiz.org/internal/audit"
	"catequiz.org/internal/auth"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/events"
	"catequiz.org/internal/obs"
	"catequiz.org/internal/repo"
	"catequiz.org/internal/xp"
)

// Manager coordinates the repositories, the question generator and the XP ledger.
type Manager struct {
	repos    *repo.Repos
	gen      ai.Generator
	ledger   *xp.Ledger
	pub      events.Publisher
	now      func() time.Time
	validity time.Duration
}

type Option func(*Manager)

// WithClock overrides time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithValidity sets how long a new quiz accepts responses.
func WithValidity(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.validity = d
		}
	}
}

// WithPublisher delivers lifecycle events.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.pub = p
		}
	}
}

func NewManager(repos *repo.Repos, gen ai.Generator, ledger *xp.Ledger, opts ...Option) *Manager {
	if gen == nil {
		gen = ai.Disabled{}
	}
	m := &Manager{
		repos:    repos,
		gen:      gen,
		ledger:   ledger,
		pub:      events.Nop{},
		now:      time.Now,
		validity: domain.QuizValidity,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) publish(t events.Type, q domain.Quiz, userID, msg string) {
	m.pub.Publish(events.Event{Type: t, ParishID: q.ParishID, QuizID: q.ID, UserID: userID, Message: msg, At: m.now().UTC()})
}

// CanView allows any member of the quiz's parish.
func CanView(sess auth.Session, q domain.Quiz) error {
	if !sess.SameParish(q.ParishID) {
		return fmt.Errorf("%w: quiz de outra paróquia", domain.ErrPermissionDenied)
	}
	return nil
}

// CanEdit allows the creator or an admin, both only inside the quiz's parish.
func CanEdit(sess auth.Session, q domain.Quiz) error {
	if err := CanView(sess, q); err != nil {
		return err
	}
	if q.CreatedBy == sess.UserID || sess.IsAdmin() {
		return nil
	}
	return fmt.Errorf("%w: apenas o autor ou um administrador pode alterar o quiz", domain.ErrPermissionDenied)
}

// CreateInput is what a catechist provides; everything else is derived.
type CreateInput struct {
	Title       string       `json:"titulo"`
	Description string       `json:"descricao"`
	Theme       string       `json:"tema"`
	Track       domain.Track `json:"tipo"`
}

func (in CreateInput) normalize() (CreateInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Theme = strings.TrimSpace(in.Theme)
	var missing []string
	if in.Title == "" {
		missing = append(missing, "titulo")
	}
	if in.Theme == "" {
		missing = append(missing, "tema")
	}
	if !in.Track.Valid() {
		missing = append(missing, "tipo")
	}
	if len(missing) > 0 {
		return in, fmt.Errorf("%w: campos obrigatórios: %s", domain.ErrInvalidInput, strings.Join(missing, ", "))
	}
	return in, nil
}

// Create records the quiz as generating, asks the generator for questions and
// then stores it as pending, or as error with the failure message. On
// generation failure the error quiz is returned together with an error
// wrapping domain.ErrGeneration.
func (m *Manager) Create(ctx context.Context, sess auth.Session, in CreateInput) (domain.Quiz, error) {
	if !sess.HasPermission(auth.PermQuizCreate) {
		return domain.Quiz{}, fmt.Errorf("%w: apenas catequistas podem criar quizzes", domain.ErrPermissionDenied)
	}
	in, err := in.normalize()
	if err != nil {
		return domain.Quiz{}, err
	}
	now := m.now()
	q, err := m.repos.Quizzes.Create(ctx, domain.Quiz{
		Title:       in.Title,
		Description: in.Description,
		Theme:       in.Theme,
		Track:       in.Track,
		ParishID:    sess.ParishID,
		CreatedBy:   sess.UserID,
		Questions:   []domain.Question{},
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.validity),
		Status:      domain.QuizGenerating,
	})
	if err != nil {
		return domain.Quiz{}, err
	}

	questions, genErr := m.gen.Generate(ctx, in.Theme, in.Track)
	if genErr == nil {
		questions, genErr = conform(questions)
	}
	id := q.ID
	finish := func(genErr error) (domain.Quiz, error) {
		return m.repos.Quizzes.Mutate(context.WithoutCancel(ctx), id, func(stored *domain.Quiz) error {
			stored.UpdatedAt = m.now().UTC()
			if genErr != nil {
				stored.Status = domain.QuizError
				stored.Error = genErr.Error()
				stored.Questions = []domain.Question{}
				stored.MaxScore = 0
				return nil
			}
			stored.Status = domain.QuizPending
			stored.Error = ""
			stored.Questions = questions
			stored.MaxScore = len(questions) * domain.PointsPerQuestion
			return nil
		})
	}
	q, err = finish(genErr)
	if err != nil && genErr == nil && errors.Is(err, domain.ErrInvalidInput) {
		// The quiz must not stay in gerando: store what was rejected as the failure.
		genErr = fmt.Errorf("%w: %v", domain.ErrGeneration, err)
		q, err = finish(genErr)
	}
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("quiz: finish generation of %s: %w", id, err)
	}
	obs.QuizCreated(string(q.Status))

	if genErr != nil {
		m.publish(events.QuizError, q, sess.UserID, q.Error)
		audit.Record(ctx, "quiz.generation_failed", map[string]any{"quiz_id": q.ID, "error": genErr})
		if !errors.Is(genErr, domain.ErrGeneration) {
			genErr = fmt.Errorf("%w: %v", domain.ErrGeneration, genErr)
		}
		return q, genErr
	}
	m.publish(events.QuizCreated, q, sess.UserID, "")
	audit.Record(ctx, "quiz.created", map[string]any{"quiz_id": q.ID, "theme": q.Theme, "track": string(q.Track)})
	return q, nil
}

// conform fits generator output to the stored shape. Questions beyond
// QuestionsPerQuiz and options beyond OptionsPerQuestion are cut, ids are
// renumbered from "1" and an out of range correct index falls back to 0.
// Anything still invalid is a generation failure.
func conform(in []domain.Question) ([]domain.Question, error) {
	if len(in) < domain.QuestionsPerQuiz {
		return nil, fmt.Errorf("%w: %d questões geradas, esperado %d", domain.ErrGeneration, len(in), domain.QuestionsPerQuiz)
	}
	out := make([]domain.Question, domain.QuestionsPerQuiz)
	for i, q := range in[:domain.QuestionsPerQuiz] {
		q.ID = strconv.Itoa(i + 1)
		q.Text = strings.TrimSpace(q.Text)
		if len(q.Options) > domain.OptionsPerQuestion {
			q.Options = q.Options[:domain.OptionsPerQuestion]
		}
		q.Options = append([]string(nil), q.Options...)
		if q.Correct < 0 || q.Correct >= domain.OptionsPerQuestion {
			q.Correct = 0
		}
		if err := domain.Validate(q); err != nil {
			return nil, fmt.Errorf("%w: questão %d: %v", domain.ErrGeneration, i+1, err)
		}
		out[i] = q
	}
	return out, nil
}

// Get returns a quiz of the caller's parish with its effective status.
// Corrupt records fail with domain.ErrCorrupt; repairs are explicit.
func (m *Manager) Get(ctx context.Context, sess auth.Session, id string) (domain.Quiz, error) {
	q, err := m.repos.Quizzes.Get(ctx, id)
	if err != nil {
		return domain.Quiz{}, err
	}
	if err := CanView(sess, q); err != nil {
		return domain.Quiz{}, err
	}
	q.Status = q.EffectiveStatus(m.now())
	return q, nil
}

// EditInput changes presentation fields only; theme and questions are immutable.
type EditInput struct {
	Title       *string       `json:"titulo,omitempty"`
	Description *string       `json:"descricao,omitempty"`
	Track       *domain.Track `json:"tipo,omitempty"`
}

func (m *Manager) Edit(ctx context.Context, sess auth.Session, id string, in EditInput) (domain.Quiz, error) {
	current, err := m.repos.Quizzes.Get(ctx, id)
	if err != nil {
		return domain.Quiz{}, err
	}
	if err := CanEdit(sess, current); err != nil {
		return domain.Quiz{}, err
	}
	q, err := m.repos.Quizzes.Mutate(ctx, id, func(q *domain.Quiz) error {
		if in.Title != nil {
			q.Title = strings.TrimSpace(*in.Title)
		}
		if in.Description != nil {
			q.Description = strings.TrimSpace(*in.Description)
		}
		if in.Track != nil {
			q.Track = *in.Track
		}
		q.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	m.publish(events.QuizUpdated, q, sess.UserID, "")
	audit.Record(ctx, "quiz.updated", map[string]any{"quiz_id": id})
	q.Status = q.EffectiveStatus(m.now())
	return q, nil
}

// Delete removes the quiz and its parish membership. Responses are kept.
func (m *Manager) Delete(ctx context.Context, sess auth.Session, id string) error {
	q, err := m.repos.Quizzes.Get(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrCorrupt) {
		return err
	}
	if err := CanEdit(sess, q); err != nil {
		return err
	}
	if err := m.repos.Quizzes.Delete(ctx, id); err != nil {
		return err
	}
	m.publish(events.QuizDeleted, q, sess.UserID, "")
	audit.Record(ctx, "quiz.deleted", map[string]any{"quiz_id": id})
	return nil
}

// Filter narrows ListForParish. Empty fields match everything.
type Filter struct {
	Status domain.QuizStatus
	Track  domain.Track
}

// ListForParish returns the caller's parish quizzes newest first, with effective statuses.
func (m *Manager) ListForParish(ctx context.Context, sess auth.Session, f Filter) ([]domain.Quiz, error) {
	all, err := m.repos.Quizzes.ListByParish(ctx, sess.ParishID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]domain.Quiz, 0, len(all))
	for _, q := range all {
		q.Status = q.EffectiveStatus(now)
		if f.Status != "" && q.Status != f.Status {
			continue
		}
		if f.Track != "" && q.Track != f.Track {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// PendingForUser lists open quizzes of the caller's track they have not answered.
func (m *Manager) PendingForUser(ctx context.Context, sess auth.Session) ([]domain.Quiz, error) {
	all, err := m.repos.Quizzes.ListByParish(ctx, sess.ParishID)
	if err != nil {
		return nil, err
	}
	answered, err := m.repos.Responses.AnsweredQuizzes(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]domain.Quiz, 0, len(all))
	for _, q := range all {
		if sess.Track != "" && q.Track != sess.Track {
			continue
		}
		if !q.Status.Open() || q.Expired(now) || answered[q.ID] {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// Responses lists the submissions to a quiz. Staff see all of them, catechumens only their own.
func (m *Manager) Responses(ctx context.Context, sess auth.Session, quizID string) ([]domain.QuizResponse, error) {
	q, err := m.repos.Quizzes.Get(ctx, quizID)
	if err != nil && !errors.Is(err, domain.ErrCorrupt) {
		return nil, err
	}
	if err := CanView(sess, q); err != nil {
		return nil, err
	}
	all, err := m.repos.Responses.ListByQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if sess.HasPermission(auth.PermQuizResults) {
		return all, nil
	}
	out := all[:0]
	for _, r := range all {
		if r.UserID == sess.UserID {
			out = append(out, r)
		}
	}
	return out, nil
}
