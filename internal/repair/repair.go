// Package repair holds the operator tooling that rebuilds malformed records
// and reports on the health of a parish. Nothing here runs on the read path.
package repair

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"catequiz.org/internal/audit"
	"catequiz.org/internal/codec"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/ids"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/obs"
	"catequiz.org/internal/repo"
)

const (
	fallbackTitle       = "Quiz sem título"
	fallbackDescription = "Sem descrição"
	fallbackTheme       = "Tema não especificado"
	fallbackAuthor      = "sistema"
	fallbackError       = "erro desconhecido"
	incompleteQuestions = "questões incompletas após reparo"

	parishConcurrency = 4
)

// requiredQuizFields must be present on every stored quiz.
var requiredQuizFields = []string{"questoes", "expiraEm", "titulo", "status"}

// Repairer rebuilds records through the repositories.
type Repairer struct {
	repos *repo.Repos
	now   func() time.Time
}

type Option func(*Repairer)

// WithClock overrides time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(r *Repairer) {
		if now != nil {
			r.now = now
		}
	}
}

func New(repos *repo.Repos, opts ...Option) *Repairer {
	r := &Repairer{repos: repos, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NeedsRepair reports whether a raw quiz hash fails to decode, misses a
// required field or breaks a domain rule.
func NeedsRepair(h map[string]string) bool {
	if len(h) == 0 {
		return false
	}
	for _, f := range requiredQuizFields {
		if _, ok := h[f]; !ok {
			return true
		}
	}
	if s, ok := domain.ParseQuizStatus(h["status"]); !ok || string(s) != h["status"] {
		return true
	}
	var q domain.Quiz
	if err := codec.Decode(h, &q); err != nil {
		return true
	}
	return domain.Validate(q) != nil
}

// QuizParish returns the parish stored on a quiz hash without decoding it.
func (r *Repairer) QuizParish(ctx context.Context, id string) (string, error) {
	h, err := r.repos.Quizzes.RawHash(ctx, id)
	if err != nil {
		return "", err
	}
	if len(h) == 0 {
		return "", fmt.Errorf("%w: quiz %s", domain.ErrNotFound, id)
	}
	return h["parishId"], nil
}

// RepairQuiz rebuilds the quiz at id from whatever fields survive, filling
// defaults for the rest, and overwrites the stored hash. It is idempotent.
func (r *Repairer) RepairQuiz(ctx context.Context, id string) (bool, error) {
	return r.repairQuiz(ctx, id, "")
}

// RepairQuizInParish is RepairQuiz with parishID as the fallback when the hash lost its parishId.
func (r *Repairer) RepairQuizInParish(ctx context.Context, id, parishID string) (bool, error) {
	return r.repairQuiz(ctx, id, parishID)
}

func (r *Repairer) repairQuiz(ctx context.Context, id, parishHint string) (ok bool, err error) {
	defer func() {
		result := "repaired"
		if !ok {
			result = "failed"
		}
		obs.RepairDone("quiz", result)
		audit.Record(ctx, "repair.quiz", map[string]any{"quiz_id": id, "result": result, "error": err})
	}()
	h, err := r.repos.Quizzes.RawHash(ctx, id)
	if err != nil {
		return false, err
	}
	if len(h) == 0 {
		return false, fmt.Errorf("%w: quiz %s", domain.ErrNotFound, id)
	}
	q := r.rebuild(id, h, parishHint)
	if err := domain.Validate(q); err != nil {
		return false, err
	}
	flat, err := codec.Encode(q)
	if err != nil {
		return false, err
	}
	if maps.Equal(flat, h) {
		return true, nil
	}
	if err := r.repos.Quizzes.Put(ctx, q); err != nil {
		return false, err
	}
	return true, nil
}

// rebuild decodes what it can and substitutes defaults for missing or broken fields.
func (r *Repairer) rebuild(id string, h map[string]string, parishHint string) domain.Quiz {
	var q domain.Quiz
	var decErr *codec.DecodeError
	if err := codec.Decode(h, &q); err != nil && errors.As(err, &decErr) {
		for name := range decErr.Fields {
			switch name {
			case "questoes":
				q.Questions = nil
			case "criadoEm":
				q.CreatedAt = time.Time{}
			case "expiraEm":
				q.ExpiresAt = time.Time{}
			}
		}
	}
	q.ID = id
	if strings.TrimSpace(q.Title) == "" {
		q.Title = fallbackTitle
	}
	if strings.TrimSpace(q.Description) == "" {
		q.Description = fallbackDescription
	}
	if strings.TrimSpace(q.Theme) == "" {
		q.Theme = fallbackTheme
	}
	if !q.Track.Valid() {
		q.Track = domain.TrackAdult
	}
	if status, ok := domain.ParseQuizStatus(h["status"]); ok {
		q.Status = status
	} else {
		q.Status = domain.QuizPending
	}
	if !ids.Has(q.ParishID, ids.Parish) && parishHint != "" {
		q.ParishID = parishHint
	}
	if strings.TrimSpace(q.CreatedBy) == "" {
		q.CreatedBy = fallbackAuthor
	}
	if q.CreatedAt.IsZero() {
		if !q.ExpiresAt.IsZero() {
			q.CreatedAt = q.ExpiresAt.Add(-domain.QuizValidity)
		} else {
			q.CreatedAt = r.now().UTC().Truncate(time.Millisecond)
		}
	}
	if q.ExpiresAt.IsZero() || q.ExpiresAt.Before(q.CreatedAt) {
		q.ExpiresAt = q.CreatedAt.Add(domain.QuizValidity)
	}

	kept := make([]domain.Question, 0, len(q.Questions))
	for _, question := range q.Questions {
		if domain.Validate(question) == nil {
			kept = append(kept, question)
		}
	}
	q.Questions = kept
	if q.Status.Open() && len(kept) > 0 && len(kept) != domain.QuestionsPerQuiz {
		q.Status = domain.QuizError
		q.Error = incompleteQuestions
	}
	if q.Status == domain.QuizError && strings.TrimSpace(q.Error) == "" {
		q.Error = fallbackError
	}
	q.MaxScore = len(q.Questions) * domain.PointsPerQuestion
	return q
}

// Report counts a batch of quiz repairs.
type Report struct {
	Total    int `json:"total"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// RepairParishQuizzes repairs the parish quizzes that need it. Failures are counted.
func (r *Repairer) RepairParishQuizzes(ctx context.Context, parishID string) (Report, error) {
	idList, err := r.repos.Quizzes.IDsByParish(ctx, parishID)
	if err != nil {
		return Report{}, err
	}
	var rep Report
	for _, id := range idList {
		h, err := r.repos.Quizzes.RawHash(ctx, id)
		if err != nil {
			rep.Total++
			rep.Failed++
			continue
		}
		if len(h) == 0 {
			continue
		}
		rep.Total++
		if !NeedsRepair(h) {
			continue
		}
		if ok, err := r.repairQuiz(ctx, id, parishID); ok {
			rep.Repaired++
		} else {
			rep.Failed++
			obs.Log("warn", "quiz repair failed", map[string]any{"quiz_id": id, "parish_id": parishID, "error": err})
		}
	}
	return rep, nil
}

// ParishReport is the outcome of a structural repair of one parish.
type ParishReport struct {
	ParishID        string `json:"parishId"`
	Quizzes         Report `json:"quizzes"`
	DanglingQuizzes int    `json:"danglingQuizzes"`
	DanglingUsers   int    `json:"danglingUsers"`
	Users           int    `json:"users"`
	QuizCount       int    `json:"quizCount"`
	InvalidItems    int    `json:"invalidItems"`
	Error           string `json:"error,omitempty"`
}

// SystemReport aggregates RepairSystem across parishes.
type SystemReport struct {
	Parishes        []ParishReport `json:"parishes"`
	Quizzes         Report         `json:"quizzes"`
	DanglingQuizzes int            `json:"danglingQuizzes"`
	DanglingUsers   int            `json:"danglingUsers"`
}

// RepairParish removes dangling set members, repairs malformed quizzes and audits the parish.
func (r *Repairer) RepairParish(ctx context.Context, parishID string) (ParishReport, error) {
	rep := ParishReport{ParishID: parishID}
	danglingQuizzes, err := r.pruneSet(ctx, repo.ParishQuizzesKey(parishID))
	if err != nil {
		return rep, err
	}
	rep.DanglingQuizzes = danglingQuizzes
	if rep.Quizzes, err = r.RepairParishQuizzes(ctx, parishID); err != nil {
		return rep, err
	}
	if rep.DanglingUsers, err = r.pruneSet(ctx, repo.ParishUsersKey(parishID)); err != nil {
		return rep, err
	}
	userIDs, err := r.repos.Users.IDsByParish(ctx, parishID)
	if err != nil {
		return rep, err
	}
	rep.Users = len(userIDs)
	quizIDs, err := r.repos.Quizzes.IDsByParish(ctx, parishID)
	if err != nil {
		return rep, err
	}
	rep.QuizCount = len(quizIDs)
	for _, id := range quizIDs {
		h, err := r.repos.Quizzes.RawHash(ctx, id)
		if err != nil || NeedsRepair(h) {
			rep.InvalidItems++
		}
	}
	obs.RepairDone("parish", "repaired")
	audit.Record(ctx, "repair.parish", map[string]any{
		"parish_id": parishID, "dangling_quizzes": rep.DanglingQuizzes, "dangling_users": rep.DanglingUsers,
		"repaired": rep.Quizzes.Repaired, "failed": rep.Quizzes.Failed,
	})
	return rep, nil
}

// pruneSet removes members whose hash no longer exists.
func (r *Repairer) pruneSet(ctx context.Context, key string) (int, error) {
	removed := 0
	err := r.repos.Update(ctx, func(tx kv.Tx) error {
		removed = 0
		members, err := tx.SMembers(key)
		if err != nil {
			return err
		}
		var dangling []string
		for _, id := range members {
			exists, err := tx.Exists(id)
			if err != nil {
				return err
			}
			if !exists {
				dangling = append(dangling, id)
			}
		}
		if len(dangling) == 0 {
			return nil
		}
		removed = len(dangling)
		return tx.SRem(key, dangling...)
	})
	return removed, err
}

// RepairSystem runs RepairParish for every parish concurrently. A failing
// parish is reported in its entry and does not stop the others.
func (r *Repairer) RepairSystem(ctx context.Context) (SystemReport, error) {
	parishIDs, err := r.repos.Parishes.IDs(ctx)
	if err != nil {
		return SystemReport{}, err
	}
	reports := make([]ParishReport, len(parishIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parishConcurrency)
	for i, pid := range parishIDs {
		g.Go(func() error {
			rep, err := r.RepairParish(gctx, pid)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				rep.Error = err.Error()
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SystemReport{}, err
	}
	out := SystemReport{Parishes: reports}
	for _, rep := range reports {
		out.Quizzes.Total += rep.Quizzes.Total
		out.Quizzes.Repaired += rep.Quizzes.Repaired
		out.Quizzes.Failed += rep.Quizzes.Failed
		out.DanglingQuizzes += rep.DanglingQuizzes
		out.DanglingUsers += rep.DanglingUsers
	}
	audit.Record(ctx, "repair.system", map[string]any{
		"parishes": len(reports), "repaired": out.Quizzes.Repaired, "failed": out.Quizzes.Failed,
	})
	return out, nil
}
