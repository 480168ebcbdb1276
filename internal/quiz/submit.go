package quiz

import (
	"context"
	"fmt"
	"math"
	"time"

	"catequiz.org/internal/audit"
	"catequiz.org/internal/auth"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/events"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/obs"
	"catequiz.org/internal/xp"
)

// AnswerInput is one selected option. Correctness is never taken from the client.
type AnswerInput struct {
	QuestionID string `json:"questionId"`
	Selected   int    `json:"opcaoSelecionada"`
}

// SubmitOptions carries the optional XP inputs of a submission.
type SubmitOptions struct {
	ExplicitXP int64 `json:"xp,omitempty"`
	Streak     int   `json:"streak,omitempty"`
}

// SubmitResult is the stored response plus the ledger outcome.
// Repeat submissions are stored but earn nothing, so XP is nil.
type SubmitResult struct {
	Response domain.QuizResponse `json:"response"`
	XP       *xp.CreditResult    `json:"xp,omitempty"`
	Repeat   bool                `json:"repeat"`
}

// Score is round(correct/total*100); an empty quiz scores 0.
func Score(correct, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(correct) / float64(total) * 100))
}

// Grade checks answers against the stored questions. Unanswered questions count as wrong.
func Grade(questions []domain.Question, answers []AnswerInput) ([]domain.Answer, int, error) {
	byID := make(map[string]domain.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	seen := make(map[string]bool, len(answers))
	graded := make([]domain.Answer, 0, len(answers))
	correct := 0
	for _, a := range answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: questão %q não pertence ao quiz", domain.ErrInvalidInput, a.QuestionID)
		}
		if seen[a.QuestionID] {
			return nil, 0, fmt.Errorf("%w: questão %q respondida duas vezes", domain.ErrInvalidInput, a.QuestionID)
		}
		if a.Selected < 0 || a.Selected >= len(q.Options) {
			return nil, 0, fmt.Errorf("%w: opção %d inválida na questão %q", domain.ErrInvalidInput, a.Selected, a.QuestionID)
		}
		seen[a.QuestionID] = true
		ok = a.Selected == q.Correct
		if ok {
			correct++
		}
		graded = append(graded, domain.Answer{QuestionID: a.QuestionID, Selected: a.Selected, Correct: ok})
	}
	return graded, correct, nil
}

// Submit grades the answers, stores the response, activates a pending quiz
// and credits XP, all in one transaction.
func (m *Manager) Submit(ctx context.Context, sess auth.Session, quizID string, answers []AnswerInput, opts SubmitOptions) (SubmitResult, error) {
	if !sess.HasPermission(auth.PermQuizRespond) {
		return SubmitResult{}, fmt.Errorf("%w: apenas catequizandos respondem quizzes", domain.ErrPermissionDenied)
	}
	if len(answers) == 0 {
		return SubmitResult{}, fmt.Errorf("%w: nenhuma resposta enviada", domain.ErrInvalidInput)
	}
	now := m.now()
	var (
		res       SubmitResult
		activated bool
		q         domain.Quiz
	)
	err := m.repos.Update(ctx, func(tx kv.Tx) error {
		res, activated = SubmitResult{}, false
		var err error
		q, err = m.repos.Quizzes.GetTx(tx, quizID)
		if err != nil {
			return err
		}
		if err := CanView(sess, q); err != nil {
			return err
		}
		if !q.Status.Open() {
			if q.Status == domain.QuizClosed {
				return fmt.Errorf("%w: quiz encerrado", domain.ErrExpired)
			}
			return fmt.Errorf("%w: quiz indisponível (%s)", domain.ErrInvalidInput, q.Status)
		}
		if q.Expired(now) {
			return fmt.Errorf("%w: o prazo do quiz terminou", domain.ErrExpired)
		}
		graded, correct, err := Grade(q.Questions, answers)
		if err != nil {
			return err
		}
		repeat, err := m.repos.Responses.AnsweredTx(tx, sess.UserID, quizID)
		if err != nil {
			return err
		}
		resp := domain.QuizResponse{
			QuizID:      quizID,
			UserID:      sess.UserID,
			ParishID:    q.ParishID,
			Answers:     graded,
			Score:       Score(correct, len(q.Questions)),
			CompletedAt: now,
		}
		if !repeat {
			credit, err := m.ledger.CreditTx(tx, sess.UserID, xp.CreditInput{
				Score:          resp.Score,
				TotalQuestions: len(q.Questions),
				ExplicitXP:     opts.ExplicitXP,
				Streak:         opts.Streak,
			})
			if err != nil {
				return err
			}
			resp.XP = credit.XPEarned
			res.XP = &credit
		}
		if err := m.repos.Responses.InsertTx(tx, &resp); err != nil {
			return err
		}
		if q.Status == domain.QuizPending {
			if err := m.repos.Quizzes.SetStatusTx(tx, quizID, domain.QuizActive, now); err != nil {
				return err
			}
			activated = true
		}
		res.Response, res.Repeat = resp, repeat
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	obs.ResponseRecorded()
	if res.XP != nil {
		m.ledger.Committed(*res.XP)
	}
	if activated {
		m.publish(events.QuizActivated, q, sess.UserID, "")
	}
	m.publish(events.ResponseSubmitted, q, sess.UserID, "")
	audit.Record(ctx, "quiz.response_submitted", map[string]any{
		"quiz_id": quizID, "response_id": res.Response.ID, "score": res.Response.Score, "repeat": res.Repeat,
	})
	return res, nil
}

// SweepResult counts what SweepExpired looked at and closed.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Closed  int `json:"closed"`
}

// SweepExpired closes every quiz of the parish whose expiry is before now.
func (m *Manager) SweepExpired(ctx context.Context, parishID string, now time.Time) (SweepResult, error) {
	all, err := m.repos.Quizzes.ListByParish(ctx, parishID)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Scanned: len(all)}
	for _, q := range all {
		if q.Status == domain.QuizClosed || !q.Expired(now) {
			continue
		}
		closed := false
		err := m.repos.Update(ctx, func(tx kv.Tx) error {
			closed = false
			status, ok, err := tx.HGet(q.ID, "status")
			if err != nil {
				return err
			}
			// Deleted or closed since the listing.
			if !ok || domain.QuizStatus(status) == domain.QuizClosed {
				return nil
			}
			closed = true
			return m.repos.Quizzes.SetStatusTx(tx, q.ID, domain.QuizClosed, now)
		})
		if err != nil {
			return res, fmt.Errorf("quiz: close %s: %w", q.ID, err)
		}
		if !closed {
			continue
		}
		res.Closed++
		m.publish(events.QuizClosed, q, "", "")
	}
	if res.Closed > 0 {
		obs.Log("info", "expired quizzes closed", map[string]any{"parish_id": parishID, "closed": res.Closed})
	}
	return res, nil
}

// SweepAll runs SweepExpired for every parish and returns the combined counts.
func (m *Manager) SweepAll(ctx context.Context, now time.Time) (SweepResult, error) {
	parishes, err := m.repos.Parishes.IDs(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	var total SweepResult
	for _, pid := range parishes {
		r, err := m.SweepExpired(ctx, pid, now)
		total.Scanned += r.Scanned
		total.Closed += r.Closed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
