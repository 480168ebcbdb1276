package repo

import (
	"context"
	"fmt"
	"time"

	"catequiz.org/internal/domain"
	"catequiz.org/internal/ids"
	"catequiz.org/internal/kv"
)

// Responses stores submitted answers indexed by user and by quiz.
type Responses struct {
	s kv.Store
}

func (r *Responses) InsertTx(tx kv.Tx, resp *domain.QuizResponse) error {
	resp.CompletedAt = stamp(resp.CompletedAt)
	if resp.ID == "" {
		resp.ID = ids.NewAt(ids.Response, resp.CompletedAt)
	}
	if resp.Answers == nil {
		resp.Answers = []domain.Answer{}
	}
	if err := domain.Validate(resp); err != nil {
		return err
	}
	if err := write(tx, resp.ID, resp); err != nil {
		return err
	}
	if err := tx.SAdd(UserResponsesKey(resp.UserID), resp.ID); err != nil {
		return err
	}
	return tx.SAdd(QuizResponsesKey(resp.QuizID), resp.ID)
}

func (r *Responses) Create(ctx context.Context, resp domain.QuizResponse) (domain.QuizResponse, error) {
	if err := r.s.Update(ctx, func(tx kv.Tx) error { return r.InsertTx(tx, &resp) }); err != nil {
		return domain.QuizResponse{}, fmt.Errorf("responses: create: %w", err)
	}
	return resp, nil
}

func (r *Responses) Get(ctx context.Context, id string) (domain.QuizResponse, error) {
	if !ids.Has(id, ids.Response) {
		return domain.QuizResponse{}, fmt.Errorf("%w: response %q", domain.ErrNotFound, id)
	}
	resp, err := get[domain.QuizResponse](ctx, r.s, id)
	if resp.ID == "" {
		resp.ID = id
	}
	return resp, err
}

func fillResponse(resp *domain.QuizResponse, id string) {
	if resp.ID == "" {
		resp.ID = id
	}
}

func responseCompleted(resp *domain.QuizResponse) time.Time { return resp.CompletedAt }

func (r *Responses) ListByUser(ctx context.Context, userID string) ([]domain.QuizResponse, error) {
	return list(ctx, r.s, UserResponsesKey(userID), fillResponse, responseCompleted)
}

func (r *Responses) ListByQuiz(ctx context.Context, quizID string) ([]domain.QuizResponse, error) {
	return list(ctx, r.s, QuizResponsesKey(quizID), fillResponse, responseCompleted)
}

// CountByQuiz counts index members without loading them.
func (r *Responses) CountByQuiz(ctx context.Context, quizID string) (int, error) {
	members, err := kv.SMembers(ctx, r.s, QuizResponsesKey(quizID))
	return len(members), err
}

// AnsweredQuizzes returns the set of quiz ids the user has any response for.
func (r *Responses) AnsweredQuizzes(ctx context.Context, userID string) (map[string]bool, error) {
	all, err := r.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(all))
	for _, resp := range all {
		out[resp.QuizID] = true
	}
	return out, nil
}

// HasResponded treats any stored response as completion.
func (r *Responses) HasResponded(ctx context.Context, userID, quizID string) (bool, error) {
	answered, err := r.AnsweredQuizzes(ctx, userID)
	if err != nil {
		return false, err
	}
	return answered[quizID], nil
}

// AnsweredTx reports inside a transaction whether userID already answered quizID.
func (r *Responses) AnsweredTx(rd kv.Reader, userID, quizID string) (bool, error) {
	members, err := rd.SMembers(UserResponsesKey(userID))
	if err != nil {
		return false, err
	}
	for _, id := range members {
		qid, _, err := rd.HGet(id, "quizId")
		if err != nil {
			return false, err
		}
		if qid == quizID {
			return true, nil
		}
	}
	return false, nil
}
