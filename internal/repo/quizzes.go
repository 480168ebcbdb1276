package repo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"catequiz.org/internal/domain"
	"catequiz.org/internal/ids"
	"catequiz.org/internal/kv"
)

// Quizzes stores quiz hashes and the per-parish quiz set.
type Quizzes struct {
	s kv.Store
}

// InsertTx validates q and writes it together with its parish membership.
func (r *Quizzes) InsertTx(tx kv.Tx, q *domain.Quiz) error {
	q.CreatedAt = stamp(q.CreatedAt)
	if q.ID == "" {
		q.ID = ids.NewAt(ids.Quiz, q.CreatedAt)
	}
	if q.Questions == nil {
		q.Questions = []domain.Question{}
	}
	if err := domain.Validate(q); err != nil {
		return err
	}
	if err := write(tx, q.ID, q); err != nil {
		return err
	}
	return tx.SAdd(ParishQuizzesKey(q.ParishID), q.ID)
}

func (r *Quizzes) Create(ctx context.Context, q domain.Quiz) (domain.Quiz, error) {
	if err := r.s.Update(ctx, func(tx kv.Tx) error { return r.InsertTx(tx, &q) }); err != nil {
		return domain.Quiz{}, fmt.Errorf("quizzes: create: %w", err)
	}
	return q, nil
}

// Get returns ErrNotFound for an empty hash. A corrupt record comes back
// partially decoded together with an error wrapping ErrCorrupt.
func (r *Quizzes) Get(ctx context.Context, id string) (domain.Quiz, error) {
	if !ids.Has(id, ids.Quiz) {
		return domain.Quiz{}, fmt.Errorf("%w: quiz %q", domain.ErrNotFound, id)
	}
	q, err := get[domain.Quiz](ctx, r.s, id)
	if q.ID == "" {
		q.ID = id
	}
	return q, err
}

// Put fully overwrites the stored hash with q; fields outside the schema are dropped.
func (r *Quizzes) Put(ctx context.Context, q domain.Quiz) error {
	if q.Questions == nil {
		q.Questions = []domain.Question{}
	}
	if err := domain.Validate(q); err != nil {
		return err
	}
	return r.s.Update(ctx, func(tx kv.Tx) error {
		if err := replace(tx, q.ID, q); err != nil {
			return err
		}
		return tx.SAdd(ParishQuizzesKey(q.ParishID), q.ID)
	})
}

// Mutate applies fn to a decoded quiz and writes it back in one transaction.
func (r *Quizzes) Mutate(ctx context.Context, id string, fn func(q *domain.Quiz) error) (domain.Quiz, error) {
	var q domain.Quiz
	err := r.s.Update(ctx, func(tx kv.Tx) error {
		if err := load(tx, id, &q); err != nil {
			return err
		}
		if q.ID == "" {
			q.ID = id
		}
		if err := fn(&q); err != nil {
			return err
		}
		q.ID = id
		if err := domain.Validate(q); err != nil {
			return err
		}
		return write(tx, id, q)
	})
	return q, err
}

// Delete removes the hash and the parish membership. Responses are kept.
func (r *Quizzes) Delete(ctx context.Context, id string) error {
	return r.s.Update(ctx, func(tx kv.Tx) error {
		parishID, ok, err := tx.HGet(id, "parishId")
		if err != nil {
			return err
		}
		if !ok {
			exists, err := tx.Exists(id)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: quiz %s", domain.ErrNotFound, id)
			}
		}
		if parishID != "" {
			if err := tx.SRem(ParishQuizzesKey(parishID), id); err != nil {
				return err
			}
		}
		return tx.Del(id)
	})
}

func (r *Quizzes) ListByParish(ctx context.Context, parishID string) ([]domain.Quiz, error) {
	return list(ctx, r.s, ParishQuizzesKey(parishID),
		func(q *domain.Quiz, id string) {
			if q.ID == "" {
				q.ID = id
			}
		},
		func(q *domain.Quiz) time.Time { return q.CreatedAt })
}

// IDsByParish returns the raw membership of the parish quiz set.
func (r *Quizzes) IDsByParish(ctx context.Context, parishID string) ([]string, error) {
	return kv.SMembers(ctx, r.s, ParishQuizzesKey(parishID))
}

// RemoveFromParish drops a dangling reference from the parish set.
func (r *Quizzes) RemoveFromParish(ctx context.Context, parishID, quizID string) error {
	return r.s.Update(ctx, func(tx kv.Tx) error {
		return tx.SRem(ParishQuizzesKey(parishID), quizID)
	})
}

// RawHash returns the stored fields without decoding.
func (r *Quizzes) RawHash(ctx context.Context, id string) (map[string]string, error) {
	return kv.HGetAll(ctx, r.s, id)
}

// GetTx reads a quiz inside a transaction.
func (r *Quizzes) GetTx(rd kv.Reader, id string) (domain.Quiz, error) {
	var q domain.Quiz
	err := load(rd, id, &q)
	if q.ID == "" {
		q.ID = id
	}
	return q, err
}

// SetStatusTx changes only the status and update time of a stored quiz.
// A missing quiz fails with domain.ErrNotFound instead of being recreated.
func (r *Quizzes) SetStatusTx(tx kv.Tx, id string, status domain.QuizStatus, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status %q", domain.ErrInvalidInput, status)
	}
	exists, err := tx.Exists(id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: quiz %s", domain.ErrNotFound, id)
	}
	return tx.HSet(id, map[string]string{
		"status":       string(status),
		"atualizadoEm": strconv.FormatInt(stamp(at).UnixMilli(), 10),
	})
}
