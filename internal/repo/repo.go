// Package repo stores entities as hashes plus set indexes on a kv.Store.
package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"catequiz.org/internal/codec"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/obs"
)

// fanOut bounds concurrent member reads when resolving an index.
const fanOut = 16

// Repos bundles the entity repositories sharing one store.
type Repos struct {
	store kv.Store

	Parishes  *Parishes
	Users     *Users
	Quizzes   *Quizzes
	Responses *Responses
	Invites   *Invites
}

// New wires every repository onto s.
func New(s kv.Store) *Repos {
	return &Repos{
		store:     s,
		Parishes:  &Parishes{s: s},
		Users:     &Users{s: s},
		Quizzes:   &Quizzes{s: s},
		Responses: &Responses{s: s},
		Invites:   &Invites{s: s},
	}
}

// Store exposes the underlying kv store.
func (r *Repos) Store() kv.Store { return r.store }

// Update runs fn in one store transaction so callers can combine InsertTx calls.
func (r *Repos) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	return r.store.Update(ctx, fn)
}

// load decodes the hash stored at id. An empty hash is ErrNotFound.
// On ErrCorrupt dst still holds every field that decoded.
func load(r kv.Reader, id string, dst any) error {
	h, err := r.HGetAll(id)
	if err != nil {
		return err
	}
	if len(h) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err := codec.Decode(h, dst); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	return nil
}

func get[T any](ctx context.Context, s kv.Store, id string) (T, error) {
	var v T
	err := s.View(ctx, func(r kv.Reader) error {
		return load(r, id, &v)
	})
	return v, err
}

func write(tx kv.Tx, id string, v any) error {
	flat, err := codec.Encode(v)
	if err != nil {
		return err
	}
	return tx.HSet(id, flat)
}

// replace drops fields that are no longer part of the record.
func replace(tx kv.Tx, id string, v any) error {
	if err := tx.Del(id); err != nil {
		return err
	}
	return write(tx, id, v)
}

// list resolves the index set then reads members concurrently.
// Members that are missing, corrupt or unreadable are dropped and logged.
// fill sets the id on records that predate the stored id field; created orders newest first.
func list[T any](ctx context.Context, s kv.Store, index string, fill func(*T, string), created func(*T) time.Time) ([]T, error) {
	members, err := kv.SMembers(ctx, s, index)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", index, err)
	}
	slots := make([]*T, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for i, id := range members {
		g.Go(func() error {
			v, err := get[T](gctx, s, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				level := "warn"
				if errors.Is(err, domain.ErrNotFound) {
					level = "debug"
				}
				obs.Log(level, "dropping unresolvable index member", map[string]any{
					"index": index, "id": id, "error": err,
				})
				return nil
			}
			fill(&v, id)
			slots[i] = &v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]T, 0, len(slots))
	for _, v := range slots {
		if v != nil {
			out = append(out, *v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return created(&out[i]).After(created(&out[j]))
	})
	return out, nil
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Truncate(time.Millisecond)
}
