package repo

import (
	"context"
	"fmt"
	"time"

	"catequiz.org/internal/domain"
	"catequiz.org/internal/ids"
	"catequiz.org/internal/kv"
)

// Parishes stores tenant roots under the global "parishes" set.
type Parishes struct {
	s kv.Store
}

// InsertTx assigns an id when missing, validates and writes p inside tx.
func (r *Parishes) InsertTx(tx kv.Tx, p *domain.Parish) error {
	p.CreatedAt = stamp(p.CreatedAt)
	if p.ID == "" {
		p.ID = ids.NewAt(ids.Parish, p.CreatedAt)
	}
	if err := domain.Validate(p); err != nil {
		return err
	}
	if err := write(tx, p.ID, p); err != nil {
		return err
	}
	return tx.SAdd(ParishesKey, p.ID)
}

func (r *Parishes) Create(ctx context.Context, p domain.Parish) (domain.Parish, error) {
	err := r.s.Update(ctx, func(tx kv.Tx) error { return r.InsertTx(tx, &p) })
	if err != nil {
		return domain.Parish{}, fmt.Errorf("parishes: create: %w", err)
	}
	return p, nil
}

func (r *Parishes) Get(ctx context.Context, id string) (domain.Parish, error) {
	if !ids.Has(id, ids.Parish) {
		return domain.Parish{}, fmt.Errorf("%w: parish %q", domain.ErrNotFound, id)
	}
	p, err := get[domain.Parish](ctx, r.s, id)
	if p.ID == "" {
		p.ID = id
	}
	return p, err
}

// List returns every parish, newest first.
func (r *Parishes) List(ctx context.Context) ([]domain.Parish, error) {
	return list(ctx, r.s, ParishesKey,
		func(p *domain.Parish, id string) {
			if p.ID == "" {
				p.ID = id
			}
		},
		func(p *domain.Parish) time.Time { return p.CreatedAt })
}

// IDs returns the raw membership of the global parish set.
func (r *Parishes) IDs(ctx context.Context) ([]string, error) {
	return kv.SMembers(ctx, r.s, ParishesKey)
}

// UpdateContact rewrites the contact fields of a parish.
func (r *Parishes) UpdateContact(ctx context.Context, id string, fn func(p *domain.Parish)) (domain.Parish, error) {
	var out domain.Parish
	err := r.s.Update(ctx, func(tx kv.Tx) error {
		if err := load(tx, id, &out); err != nil {
			return err
		}
		created, pid := out.CreatedAt, out.ID
		fn(&out)
		out.CreatedAt, out.ID = created, pid
		if out.ID == "" {
			out.ID = id
		}
		if err := domain.Validate(out); err != nil {
			return err
		}
		return write(tx, id, out)
	})
	return out, err
}
