package repo

import (
	"context"
	"fmt"
	"time"

	"catequiz.org/internal/domain"
	"catequiz.org/internal/ids"
	"catequiz.org/internal/kv"
)

// Invites stores parish invites with a unique token index.
type Invites struct {
	s kv.Store
}

// InsertTx generates a token when missing and writes the invite with its indexes.
func (r *Invites) InsertTx(tx kv.Tx, inv *domain.Invite) error {
	inv.CreatedAt = stamp(inv.CreatedAt)
	inv.Email = domain.NormalizeEmail(inv.Email)
	if inv.ID == "" {
		inv.ID = ids.NewAt(ids.Invite, inv.CreatedAt)
	}
	if inv.Token == "" {
		tok, err := ids.Token()
		if err != nil {
			return err
		}
		inv.Token = tok
	}
	if inv.ExpiresAt.IsZero() {
		inv.ExpiresAt = inv.CreatedAt.Add(domain.InviteValidity)
	}
	if err := domain.Validate(inv); err != nil {
		return err
	}
	if _, taken, err := tx.HGet(tokenIndexKey, inv.Token); err != nil {
		return err
	} else if taken {
		return fmt.Errorf("%w: invite token collision", domain.ErrConflict)
	}
	if err := write(tx, inv.ID, inv); err != nil {
		return err
	}
	if err := tx.SAdd(ParishInvitesKey(inv.ParishID), inv.ID); err != nil {
		return err
	}
	return tx.HSet(tokenIndexKey, map[string]string{inv.Token: inv.ID})
}

func (r *Invites) Create(ctx context.Context, inv domain.Invite) (domain.Invite, error) {
	if err := r.s.Update(ctx, func(tx kv.Tx) error { return r.InsertTx(tx, &inv) }); err != nil {
		return domain.Invite{}, fmt.Errorf("invites: create: %w", err)
	}
	return inv, nil
}

func (r *Invites) Get(ctx context.Context, id string) (domain.Invite, error) {
	if !ids.Has(id, ids.Invite) {
		return domain.Invite{}, fmt.Errorf("%w: invite %q", domain.ErrNotFound, id)
	}
	inv, err := get[domain.Invite](ctx, r.s, id)
	if inv.ID == "" {
		inv.ID = id
	}
	return inv, err
}

func loadByToken(rd kv.Reader, token string, inv *domain.Invite) error {
	id, ok, err := rd.HGet(tokenIndexKey, token)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: invite token", domain.ErrNotFound)
	}
	if err := load(rd, id, inv); err != nil {
		return err
	}
	if inv.ID == "" {
		inv.ID = id
	}
	return nil
}

func (r *Invites) GetByToken(ctx context.Context, token string) (domain.Invite, error) {
	var inv domain.Invite
	err := r.s.View(ctx, func(rd kv.Reader) error { return loadByToken(rd, token, &inv) })
	return inv, err
}

func usable(inv domain.Invite, now time.Time) error {
	if inv.Used {
		return fmt.Errorf("%w: invite %s", domain.ErrAlreadyUsed, inv.ID)
	}
	if now.After(inv.ExpiresAt) {
		return fmt.Errorf("%w: invite %s", domain.ErrExpired, inv.ID)
	}
	return nil
}

// Check returns the invite when it is unused and unexpired at now.
func (r *Invites) Check(ctx context.Context, token string, now time.Time) (domain.Invite, error) {
	inv, err := r.GetByToken(ctx, token)
	if err != nil {
		return domain.Invite{}, err
	}
	return inv, usable(inv, now)
}

// RedeemTx marks the invite used inside tx. The read and the write share the
// transaction, so of two concurrent redemptions only one commits.
func (r *Invites) RedeemTx(tx kv.Tx, token, userID string, now time.Time) (domain.Invite, error) {
	var inv domain.Invite
	if err := loadByToken(tx, token, &inv); err != nil {
		return domain.Invite{}, err
	}
	if err := usable(inv, now); err != nil {
		return inv, err
	}
	inv.Used = true
	inv.UsedAt = stamp(now)
	inv.UsedBy = userID
	return inv, write(tx, inv.ID, inv)
}

func (r *Invites) Redeem(ctx context.Context, token, userID string, now time.Time) (domain.Invite, error) {
	var inv domain.Invite
	err := r.s.Update(ctx, func(tx kv.Tx) error {
		var err error
		inv, err = r.RedeemTx(tx, token, userID, now)
		return err
	})
	return inv, err
}

func (r *Invites) ListByParish(ctx context.Context, parishID string) ([]domain.Invite, error) {
	return list(ctx, r.s, ParishInvitesKey(parishID),
		func(inv *domain.Invite, id string) {
			if inv.ID == "" {
				inv.ID = id
			}
		},
		func(inv *domain.Invite) time.Time { return inv.CreatedAt })
}
