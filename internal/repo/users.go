package repo

import (
	"context"
	"fmt"
	"time"

	"catequiz.org/internal/domain"
	"catequiz.org/internal/ids"
	"catequiz.org/internal/kv"
)

// Users keeps user hashes, the global and per-parish sets, and a unique e-mail index.
type Users struct {
	s kv.Store
}

// InsertTx writes u and its index entries. A taken e-mail is ErrConflict.
func (r *Users) InsertTx(tx kv.Tx, u *domain.User) error {
	u.CreatedAt = stamp(u.CreatedAt)
	u.Email = domain.NormalizeEmail(u.Email)
	if u.ID == "" {
		u.ID = ids.NewAt(ids.User, u.CreatedAt)
	}
	if err := domain.Validate(u); err != nil {
		return err
	}
	owner, taken, err := tx.HGet(emailIndexKey, u.Email)
	if err != nil {
		return err
	}
	if taken && owner != u.ID {
		return fmt.Errorf("%w: e-mail %s already registered", domain.ErrConflict, u.Email)
	}
	if err := write(tx, u.ID, u); err != nil {
		return err
	}
	if err := tx.SAdd(UsersKey, u.ID); err != nil {
		return err
	}
	if err := tx.SAdd(ParishUsersKey(u.ParishID), u.ID); err != nil {
		return err
	}
	return tx.HSet(emailIndexKey, map[string]string{u.Email: u.ID})
}

func (r *Users) Create(ctx context.Context, u domain.User) (domain.User, error) {
	if err := r.s.Update(ctx, func(tx kv.Tx) error { return r.InsertTx(tx, &u) }); err != nil {
		return domain.User{}, fmt.Errorf("users: create: %w", err)
	}
	return u, nil
}

func (r *Users) Get(ctx context.Context, id string) (domain.User, error) {
	if !ids.Has(id, ids.User) {
		return domain.User{}, fmt.Errorf("%w: user %q", domain.ErrNotFound, id)
	}
	u, err := get[domain.User](ctx, r.s, id)
	if u.ID == "" {
		u.ID = id
	}
	return u, err
}

// GetByEmail resolves the normalized e-mail through the unique index.
func (r *Users) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	email = domain.NormalizeEmail(email)
	var u domain.User
	err := r.s.View(ctx, func(rd kv.Reader) error {
		id, ok, err := rd.HGet(emailIndexKey, email)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: user with e-mail %s", domain.ErrNotFound, email)
		}
		if err := load(rd, id, &u); err != nil {
			return err
		}
		if u.ID == "" {
			u.ID = id
		}
		return nil
	})
	return u, err
}

func fillUser(u *domain.User, id string) {
	if u.ID == "" {
		u.ID = id
	}
}

func userCreated(u *domain.User) time.Time { return u.CreatedAt }

func (r *Users) ListAll(ctx context.Context) ([]domain.User, error) {
	return list(ctx, r.s, UsersKey, fillUser, userCreated)
}

func (r *Users) ListByParish(ctx context.Context, parishID string) ([]domain.User, error) {
	return list(ctx, r.s, ParishUsersKey(parishID), fillUser, userCreated)
}

// ListByParishAndRole filters the parish members by role.
func (r *Users) ListByParishAndRole(ctx context.Context, parishID string, role domain.Role) ([]domain.User, error) {
	all, err := r.ListByParish(ctx, parishID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, u := range all {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

// IDsByParish returns the raw membership of the parish user set.
func (r *Users) IDsByParish(ctx context.Context, parishID string) ([]string, error) {
	return kv.SMembers(ctx, r.s, ParishUsersKey(parishID))
}

// Mutate loads, changes, validates and writes one user in a single transaction.
// E-mail changes move the unique index entry.
func (r *Users) Mutate(ctx context.Context, id string, fn func(u *domain.User) error) (domain.User, error) {
	var u domain.User
	err := r.s.Update(ctx, func(tx kv.Tx) error {
		if err := load(tx, id, &u); err != nil {
			return err
		}
		if u.ID == "" {
			u.ID = id
		}
		oldEmail, oldParish := u.Email, u.ParishID
		if err := fn(&u); err != nil {
			return err
		}
		u.ID = id
		u.Email = domain.NormalizeEmail(u.Email)
		u.UpdatedAt = stamp(time.Time{})
		if err := domain.Validate(u); err != nil {
			return err
		}
		if u.Email != domain.NormalizeEmail(oldEmail) {
			owner, taken, err := tx.HGet(emailIndexKey, u.Email)
			if err != nil {
				return err
			}
			if taken && owner != id {
				return fmt.Errorf("%w: e-mail %s already registered", domain.ErrConflict, u.Email)
			}
			prev := domain.NormalizeEmail(oldEmail)
			prevOwner, ok, err := tx.HGet(emailIndexKey, prev)
			if err != nil {
				return err
			}
			// Legacy duplicates may point the old e-mail at another user.
			if ok && prevOwner == id {
				if err := tx.HDel(emailIndexKey, prev); err != nil {
					return err
				}
			}
			if err := tx.HSet(emailIndexKey, map[string]string{u.Email: id}); err != nil {
				return err
			}
		}
		if u.ParishID != oldParish {
			if err := tx.SRem(ParishUsersKey(oldParish), id); err != nil {
				return err
			}
			if err := tx.SAdd(ParishUsersKey(u.ParishID), id); err != nil {
				return err
			}
		}
		return write(tx, id, u)
	})
	return u, err
}

// UpdateProfile changes the display name and e-mail.
func (r *Users) UpdateProfile(ctx context.Context, id, name, email string) (domain.User, error) {
	return r.Mutate(ctx, id, func(u *domain.User) error {
		u.Name = name
		u.Email = email
		return nil
	})
}

// SetPassword stores a new bcrypt hash.
func (r *Users) SetPassword(ctx context.Context, id, hash string) error {
	_, err := r.Mutate(ctx, id, func(u *domain.User) error {
		u.PasswordHash = hash
		return nil
	})
	return err
}

// ReindexEmails rebuilds the e-mail index from the global user set and reports
// e-mails claimed by more than one user.
func (r *Users) ReindexEmails(ctx context.Context) (indexed int, duplicates []string, err error) {
	users, err := r.ListAll(ctx)
	if err != nil {
		return 0, nil, err
	}
	// oldest user keeps a shared e-mail
	owners := make(map[string]string, len(users))
	for i := len(users) - 1; i >= 0; i-- {
		email := domain.NormalizeEmail(users[i].Email)
		if email == "" {
			continue
		}
		if _, dup := owners[email]; dup {
			duplicates = append(duplicates, users[i].ID)
			continue
		}
		owners[email] = users[i].ID
	}
	err = r.s.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Del(emailIndexKey); err != nil {
			return err
		}
		return tx.HSet(emailIndexKey, owners)
	})
	return len(owners), duplicates, err
}
