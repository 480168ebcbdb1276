// Package auth issues sessions and runs the account flows of a parish.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"catequiz.org/internal/domain"
	"catequiz.org/internal/ids"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/repo"
)

// errBadCredentials is returned for unknown e-mails and wrong passwords alike.
var errBadCredentials = fmt.Errorf("%w: credenciais inválidas", domain.ErrUnauthorized)

// Result is a signed-in user with their token.
type Result struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
	User      domain.User    `json:"user"`
	Parish    *domain.Parish `json:"parish,omitempty"`
}

// Service runs registration, login, invites and password flows.
type Service struct {
	repos  *repo.Repos
	issuer *Issuer
	now    func() time.Time
}

type ServiceOption func(*Service)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(repos *repo.Repos, issuer *Issuer, opts ...ServiceOption) *Service {
	s := &Service{repos: repos, issuer: issuer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issuer exposes the token issuer used for bearer verification.
func (s *Service) Issuer() *Issuer { return s.issuer }

func (s *Service) signIn(u domain.User, p *domain.Parish) (Result, error) {
	token, exp, err := s.issuer.Issue(u)
	if err != nil {
		return Result{}, err
	}
	return Result{Token: token, ExpiresAt: exp, User: u, Parish: p}, nil
}

// RegisterInput creates a parish together with its first admin.
type RegisterInput struct {
	Parish   domain.Parish
	Name     string
	Email    string
	Password string
}

// RegisterParish writes the parish and its admin in one transaction.
func (s *Service) RegisterParish(ctx context.Context, in RegisterInput) (Result, error) {
	hash, err := HashPassword(in.Password)
	if err != nil {
		return Result{}, err
	}
	parish := in.Parish
	parish.ID = ""
	parish.CreatedAt = s.now()
	admin := domain.User{
		Name:         strings.TrimSpace(in.Name),
		Email:        in.Email,
		PasswordHash: hash,
		Role:         domain.RoleAdmin,
		CreatedAt:    parish.CreatedAt,
	}
	err = s.repos.Update(ctx, func(tx kv.Tx) error {
		if err := s.repos.Parishes.InsertTx(tx, &parish); err != nil {
			return err
		}
		admin.ParishID = parish.ID
		return s.repos.Users.InsertTx(tx, &admin)
	})
	if err != nil {
		return Result{}, fmt.Errorf("auth: register parish: %w", err)
	}
	return s.signIn(admin, &parish)
}

// Login checks the password against the user found by normalized e-mail.
func (s *Service) Login(ctx context.Context, email, password string) (Result, error) {
	u, err := s.repos.Users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Result{}, errBadCredentials
		}
		return Result{}, err
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return Result{}, errBadCredentials
	}
	p, err := s.repos.Parishes.Get(ctx, u.ParishID)
	if err != nil {
		return Result{}, fmt.Errorf("auth: parish of %s: %w", u.ID, err)
	}
	return s.signIn(u, &p)
}

// Me returns the stored user behind a session.
func (s *Service) Me(ctx context.Context, sess Session) (domain.User, domain.Parish, error) {
	u, err := s.repos.Users.Get(ctx, sess.UserID)
	if err != nil {
		return domain.User{}, domain.Parish{}, err
	}
	p, err := s.repos.Parishes.Get(ctx, u.ParishID)
	return u, p, err
}

// CreateCatechist adds a catechist to the admin's parish.
func (s *Service) CreateCatechist(ctx context.Context, sess Session, name, email, password string, track domain.Track) (domain.User, error) {
	if !sess.HasPermission(PermCatechistAdmin) {
		return domain.User{}, fmt.Errorf("%w: apenas administradores podem cadastrar catequistas", domain.ErrPermissionDenied)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return domain.User{}, err
	}
	return s.repos.Users.Create(ctx, domain.User{
		Name:         strings.TrimSpace(name),
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleCatechist,
		ParishID:     sess.ParishID,
		Track:        track,
		CreatedAt:    s.now(),
	})
}

// InviteCatechumen stores an invite for email in the caller's parish.
func (s *Service) InviteCatechumen(ctx context.Context, sess Session, email string, track domain.Track) (domain.Invite, error) {
	if !sess.HasPermission(PermInviteCreate) {
		return domain.Invite{}, fmt.Errorf("%w: apenas catequistas podem convidar", domain.ErrPermissionDenied)
	}
	if _, err := s.repos.Users.GetByEmail(ctx, email); err == nil {
		return domain.Invite{}, fmt.Errorf("%w: e-mail já cadastrado", domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Invite{}, err
	}
	return s.repos.Invites.Create(ctx, domain.Invite{
		ParishID:  sess.ParishID,
		CreatedBy: sess.UserID,
		Email:     email,
		Track:     track,
		CreatedAt: s.now(),
	})
}

// ListInvites returns the caller's parish invites.
func (s *Service) ListInvites(ctx context.Context, sess Session) ([]domain.Invite, error) {
	if !sess.HasPermission(PermInviteCreate) {
		return nil, domain.ErrPermissionDenied
	}
	return s.repos.Invites.ListByParish(ctx, sess.ParishID)
}

// InvitePreview is what an unauthenticated visitor learns about a token.
type InvitePreview struct {
	Email      string       `json:"email"`
	Track      domain.Track `json:"tipo"`
	ParishName string       `json:"paroquia"`
	ExpiresAt  time.Time    `json:"expiraEm"`
}

// ValidateInvite succeeds for unused, unexpired tokens.
func (s *Service) ValidateInvite(ctx context.Context, token string) (InvitePreview, error) {
	inv, err := s.repos.Invites.Check(ctx, token, s.now())
	if err != nil {
		return InvitePreview{}, err
	}
	preview := InvitePreview{Email: inv.Email, Track: inv.Track, ExpiresAt: inv.ExpiresAt}
	if p, err := s.repos.Parishes.Get(ctx, inv.ParishID); err == nil {
		preview.ParishName = p.Name
	}
	return preview, nil
}

// RedeemInvite creates the catechumen and consumes the invite atomically.
// Nothing is written when either step fails.
func (s *Service) RedeemInvite(ctx context.Context, token, name, password string) (Result, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return Result{}, err
	}
	now := s.now()
	u := domain.User{
		ID:           ids.NewAt(ids.User, now),
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Role:         domain.RoleCatechumen,
		CreatedAt:    now,
	}
	err = s.repos.Update(ctx, func(tx kv.Tx) error {
		inv, err := s.repos.Invites.RedeemTx(tx, token, u.ID, now)
		if err != nil {
			return err
		}
		u.Email, u.ParishID, u.Track = inv.Email, inv.ParishID, inv.Track
		return s.repos.Users.InsertTx(tx, &u)
	})
	if err != nil {
		return Result{}, fmt.Errorf("auth: redeem invite: %w", err)
	}
	p, err := s.repos.Parishes.Get(ctx, u.ParishID)
	if err != nil {
		return Result{}, err
	}
	return s.signIn(u, &p)
}

// UpdateProfile changes the caller's own name and e-mail.
func (s *Service) UpdateProfile(ctx context.Context, sess Session, name, email string) (domain.User, error) {
	name = strings.TrimSpace(name)
	return s.repos.Users.Mutate(ctx, sess.UserID, func(u *domain.User) error {
		if name != "" {
			u.Name = name
		}
		if strings.TrimSpace(email) != "" {
			u.Email = email
		}
		return nil
	})
}

// ChangePassword requires the current password.
func (s *Service) ChangePassword(ctx context.Context, sess Session, current, next string) error {
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	_, err = s.repos.Users.Mutate(ctx, sess.UserID, func(u *domain.User) error {
		if VerifyPassword(u.PasswordHash, current) != nil {
			return fmt.Errorf("%w: senha atual incorreta", domain.ErrUnauthorized)
		}
		u.PasswordHash = hash
		return nil
	})
	return err
}

// ResetPassword lets an admin set the password of a member of their parish.
func (s *Service) ResetPassword(ctx context.Context, sess Session, userID, next string) error {
	if !sess.HasPermission(PermPasswordReset) {
		return domain.ErrPermissionDenied
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	_, err = s.repos.Users.Mutate(ctx, userID, func(u *domain.User) error {
		if !sess.SameParish(u.ParishID) {
			return fmt.Errorf("%w: usuário de outra paróquia", domain.ErrPermissionDenied)
		}
		u.PasswordHash = hash
		return nil
	})
	return err
}

// ParishContact carries the editable fields of a parish. Nil fields are kept.
type ParishContact struct {
	Name    *string `json:"nome,omitempty"`
	Address *string `json:"endereco,omitempty"`
	City    *string `json:"cidade,omitempty"`
	State   *string `json:"estado,omitempty"`
	ZipCode *string `json:"cep,omitempty"`
	Phone   *string `json:"telefone,omitempty"`
	Email   *string `json:"email,omitempty"`
	Website *string `json:"website,omitempty"`
}

// UpdateParish lets an admin edit the contact data of their own parish.
func (s *Service) UpdateParish(ctx context.Context, sess Session, c ParishContact) (domain.Parish, error) {
	if !sess.HasPermission(PermParishManage) {
		return domain.Parish{}, domain.ErrPermissionDenied
	}
	return s.repos.Parishes.UpdateContact(ctx, sess.ParishID, func(p *domain.Parish) {
		for dst, src := range map[*string]*string{
			&p.Name: c.Name, &p.Address: c.Address, &p.City: c.City, &p.State: c.State,
			&p.ZipCode: c.ZipCode, &p.Phone: c.Phone, &p.Email: c.Email, &p.Website: c.Website,
		} {
			if src != nil {
				*dst = strings.TrimSpace(*src)
			}
		}
	})
}

// ListUsers returns the caller's parish members, optionally filtered by role.
func (s *Service) ListUsers(ctx context.Context, sess Session, role domain.Role) ([]domain.User, error) {
	if !sess.HasPermission(PermUserList) {
		return nil, domain.ErrPermissionDenied
	}
	if role != "" {
		return s.repos.Users.ListByParishAndRole(ctx, sess.ParishID, role)
	}
	return s.repos.Users.ListByParish(ctx, sess.ParishID)
}
