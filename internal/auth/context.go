package auth

import (
	"context"

	"catequiz.org/internal/domain"
)

// Session is the verified identity of a caller. Tenant scoping always uses
// ParishID from here, never from request input.
type Session struct {
	UserID   string       `json:"userId"`
	Role     domain.Role  `json:"role"`
	ParishID string       `json:"parishId"`
	Track    domain.Track `json:"tipo,omitempty"`
	Email    string       `json:"email"`
}

func (s Session) IsAdmin() bool { return s.Role == domain.RoleAdmin }

func (s Session) IsStaff() bool { return s.Role.Staff() }

// SameParish reports whether parishID is the caller's tenant.
func (s Session) SameParish(parishID string) bool {
	return s.ParishID != "" && s.ParishID == parishID
}

type sessionContextKey struct{}

// ContextWithSession attaches the authenticated session to the context.
func ContextWithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// SessionFromContext extracts the authenticated session from the context.
func SessionFromContext(ctx context.Context) (Session, bool) {
	if ctx == nil {
		return Session{}, false
	}
	s, ok := ctx.Value(sessionContextKey{}).(Session)
	if !ok || s.UserID == "" {
		return Session{}, false
	}
	return s, true
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	s, ok := SessionFromContext(ctx)
	return s.UserID, ok
}
