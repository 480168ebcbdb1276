package auth

import (
	"context"
	"fmt"

	"catequiz.org/internal/domain"
)

// Authorize returns the session from ctx when it grants perm.
func Authorize(ctx context.Context, perm string) (Session, error) {
	s, ok := SessionFromContext(ctx)
	if !ok {
		return Session{}, domain.ErrUnauthorized
	}
	if !s.HasPermission(perm) {
		return s, fmt.Errorf("%w: %s", domain.ErrPermissionDenied, perm)
	}
	return s, nil
}
