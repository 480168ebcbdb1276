package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"catequiz.org/internal/domain"
)

const (
	issuer            = "catequiz"
	secretEnvVariable = "CATEQUIZ_AUTH_SECRET"

	// DefaultTokenTTL keeps a login valid for a week.
	DefaultTokenTTL = 7 * 24 * time.Hour
	clockSkew       = 5 * time.Second
)

var (
	errMissingSecret = errors.New("auth secret is not configured")

	secretMu sync.Mutex
	secret   cachedSecret
)

type cachedSecret struct {
	value []byte
	err   error
	ready bool
}

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)

// Claims carries the session fields inside the JWT.
type Claims struct {
	Role     domain.Role  `json:"role"`
	ParishID string       `json:"parishId"`
	Track    domain.Track `json:"tipo,omitempty"`
	Email    string       `json:"email"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type IssuerOption func(*Issuer)

// WithSecret overrides the secret read from CATEQUIZ_AUTH_SECRET.
func WithSecret(s string) IssuerOption {
	return func(i *Issuer) {
		if s = strings.TrimSpace(s); s != "" {
			i.secret = []byte(s)
		}
	}
}

func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer fails when neither WithSecret nor the environment provide a secret.
func NewIssuer(opts ...IssuerOption) (*Issuer, error) {
	i := &Issuer{ttl: DefaultTokenTTL, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	if len(i.secret) == 0 {
		s, err := loadSecret()
		if err != nil {
			return nil, err
		}
		i.secret = s
	}
	return i, nil
}

// TTL reports the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for u and returns it with its expiry.
func (i *Issuer) Issue(u domain.User) (string, time.Time, error) {
	if strings.TrimSpace(u.ID) == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	now := i.now().UTC()
	exp := now.Add(i.ttl)
	claims := Claims{
		Role:     u.Role,
		ParishID: u.ParishID,
		Track:    u.Track,
		Email:    u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies the signature and claims and returns the session they describe.
func (i *Issuer) Parse(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithIssuer(issuer), jwt.WithLeeway(clockSkew))
	if err != nil {
		return Session{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Session{}, ErrInvalidToken
	}
	if err := i.validateClaims(claims); err != nil {
		return Session{}, ErrInvalidToken
	}
	return Session{
		UserID:   claims.Subject,
		Role:     claims.Role,
		ParishID: claims.ParishID,
		Track:    claims.Track,
		Email:    claims.Email,
	}, nil
}

func (i *Issuer) validateClaims(c *Claims) error {
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("subject missing")
	}
	if c.ExpiresAt == nil || c.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if c.IssuedAt.Time.After(i.now().Add(clockSkew)) {
		return errors.New("token issued in the future")
	}
	if c.ExpiresAt.Time.Before(c.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	if !c.Role.Valid() || c.ParishID == "" {
		return errors.New("session claims missing")
	}
	return nil
}

func loadSecret() ([]byte, error) {
	secretMu.Lock()
	defer secretMu.Unlock()
	if secret.ready {
		return secret.value, secret.err
	}
	raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
	if raw == "" {
		secret.err = errMissingSecret
		secret.ready = true
		return nil, secret.err
	}
	secret.value = []byte(raw)
	secret.err = nil
	secret.ready = true
	return secret.value, nil
}

// ResetSecretForTests clears the cached secret value. Only intended for test use.
func ResetSecretForTests() {
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = cachedSecret{}
}
