package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"catequiz.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	// EventSource cannot send headers, so /v1/events also accepts the token as a query parameter.
	tokenParam = "access_token"
)

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/register",
	"/v1/auth/login",
}

// invite tokens are checked and redeemed before an account exists
var publicPrefixes = []string{
	"/v1/invites/",
}

// withAuth verifies the bearer token and stores the session in the context.
// Paths outside /v1 fall through to the mux unauthenticated.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) || !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		raw := r.Header.Get(authHeader)
		if raw == "" && r.URL.Path == "/v1/events" {
			if tok := r.URL.Query().Get(tokenParam); tok != "" {
				raw = bearer + tok
			}
		}
		token, err := extractBearerToken(raw)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="catequiz"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		if a.Auth == nil {
			writeError(w, r, http.StatusServiceUnavailable, "autenticação indisponível")
			return
		}
		sess, err := a.Auth.Issuer().Parse(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="catequiz", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "token inválido ou expirado")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithSession(r.Context(), sess)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("token de acesso ausente")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("esquema de autorização inválido")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("token de acesso ausente")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// session returns the caller's session; withAuth guarantees one on /v1 routes.
func session(r *http.Request) auth.Session {
	s, _ := auth.SessionFromContext(r.Context())
	return s
}
