package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"catequiz.org/internal/auth"
	"catequiz.org/internal/domain"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	handler := RequireRole(domain.RoleAdmin)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/diagnostics/users", nil)
	req = req.WithContext(auth.ContextWithSession(req.Context(), auth.Session{UserID: "user:1", Role: domain.RoleAdmin, ParishID: "parish:1"}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRoleRejectsOtherRole(t *testing.T) {
	handler := RequireRole(domain.RoleAdmin)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/diagnostics/users", nil)
	req = req.WithContext(auth.ContextWithSession(req.Context(), auth.Session{UserID: "user:1", Role: domain.RoleCatechist, ParishID: "parish:1"}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestRequireRoleRejectsMissingSession(t *testing.T) {
	handler := RequireRole(domain.RoleAdmin)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/diagnostics/users", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]bool{
		"Bearer abc":   true,
		"bearer  abc ": true,
		"":             false,
		"Basic abc":    false,
		"Bearer ":      false,
	}
	for header, ok := range cases {
		tok, err := extractBearerToken(header)
		if ok && (err != nil || tok != "abc") {
			t.Fatalf("%q: got %q, %v", header, tok, err)
		}
		if !ok && err == nil {
			t.Fatalf("%q: expected error", header)
		}
	}
}

func TestWithAuthPublicPaths(t *testing.T) {
	issuer, err := auth.NewIssuer(auth.WithSecret("authn-test"))
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	a := &API{Deps: Deps{Auth: auth.NewService(nil, issuer)}}
	handler := a.withAuth(okHandler())

	for _, path := range []string{"/healthz", "/v1/auth/login", "/v1/invites/abc", "/favicon.ico"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/quizzes", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithAuthAcceptsQueryTokenOnEvents(t *testing.T) {
	issuer, err := auth.NewIssuer(auth.WithSecret("authn-test"))
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	user := domain.User{ID: "user:01J00000000000000000000001", Role: domain.RoleCatechumen, ParishID: "parish:01J00000000000000000000001", Email: "ana@example.org"}
	token, _, err := issuer.Issue(user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	a := &API{Deps: Deps{Auth: auth.NewService(nil, issuer)}}
	var got auth.Session
	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = session(r)
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/events?access_token="+token, nil))
	if rr.Code != http.StatusOK || got.UserID != user.ID || got.Role != domain.RoleCatechumen {
		t.Fatalf("code %d session %+v", rr.Code, got)
	}

	// other routes ignore the query parameter
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/quizzes?access_token="+token, nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
