// Package httpapi serves the catequiz JSON API over net/http.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"catequiz.org/internal/auth"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/errlog"
	"catequiz.org/internal/events"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/obs"
	"catequiz.org/internal/quiz"
	"catequiz.org/internal/ranking"
	"catequiz.org/internal/repair"
	"catequiz.org/internal/repo"
	"catequiz.org/internal/xp"
)

const serviceName = "catequiz-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the store backend.
type ReadyProbe struct {
	Store kv.Store
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.Store.Ping(ctx)
}

// Deps are the services the handlers call into.
type Deps struct {
	Repos   *repo.Repos
	Auth    *auth.Service
	Quiz    *quiz.Manager
	Ledger  *xp.Ledger
	Ranking *ranking.Service
	Repair  *repair.Repairer
	Errors  *errlog.Journal
	Events  *events.Hub
}

// API is the HTTP layer.
type API struct {
	Deps
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	rateBurst    int
	ratePerSec   float64
	maxBodyBytes int64
	corsOrigins  []string
}

type Option func(*API)

// WithRateLimit sets the per-IP token bucket. A zero rate disables limiting.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithCORSOrigins allows browser calls from the given origins in addition to localhost.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

func New(rp readinessChecker, version string, deps Deps, opts ...Option) *API {
	a := &API{
		Deps:         deps,
		mux:          http.NewServeMux(),
		readyProbe:   rp,
		version:      version,
		rateBurst:    40,
		ratePerSec:   20,
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	m := a.mux

	m.HandleFunc("GET /healthz", a.Healthz)
	m.HandleFunc("GET /readyz", a.Ready)
	m.HandleFunc("GET /v1/info", a.Info)
	m.Handle("GET /metrics", obs.Handler())

	m.HandleFunc("POST /v1/auth/register", a.register)
	m.HandleFunc("POST /v1/auth/login", a.login)
	m.HandleFunc("GET /v1/auth/me", a.me)
	m.HandleFunc("PATCH /v1/parish", a.updateParish)

	m.HandleFunc("POST /v1/users/catechists", a.createCatechist)
	m.HandleFunc("GET /v1/users", a.listUsers)
	m.HandleFunc("PATCH /v1/users/me", a.updateProfile)
	m.HandleFunc("POST /v1/users/me/password", a.changePassword)
	m.HandleFunc("POST /v1/users/{id}/password", a.resetPassword)

	m.HandleFunc("POST /v1/invites", a.createInvite)
	m.HandleFunc("GET /v1/invites", a.listInvites)
	m.HandleFunc("GET /v1/invites/{token}", a.validateInvite)
	m.HandleFunc("POST /v1/invites/{token}/redeem", a.redeemInvite)

	m.HandleFunc("POST /v1/quizzes", a.createQuiz)
	m.HandleFunc("GET /v1/quizzes", a.listQuizzes)
	m.HandleFunc("GET /v1/quizzes/pending", a.pendingQuizzes)
	m.HandleFunc("GET /v1/quizzes/{id}", a.getQuiz)
	m.HandleFunc("PATCH /v1/quizzes/{id}", a.editQuiz)
	m.HandleFunc("DELETE /v1/quizzes/{id}", a.deleteQuiz)
	m.HandleFunc("POST /v1/quizzes/{id}/responses", a.submitResponse)
	m.HandleFunc("GET /v1/quizzes/{id}/responses", a.listResponses)

	m.HandleFunc("GET /v1/xp/me", a.xpStats)
	m.HandleFunc("GET /v1/xp/goal", a.weeklyGoal)
	m.HandleFunc("PUT /v1/xp/goal", a.setWeeklyGoal)
	m.HandleFunc("GET /v1/ranking", a.parishRanking)
	m.HandleFunc("GET /v1/dashboard", a.dashboard)
	m.HandleFunc("GET /v1/events", a.Stream)

	admin := RequireRole(domain.RoleAdmin)
	m.Handle("POST /v1/admin/repair/quizzes/{id}", admin(http.HandlerFunc(a.repairQuiz)))
	m.Handle("POST /v1/admin/repair/parish", admin(http.HandlerFunc(a.repairParish)))
	m.Handle("GET /v1/admin/diagnostics/quizzes", admin(http.HandlerFunc(a.diagnoseQuizzes)))
	m.Handle("GET /v1/admin/diagnostics/quizzes/{id}", admin(http.HandlerFunc(a.diagnoseQuiz)))
	m.Handle("GET /v1/admin/diagnostics/users", admin(http.HandlerFunc(a.diagnoseUsers)))
	m.Handle("GET /v1/admin/diagnostics/errors", admin(http.HandlerFunc(a.diagnoseErrors)))
	m.Handle("POST /v1/admin/users/{id}/fix", admin(http.HandlerFunc(a.fixUser)))

	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "recurso não encontrado")
	})
}

// Handler returns the mux behind the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.corsOrigins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
