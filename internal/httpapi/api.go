// Package httpapi exposes the service over HTTP/JSON: session
// handshake, encrypt/decrypt, permission management, and the live
// audit event stream.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"memvault.org/internal/audit"
	"memvault.org/internal/gateway"
	"memvault.org/internal/obs"
	"memvault.org/internal/registry"
	"memvault.org/internal/stream"
)

const maxBodyBytes = 16 << 20

// API holds the handler dependencies.
type API struct {
	gw       *gateway.Gateway
	reg      *registry.Registry
	hub      *stream.Hub
	recorder audit.Recorder
	logger   *zap.Logger
	limiter  *rate.Limiter
	now      func() time.Time
	ready    func() bool
}

// Option configures the API.
type Option func(*API)

// WithHub attaches the live event stream.
func WithHub(h *stream.Hub) Option {
	return func(a *API) { a.hub = h }
}

// WithAudit attaches an audit recorder for the session handshake.
func WithAudit(rec audit.Recorder) Option {
	return func(a *API) {
		if rec != nil {
			a.recorder = rec
		}
	}
}

// WithRateLimit caps the request rate across all endpoints.
func WithRateLimit(rps float64) Option {
	return func(a *API) {
		if rps > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
		}
	}
}

// WithReadiness installs the readiness probe backing /readyz.
func WithReadiness(fn func() bool) Option {
	return func(a *API) {
		if fn != nil {
			a.ready = fn
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

// New creates the API.
func New(gw *gateway.Gateway, reg *registry.Registry, logger *zap.Logger, opts ...Option) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &API{
		gw:       gw,
		reg:      reg,
		recorder: audit.Nop{},
		logger:   logger,
		now:      time.Now,
		ready:    func() bool { return true },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router assembles the full route tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(a.requestID)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(obs.Instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !a.ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.throttle)
		r.Use(a.limitBody)

		r.Post("/session/challenge", a.handleSessionChallenge)
		r.Post("/session/signature", a.handleSessionSignature)

		r.Post("/encrypt", a.handleEncrypt)
		r.Post("/decrypt", a.handleDecrypt)

		r.Post("/permissions", a.handlePermissionSubmit)
		r.Post("/permissions/build", a.handlePermissionBuild)
		r.Post("/permissions/batch", a.handlePermissionBatch)
		r.Delete("/permissions/{id}", a.handlePermissionRevoke)
		r.Get("/permissions", a.handlePermissionList)

		r.Get("/events", a.handleEvents)
	})

	return r
}
