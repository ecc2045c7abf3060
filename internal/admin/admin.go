// Package admin serves the operator endpoints: liveness, readiness,
// metrics, connection tests, client-secret minting and key-set maintenance.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"idgate/internal/auth"
	"idgate/internal/circuitbreaker"
	"idgate/internal/health"
	"idgate/internal/keyset"
	"idgate/internal/metrics"
	"idgate/internal/middleware"
	"idgate/internal/observability"
	"idgate/internal/ratelimiter"
	"idgate/internal/service"
)

// Service is the part of service.Service the admin API drives.
type Service interface {
	TestConnection(ctx context.Context) service.ConnectionReport
	GenerateClientSecret(ctx context.Context) (string, error)
	RefreshKeys(ctx context.Context) (keyset.Stats, error)
}

// Readiness reports dependency health.
type Readiness interface {
	Ready() bool
	Status() map[string]health.ProbeStatus
}

// Deps are the collaborators of the admin handler. Everything but Service
// and Logger may be nil.
type Deps struct {
	Service     Service
	Readiness   Readiness
	Metrics     *metrics.Metrics
	MetricsPath string
	Limiter     *ratelimiter.TokenBucket
	Logger      *slog.Logger

	// Token is the bearer token required on /admin/* routes. Empty locks
	// those routes.
	Token string

	// Breaker and RefetchLimiter guard the key-set endpoint; they are
	// reported by /admin/keys/status and the breaker is closed again before
	// a manual refresh.
	Breaker        *circuitbreaker.CircuitBreaker
	RefetchLimiter *ratelimiter.TokenBucket
}

// NewHandler builds the admin mux wrapped in Recovery, RequestID and
// Logging. The /admin/* routes additionally require the bearer token and
// pass through the limiter; probes and metrics are open.
func NewHandler(deps Deps) http.Handler {
	a := &api{
		svc:     deps.Service,
		ready:   deps.Readiness,
		breaker: deps.Breaker,
		refetch: deps.RefetchLimiter,
		logger:  deps.Logger,
	}
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.HandlerFunc, operator bool) {
		mws := []middleware.Middleware{middleware.Metrics(deps.Metrics, name)}
		if operator {
			mws = append(mws, middleware.BearerToken(deps.Token))
			if deps.Limiter != nil {
				mws = append(mws, middleware.RateLimit(deps.Limiter))
			}
		}
		mux.Handle(pattern, middleware.ChainFunc(h, mws...))
	}

	route("GET /health", "health", a.health, false)
	route("GET /ready", "ready", a.readiness, false)
	route("GET /admin/test-connection", "test_connection", a.testConnection, true)
	route("POST /admin/client-secret", "client_secret", a.clientSecret, true)
	route("POST /admin/keys/refresh", "keys_refresh", a.refreshKeys, true)
	route("GET /admin/keys/status", "keys_status", a.keysStatus, true)
	if deps.MetricsPath != "" {
		mux.Handle("GET "+deps.MetricsPath, deps.Metrics.Handler())
	}

	return middleware.Chain(mux,
		middleware.Recovery(deps.Logger),
		middleware.RequestID(observability.RequestID),
		middleware.Logging(deps.Logger),
	)
}

type api struct {
	svc     Service
	ready   Readiness
	breaker *circuitbreaker.CircuitBreaker
	refetch *ratelimiter.TokenBucket
	logger  *slog.Logger
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) readiness(w http.ResponseWriter, r *http.Request) {
	if a.ready == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	status, code := "ready", http.StatusOK
	if !a.ready.Ready() {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": a.ready.Status()})
}

func (a *api) testConnection(w http.ResponseWriter, r *http.Request) {
	report := a.svc.TestConnection(r.Context())
	code := http.StatusOK
	if !report.Success {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (a *api) clientSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := a.svc.GenerateClientSecret(r.Context())
	switch {
	case err == nil:
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, map[string]string{"client_secret": secret})
	case errors.Is(err, auth.ErrMissingConfig), errors.Is(err, auth.ErrInvalidConfig):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "client secret generation failed"})
	}
}

func (a *api) refreshKeys(w http.ResponseWriter, r *http.Request) {
	if a.breaker != nil && a.breaker.State() != circuitbreaker.StateClosed {
		observability.LoggerWithRequest(r.Context(), a.logger).Info("closing key set breaker for manual refresh",
			"state", a.breaker.State().String())
		a.breaker.Reset()
	}
	stats, err := a.svc.RefreshKeys(r.Context())
	if err != nil {
		observability.LoggerWithRequest(r.Context(), a.logger).Warn("manual key set refresh failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "keys": stats})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) keysStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if a.breaker != nil {
		resp["breaker"] = a.breaker.Stats()
	}
	if a.refetch != nil {
		resp["refetch_limiter"] = a.refetch.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
