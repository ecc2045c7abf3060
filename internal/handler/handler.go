// Package handler serves the public token API over gin.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"idgate/internal/auth"
	"idgate/internal/identity"
	"idgate/internal/metrics"
	"idgate/internal/observability"
	"idgate/internal/service"
)

const identityKey = "verified_identity"

// TokenService is the part of service.Service the API needs.
type TokenService interface {
	VerifyToken(ctx context.Context, authHeader string) bool
	Authenticate(ctx context.Context, authHeader string) (*auth.VerifiedIdentity, error)
	UserFromToken(ctx context.Context, authHeader string) (*identity.Identity, error)
}

// Handler holds the public API routes.
type Handler struct {
	svc     TokenService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New returns a Handler. m may be nil.
func New(svc TokenService, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, logger: logger, metrics: m}
}

// Router builds the gin engine:
//
//	GET  /healthz
//	POST /api/v1/auth/verify
//	GET  /api/v1/auth/claims
//	GET  /api/v1/auth/me
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), h.requestLogger())

	r.GET("/healthz", Healthz)

	api := r.Group("/api/v1/auth")
	api.POST("/verify", h.Verify)

	authed := api.Group("", RequireAuth(h.svc))
	authed.GET("/claims", h.Claims)
	authed.GET("/me", h.Me)

	return r
}

// Healthz is GET /healthz.
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Verify is POST /api/v1/auth/verify. It always answers 200 with the
// verdict; a rejected token is not an error of this endpoint.
func (h *Handler) Verify(c *gin.Context) {
	valid := h.svc.VerifyToken(c.Request.Context(), c.GetHeader("Authorization"))
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// Claims is GET /api/v1/auth/claims.
func (h *Handler) Claims(c *gin.Context) {
	id, ok := VerifiedIdentityFrom(c)
	if !ok {
		unauthenticated(c)
		return
	}
	c.JSON(http.StatusOK, id)
}

// Me is GET /api/v1/auth/me.
func (h *Handler) Me(c *gin.Context) {
	u, err := h.svc.UserFromToken(c.Request.Context(), c.GetHeader("Authorization"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, u)
	case errors.Is(err, service.ErrUnauthenticated):
		unauthenticated(c)
	case errors.Is(err, identity.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
	case errors.Is(err, identity.ErrSubjectConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "identity linked to another account"})
	default:
		observability.LoggerWithRequest(c.Request.Context(), h.logger).Error("identity lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// RequireAuth rejects requests without a valid bearer token and stores the
// verified identity for later handlers.
func RequireAuth(svc TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := svc.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			unauthenticated(c)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// VerifiedIdentityFrom returns the identity stored by RequireAuth.
func VerifiedIdentityFrom(c *gin.Context) (*auth.VerifiedIdentity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*auth.VerifiedIdentity)
	return id, ok
}

func unauthenticated(c *gin.Context) {
	c.Header("WWW-Authenticate", `Bearer realm="idgate"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
}

// RequestID propagates a well-formed X-Request-ID or assigns a new one, and
// puts it in the request context for the service logs.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(observability.RequestIDHeader)
		if !observability.ValidRequestID(requestID) {
			requestID = observability.RequestID()
		}
		c.Set("request_id", requestID)
		c.Header(observability.RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(observability.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		d := time.Since(start)
		status := c.Writer.Status()
		observability.LogRequest(c.Request.Context(), h.logger, c.Request.Method, c.Request.URL.Path, status, d)
		h.metrics.ObserveHTTPRequest(route, status, d)
	}
}
