package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"idgate/internal/auth"
	"idgate/internal/identity"
	"idgate/internal/metrics"
	"idgate/internal/service"
)

const goodHeader = "Bearer good.token.value"

type mockTokenService struct {
	mock.Mock
}

func (m *mockTokenService) VerifyToken(ctx context.Context, authHeader string) bool {
	return m.Called(ctx, authHeader).Bool(0)
}

func (m *mockTokenService) Authenticate(ctx context.Context, authHeader string) (*auth.VerifiedIdentity, error) {
	args := m.Called(ctx, authHeader)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.VerifiedIdentity), args.Error(1)
}

func (m *mockTokenService) UserFromToken(ctx context.Context, authHeader string) (*identity.Identity, error) {
	args := m.Called(ctx, authHeader)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.Identity), args.Error(1)
}

func setupRouter(t *testing.T, svc TokenService) (*gin.Engine, *metrics.Metrics, *bytes.Buffer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var logs bytes.Buffer
	m := metrics.New(prometheus.NewRegistry())
	return New(svc, slog.New(slog.NewJSONHandler(&logs, nil)), m).Router(), m, &logs
}

func serve(r http.Handler, method, path, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _, _ := setupRouter(t, &mockTokenService{})
	w := serve(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestVerify(t *testing.T) {
	svc := &mockTokenService{}
	svc.On("VerifyToken", mock.Anything, goodHeader).Return(true)
	svc.On("VerifyToken", mock.Anything, "").Return(false)
	r, m, _ := setupRouter(t, svc)

	w := serve(r, http.MethodPost, "/api/v1/auth/verify", goodHeader)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":true}`, w.Body.String())

	w = serve(r, http.MethodPost, "/api/v1/auth/verify", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":false}`, w.Body.String())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/api/v1/auth/verify", "200")))
}

func TestClaims(t *testing.T) {
	svc := &mockTokenService{}
	vid := &auth.VerifiedIdentity{
		Subject:       "001234.abcdef.0420",
		Email:         "jane@example.com",
		EmailVerified: true,
		ExpiresAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	svc.On("Authenticate", mock.Anything, goodHeader).Return(vid, nil)
	r, _, _ := setupRouter(t, svc)

	w := serve(r, http.MethodGet, "/api/v1/auth/claims", goodHeader)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "001234.abcdef.0420", body["sub"])
	assert.Equal(t, true, body["email_verified"])
}

func TestUnauthenticatedIsGeneric(t *testing.T) {
	svc := &mockTokenService{}
	svc.On("Authenticate", mock.Anything, mock.Anything).Return(nil, service.ErrUnauthenticated)
	r, _, _ := setupRouter(t, svc)

	for _, path := range []string{"/api/v1/auth/claims", "/api/v1/auth/me"} {
		w := serve(r, http.MethodGet, path, "Bearer expired.token.value")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.JSONEq(t, `{"error":"unauthenticated"}`, w.Body.String(), path)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
	}
	svc.AssertNotCalled(t, "UserFromToken", mock.Anything, mock.Anything)
}

func TestMe(t *testing.T) {
	vid := &auth.VerifiedIdentity{Subject: "001234.abcdef.0420"}

	tests := []struct {
		name     string
		user     *identity.Identity
		err      error
		wantCode int
		wantBody string
	}{
		{
			name:     "found",
			user:     &identity.Identity{ID: "u-1", Email: "jane@example.com", ProviderSubject: "001234.abcdef.0420"},
			wantCode: http.StatusOK,
		},
		{
			name:     "not found",
			err:      identity.ErrNotFound,
			wantCode: http.StatusNotFound,
			wantBody: `{"error":"identity not found"}`,
		},
		{
			name:     "linked to another subject",
			err:      identity.ErrSubjectConflict,
			wantCode: http.StatusConflict,
			wantBody: `{"error":"identity linked to another account"}`,
		},
		{
			name:     "rejected on re-verification",
			err:      service.ErrUnauthenticated,
			wantCode: http.StatusUnauthorized,
			wantBody: `{"error":"unauthenticated"}`,
		},
		{
			name:     "store failure",
			err:      errors.New("find identity by subject: connection refused"),
			wantCode: http.StatusInternalServerError,
			wantBody: `{"error":"internal server error"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockTokenService{}
			svc.On("Authenticate", mock.Anything, goodHeader).Return(vid, nil)
			if tt.user != nil {
				svc.On("UserFromToken", mock.Anything, goodHeader).Return(tt.user, nil)
			} else {
				svc.On("UserFromToken", mock.Anything, goodHeader).Return(nil, tt.err)
			}
			r, _, logs := setupRouter(t, svc)

			w := serve(r, http.MethodGet, "/api/v1/auth/me", goodHeader)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			} else {
				var got identity.Identity
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
				assert.Equal(t, "u-1", got.ID)
			}
			assert.NotContains(t, w.Body.String(), "connection refused")
			if tt.wantCode == http.StatusInternalServerError {
				assert.Contains(t, logs.String(), "connection refused")
			}
		})
	}
}

func TestRequestIDPropagation(t *testing.T) {
	svc := &mockTokenService{}
	const inbound = "3f1c2a9e-5b7d-4e2f-9a1b-0c8d7e6f5a4b"
	svc.On("VerifyToken", mock.Anything, mock.Anything).Return(false)
	r, _, logs := setupRouter(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/verify", nil)
	req.Header.Set("X-Request-ID", inbound)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, inbound, w.Header().Get("X-Request-ID"))
	assert.Contains(t, logs.String(), inbound)
}

func TestUnknownRouteIsLabelled(t *testing.T) {
	r, m, _ := setupRouter(t, &mockTokenService{})
	w := serve(r, http.MethodGet, "/nope/12345", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("unmatched", "404")))
}
