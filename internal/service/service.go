// Package service ties token verification, identity resolution and client
// secret minting together behind the API the HTTP surfaces call.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"idgate/internal/auth"
	"idgate/internal/identity"
	"idgate/internal/keyset"
	"idgate/internal/metrics"
	"idgate/internal/observability"
)

// ErrUnauthenticated is the only verification error callers see. The
// failing stage and cause are logged, never returned.
var ErrUnauthenticated = errors.New("unauthenticated")

const bearerPrefix = "Bearer "

// stageHeader labels rejections before the token is even decoded.
const stageHeader = "header"

// Identity resolution results, as recorded in metrics.
const (
	ResolvedBySubject = "subject"
	ResolvedByEmail   = "email"
	ResolveNotFound   = "not_found"
	ResolveConflict   = "conflict"
	ResolveError      = "error"
)

// Settings are the parts of the configuration that can change at runtime.
type Settings struct {
	Validation      auth.ValidationConfig
	TokenAudience   string
	ClientSecret    auth.ClientSecretRequest
	ClientSecretTTL time.Duration
}

// KeyCache is the key-set cache as seen by the service.
type KeyCache interface {
	Refresh(ctx context.Context) error
	Stats() keyset.Stats
}

// Deps are the collaborators of a Service. Store, Publisher, Logger and
// Metrics may be nil.
type Deps struct {
	Authenticator *auth.Authenticator
	Keys          KeyCache
	Fetcher       keyset.Fetcher
	Store         identity.Store
	Publisher     identity.Publisher
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for client secrets and event times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is safe for concurrent use.
type Service struct {
	authn   *auth.Authenticator
	keys    KeyCache
	fetcher keyset.Fetcher
	store   identity.Store
	events  identity.Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	settings Settings
	signer   *auth.ClientSecretSigner
}

// New builds a Service and applies settings.
func New(deps Deps, settings Settings, opts ...Option) *Service {
	s := &Service{
		authn:   deps.Authenticator,
		keys:    deps.Keys,
		fetcher: deps.Fetcher,
		store:   deps.Store,
		events:  deps.Publisher,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = identity.NewMemoryStore()
	}
	if s.events == nil {
		s.events = identity.NopPublisher{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.Reconfigure(settings)
	return s
}

// Reconfigure swaps claim checks and client-secret settings. In-flight
// calls finish with the settings they started with.
func (s *Service) Reconfigure(settings Settings) {
	signer := auth.NewClientSecretSigner(settings.TokenAudience,
		auth.WithSignerClock(s.now),
		auth.WithTTL(settings.ClientSecretTTL),
	)
	s.authn.SetValidation(settings.Validation)

	s.mu.Lock()
	s.settings = settings
	s.signer = signer
	s.mu.Unlock()
}

// Settings returns the active settings.
func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// VerifyToken reports whether authHeader carries a valid bearer token.
func (s *Service) VerifyToken(ctx context.Context, authHeader string) bool {
	_, err := s.Authenticate(ctx, authHeader)
	return err == nil
}

// Authenticate verifies the bearer token in authHeader. Every failure is
// ErrUnauthenticated.
func (s *Service) Authenticate(ctx context.Context, authHeader string) (*auth.VerifiedIdentity, error) {
	logger := observability.LoggerWithRequest(ctx, s.logger)

	raw, ok := strings.CutPrefix(authHeader, bearerPrefix)
	if !ok {
		s.metrics.ObserveVerification(false, stageHeader)
		logger.Warn("token rejected", "stage", stageHeader, "error", "missing bearer prefix")
		return nil, ErrUnauthenticated
	}

	id, err := s.authn.Authenticate(ctx, raw)
	stage := auth.FailureStage(err)
	s.metrics.ObserveVerification(err == nil, stage)
	if err != nil {
		logger.Warn("token rejected", "stage", stage, "error", err)
		return nil, ErrUnauthenticated
	}
	logger.Debug("token accepted", "sub", id.Subject)
	return id, nil
}

// UserFromToken verifies authHeader and resolves the local identity of its
// subject. When no identity is linked to the subject yet, an identity with
// the token's verified email is linked and an identity.linked event is
// published. identity.ErrNotFound means neither lookup matched;
// identity.ErrSubjectConflict means the email belongs to an identity already
// linked to a different subject, which is never relinked.
func (s *Service) UserFromToken(ctx context.Context, authHeader string) (*identity.Identity, error) {
	vid, err := s.Authenticate(ctx, authHeader)
	if err != nil {
		return nil, err
	}
	logger := observability.LoggerWithRequest(ctx, s.logger).With("sub", vid.Subject)

	u, err := s.store.FindBySubject(ctx, vid.Subject)
	switch {
	case err == nil:
		s.metrics.ObserveIdentityResolution(ResolvedBySubject)
		return u, nil
	case !errors.Is(err, identity.ErrNotFound):
		s.metrics.ObserveIdentityResolution(ResolveError)
		return nil, fmt.Errorf("find identity by subject: %w", err)
	}

	if vid.Email == "" || !vid.EmailVerified {
		s.metrics.ObserveIdentityResolution(ResolveNotFound)
		return nil, identity.ErrNotFound
	}

	u, err = s.store.FindByEmail(ctx, vid.Email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			s.metrics.ObserveIdentityResolution(ResolveNotFound)
			return nil, err
		}
		s.metrics.ObserveIdentityResolution(ResolveError)
		return nil, fmt.Errorf("find identity by email: %w", err)
	}

	if u.ProviderSubject != "" && u.ProviderSubject != vid.Subject {
		s.metrics.ObserveIdentityResolution(ResolveConflict)
		logger.Warn("email matches an identity linked to another subject", "identity_id", u.ID)
		return nil, identity.ErrSubjectConflict
	}
	if err := s.store.LinkSubject(ctx, u.ID, vid.Subject); err != nil {
		if errors.Is(err, identity.ErrSubjectConflict) {
			s.metrics.ObserveIdentityResolution(ResolveConflict)
			logger.Warn("identity was linked to another subject concurrently", "identity_id", u.ID)
			return nil, err
		}
		s.metrics.ObserveIdentityResolution(ResolveError)
		return nil, fmt.Errorf("link provider subject: %w", err)
	}
	u.ProviderSubject = vid.Subject
	logger.Info("provider subject linked", "identity_id", u.ID)

	// The link is already stored; a lost event is logged, not surfaced.
	if err := s.events.PublishLinked(ctx, identity.NewLinkEvent(u, vid.Subject, s.now())); err != nil {
		logger.Warn("identity event not published", "identity_id", u.ID, "error", err)
	}

	s.metrics.ObserveIdentityResolution(ResolvedByEmail)
	return u, nil
}

// GenerateClientSecret mints a client secret from the configured account.
func (s *Service) GenerateClientSecret(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	signer, req := s.signer, s.settings.ClientSecret
	s.mu.RUnlock()

	secret, err := signer.Generate(req)
	s.metrics.ObserveClientSecret(err)
	if err != nil {
		s.logger.Error("client secret generation failed", "error", err)
		return "", err
	}
	s.logger.Info("client secret generated", "key_id", req.KeyID, "ttl", signer.TTL())
	return secret, nil
}

// ConnectionReport is the outcome of TestConnection.
type ConnectionReport struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// TestConnection checks the configuration, mints one client secret and
// fetches the key set once. The key-set cache and the identity store are
// left untouched.
func (s *Service) TestConnection(ctx context.Context) ConnectionReport {
	settings := s.Settings()
	details := map[string]any{
		"team_id":   settings.ClientSecret.TeamID,
		"key_id":    settings.ClientSecret.KeyID,
		"bundle_id": settings.ClientSecret.BundleID,
	}

	if _, err := s.GenerateClientSecret(ctx); err != nil {
		details["error"] = err.Error()
		msg := "client secret generation failed"
		if errors.Is(err, auth.ErrMissingConfig) {
			msg = "configuration incomplete"
		}
		return ConnectionReport{Message: msg, Details: details}
	}
	details["client_secret"] = "ok"

	if s.fetcher == nil {
		return ConnectionReport{Message: "no key set fetcher configured", Details: details}
	}
	set, err := s.fetcher.Fetch(ctx)
	if err != nil {
		details["error"] = err.Error()
		return ConnectionReport{Message: "key set fetch failed", Details: details}
	}
	n := 0
	if set != nil {
		n = len(set.Keys)
	}
	details["keys"] = n

	return ConnectionReport{Success: true, Message: "connection ok", Details: details}
}

// RefreshKeys refetches the provider key set.
func (s *Service) RefreshKeys(ctx context.Context) (keyset.Stats, error) {
	if s.keys == nil {
		return keyset.Stats{}, errors.New("no key cache configured")
	}
	if err := s.keys.Refresh(ctx); err != nil {
		return s.keys.Stats(), err
	}
	return s.keys.Stats(), nil
}

// PingStore checks the identity store.
func (s *Service) PingStore(ctx context.Context) error {
	return s.store.Ping(ctx)
}
