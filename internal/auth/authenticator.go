package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Verification stages, used for logging and metrics.
const (
	StageDecode    = "decode"
	StageAlgorithm = "algorithm"
	StageKey       = "key"
	StageSignature = "signature"
	StageClaims    = "claims"
	StageComplete  = "complete"
)

// FailureStage names the stage that produced err.
func FailureStage(err error) string {
	switch {
	case err == nil:
		return StageComplete
	case errors.Is(err, ErrMalformedToken):
		return StageDecode
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return StageAlgorithm
	case errors.Is(err, ErrKeyResolution):
		return StageKey
	case errors.Is(err, ErrClaimInvalid):
		return StageClaims
	default:
		return StageSignature
	}
}

// VerifiedIdentity is what a provider token proves once every stage has
// passed. It is only produced by Authenticator.Authenticate.
type VerifiedIdentity struct {
	Subject        string    `json:"sub"`
	Email          string    `json:"email,omitempty"`
	EmailVerified  bool      `json:"email_verified"`
	IsPrivateEmail bool      `json:"is_private_email"`
	Nonce          string    `json:"nonce,omitempty"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Authenticator runs decode, signature verification and claim validation
// in order, stopping at the first failure.
type Authenticator struct {
	verifier *Verifier
	opts     []ValidatorOption

	mu        sync.RWMutex
	validator *ClaimsValidator
}

// NewAuthenticator builds an Authenticator. The validator options (such as
// WithClock) are kept and re-applied by SetValidation.
func NewAuthenticator(verifier *Verifier, config ValidationConfig, opts ...ValidatorOption) *Authenticator {
	return &Authenticator{
		verifier:  verifier,
		opts:      opts,
		validator: NewClaimsValidator(config, opts...),
	}
}

// SetValidation swaps the claim checks, e.g. after a config reload.
func (a *Authenticator) SetValidation(config ValidationConfig) {
	v := NewClaimsValidator(config, a.opts...)
	a.mu.Lock()
	a.validator = v
	a.mu.Unlock()
}

// Validation returns the active claim configuration.
func (a *Authenticator) Validation() ValidationConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.validator.Config()
}

// Authenticate verifies raw and returns the identity it proves.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*VerifiedIdentity, error) {
	tok, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := a.verifier.Verify(ctx, tok); err != nil {
		return nil, err
	}

	a.mu.RLock()
	validator := a.validator
	a.mu.RUnlock()
	if err := validator.Validate(&tok.Claims); err != nil {
		return nil, err
	}

	c := tok.Claims
	id := &VerifiedIdentity{
		Subject:        c.Subject,
		Email:          c.Email,
		EmailVerified:  bool(c.EmailVerified),
		IsPrivateEmail: bool(c.IsPrivateEmail),
		Nonce:          c.Nonce,
	}
	if c.IssuedAt != nil {
		id.IssuedAt = time.Unix(int64(*c.IssuedAt), 0).UTC()
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = time.Unix(int64(*c.ExpiresAt), 0).UTC()
	}
	return id, nil
}
