package auth

import (
	"errors"
	"fmt"
	"time"
)

// DefaultClockSkew is the tolerance applied to iat.
const DefaultClockSkew = 300 * time.Second

var (
	ErrClaimInvalid     = errors.New("invalid claims")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenNotYetValid = errors.New("token is not valid yet")
	ErrIssuedInFuture   = errors.New("token issued in the future")
	ErrInvalidIssuer    = errors.New("invalid issuer")
	ErrInvalidAudience  = errors.New("invalid audience")
)

// ValidationConfig configures claim checks.
type ValidationConfig struct {
	// Issuer is the expected iss. Empty skips the check.
	Issuer string

	// Audience is the expected aud. Empty skips the check.
	Audience string

	// ClockSkew bounds how far in the future iat may be. Zero means
	// DefaultClockSkew.
	ClockSkew time.Duration
}

// ClaimsValidator checks the temporal and identity claims of a token.
//
// Every check applies only when the claim is present:
//
//	exp > now
//	nbf <= now
//	iat <= now + skew
//	iss == Issuer
//	aud == Audience (or lists it, for array audiences)
type ClaimsValidator struct {
	config ValidationConfig
	now    func() time.Time
}

// ValidatorOption configures a ClaimsValidator.
type ValidatorOption func(*ClaimsValidator)

// WithClock overrides the clock.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *ClaimsValidator) { v.now = now }
}

func NewClaimsValidator(config ValidationConfig, opts ...ValidatorOption) *ClaimsValidator {
	if config.ClockSkew <= 0 {
		config.ClockSkew = DefaultClockSkew
	}
	v := &ClaimsValidator{config: config, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Config returns the active configuration.
func (v *ClaimsValidator) Config() ValidationConfig {
	return v.config
}

// Validate returns nil when all present claims pass. Errors wrap
// ErrClaimInvalid and the specific failure.
func (v *ClaimsValidator) Validate(c *Claims) error {
	now := v.now().Unix()
	skew := int64(v.config.ClockSkew / time.Second)

	if c.ExpiresAt != nil && int64(*c.ExpiresAt) <= now {
		return claimError(ErrTokenExpired, "exp %d, now %d", *c.ExpiresAt, now)
	}
	if c.NotBefore != nil && int64(*c.NotBefore) > now {
		return claimError(ErrTokenNotYetValid, "nbf %d, now %d", *c.NotBefore, now)
	}
	if c.IssuedAt != nil && int64(*c.IssuedAt) > now+skew {
		return claimError(ErrIssuedInFuture, "iat %d, now %d, skew %ds", *c.IssuedAt, now, skew)
	}
	if v.config.Issuer != "" && c.hasIssuer() && c.Issuer != v.config.Issuer {
		return claimError(ErrInvalidIssuer, "got %q, expected %q", c.Issuer, v.config.Issuer)
	}
	if v.config.Audience != "" && c.Audience != nil && !c.Audience.Contains(v.config.Audience) {
		return claimError(ErrInvalidAudience, "got %q, expected %q", []string(c.Audience), v.config.Audience)
	}
	return nil
}

// hasIssuer reports whether iss was sent, including as an empty string.
func (c *Claims) hasIssuer() bool {
	if c.Issuer != "" {
		return true
	}
	_, ok := c.Raw["iss"]
	return ok
}

func claimError(reason error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrClaimInvalid, reason, fmt.Sprintf(format, args...))
}
