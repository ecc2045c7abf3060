package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"idgate/internal/jose"
)

const (
	// MaxClientSecretTTL is the longest lifetime the provider accepts for a
	// client secret (about six months).
	MaxClientSecretTTL = 15777000 * time.Second

	// DefaultClientSecretTTL is used when no TTL is configured.
	DefaultClientSecretTTL = 180 * 24 * time.Hour
)

var (
	ErrMissingConfig = errors.New("client secret configuration incomplete")
	ErrInvalidConfig = errors.New("client secret configuration invalid")
	ErrSigningFailed = errors.New("client secret signing failed")
)

// ClientSecretRequest identifies the developer account and the app a client
// secret is minted for.
type ClientSecretRequest struct {
	TeamID   string
	KeyID    string
	BundleID string

	// PrivateKey is the PEM-encoded P-256 signing key, PKCS#8 or SEC 1.
	PrivateKey []byte
}

func (r ClientSecretRequest) missing() []string {
	var missing []string
	if strings.TrimSpace(r.TeamID) == "" {
		missing = append(missing, "team_id")
	}
	if strings.TrimSpace(r.KeyID) == "" {
		missing = append(missing, "key_id")
	}
	if strings.TrimSpace(r.BundleID) == "" {
		missing = append(missing, "bundle_id")
	}
	if len(r.PrivateKey) == 0 {
		missing = append(missing, "private_key")
	}
	return missing
}

type clientSecretHeader struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
}

type clientSecretClaims struct {
	Issuer    string `json:"iss"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Audience  string `json:"aud"`
	Subject   string `json:"sub"`
}

// ClientSecretSigner mints ES256 client-secret JWTs for the provider's
// token endpoint.
type ClientSecretSigner struct {
	audience string
	ttl      time.Duration
	now      func() time.Time
	rand     io.Reader
}

// SignerOption configures a ClientSecretSigner.
type SignerOption func(*ClientSecretSigner)

// WithSignerClock overrides the clock used for iat and exp.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *ClientSecretSigner) { s.now = now }
}

// WithTTL sets the client secret lifetime. Zero keeps the default.
func WithTTL(ttl time.Duration) SignerOption {
	return func(s *ClientSecretSigner) {
		if ttl != 0 {
			s.ttl = ttl
		}
	}
}

// NewClientSecretSigner returns a signer whose secrets carry audience as aud.
func NewClientSecretSigner(audience string, opts ...SignerOption) *ClientSecretSigner {
	s := &ClientSecretSigner{
		audience: audience,
		ttl:      DefaultClientSecretTTL,
		now:      time.Now,
		rand:     rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured lifetime.
func (s *ClientSecretSigner) TTL() time.Duration { return s.ttl }

// Generate returns a signed client secret for req.
func (s *ClientSecretSigner) Generate(req ClientSecretRequest) (string, error) {
	if missing := req.missing(); len(missing) > 0 {
		return "", fmt.Errorf("%w: missing %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	if s.audience == "" {
		return "", fmt.Errorf("%w: missing token audience", ErrMissingConfig)
	}
	if s.ttl <= 0 || s.ttl > MaxClientSecretTTL {
		return "", fmt.Errorf("%w: ttl %s outside (0, %s]", ErrInvalidConfig, s.ttl, MaxClientSecretTTL)
	}

	key, err := ParseSigningKey(req.PrivateKey)
	if err != nil {
		return "", err
	}

	now := s.now().Unix()
	header, err := json.Marshal(clientSecretHeader{Algorithm: AlgES256.String(), KeyID: req.KeyID})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	payload, err := json.Marshal(clientSecretClaims{
		Issuer:    req.TeamID,
		IssuedAt:  now,
		ExpiresAt: now + int64(s.ttl/time.Second),
		Audience:  s.audience,
		Subject:   req.BundleID,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	signingInput := jose.EncodeSegment(header) + "." + jose.EncodeSegment(payload)
	digest := sha256.Sum256([]byte(signingInput))

	der, err := ecdsa.SignASN1(s.rand, key, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	sig, err := jose.DERToP1363(der)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	return signingInput + "." + jose.EncodeSegment(sig), nil
}

// ParseSigningKey decodes a PEM P-256 private key. Both the PKCS#8
// "PRIVATE KEY" form used for downloaded .p8 keys and the SEC 1
// "EC PRIVATE KEY" form are accepted.
func ParseSigningKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", ErrSigningFailed)
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
		}
		ec, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is %T, want ECDSA", ErrSigningFailed, parsed)
		}
		key = ec
	case "EC PRIVATE KEY":
		ec, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
		}
		key = ec
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrSigningFailed, block.Type)
	}

	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: curve %s, want P-256", ErrSigningFailed, key.Curve.Params().Name)
	}
	return key, nil
}
