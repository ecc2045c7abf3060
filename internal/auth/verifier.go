package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"idgate/internal/jose"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	ErrKeyResolution        = errors.New("signing key could not be resolved")
	ErrSignatureInvalid     = errors.New("signature verification failed")
)

// Algorithm is a supported JWS algorithm. The zero value is invalid.
type Algorithm int

const (
	AlgRS256 Algorithm = iota + 1
	AlgES256
)

func (a Algorithm) String() string {
	switch a {
	case AlgRS256:
		return "RS256"
	case AlgES256:
		return "ES256"
	default:
		return "invalid"
	}
}

// ParseAlgorithm maps a header alg value onto the closed Algorithm set.
// The comparison is case-sensitive.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "RS256":
		return AlgRS256, nil
	case "ES256":
		return AlgES256, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

// KeyResolver looks up the provider key for a kid. *keyset.Cache
// implements it.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (jose.JWK, error)
}

// Verifier checks token signatures against provider keys.
type Verifier struct {
	keys KeyResolver
}

func NewVerifier(keys KeyResolver) *Verifier {
	return &Verifier{keys: keys}
}

// Verify checks the signature of a decoded token.
func (v *Verifier) Verify(ctx context.Context, tok *Token) error {
	return v.VerifySignature(ctx, tok.SigningInput(), tok.Signature, tok.Header)
}

// VerifySignature checks sig over signingInput using the key named by
// header.kid. The algorithm is validated before the key is resolved.
func (v *Verifier) VerifySignature(ctx context.Context, signingInput, sig []byte, header Header) error {
	alg, err := ParseAlgorithm(header.Algorithm)
	if err != nil {
		return err
	}

	jwk, err := v.keys.Resolve(ctx, header.KeyID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyResolution, err)
	}
	if jwk.Algorithm != "" && jwk.Algorithm != alg.String() {
		return fmt.Errorf("%w: key %q is for %s, token uses %s", ErrSignatureInvalid, jwk.KeyID, jwk.Algorithm, alg)
	}

	pub, err := jwk.PublicKey()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyResolution, err)
	}

	digest := sha256.Sum256(signingInput)

	switch alg {
	case AlgRS256:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: RS256 needs an RSA key, kid %q is %s", ErrSignatureInvalid, jwk.KeyID, jwk.KeyType)
		}
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
			return ErrSignatureInvalid
		}
		return nil

	case AlgES256:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok || key.Curve != elliptic.P256() {
			return fmt.Errorf("%w: ES256 needs a P-256 key, kid %q is %s", ErrSignatureInvalid, jwk.KeyID, jwk.KeyType)
		}
		der, err := jose.P1363ToDER(sig)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
		}
		if !ecdsa.VerifyASN1(key, digest[:], der) {
			return ErrSignatureInvalid
		}
		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
}
