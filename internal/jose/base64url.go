// Package jose holds the low-level JOSE primitives idgate needs to verify
// provider tokens and mint client secrets.
//
// Only two key shapes are supported:
//
//	RSA         → rsaEncryption SubjectPublicKeyInfo   (RS256)
//	EC (P-256)  → id-ecPublicKey/prime256v1 SPKI       (ES256)
//
// JWKs are turned into DER SubjectPublicKeyInfo by hand and then handed to
// crypto/x509 for import, so the same bytes can be exported as PEM.
package jose

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Errors returned by the jose primitives.
var (
	ErrInvalidEncoding    = errors.New("invalid base64url encoding")
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	ErrInvalidKey         = errors.New("invalid key")
	ErrInvalidSignature   = errors.New("invalid signature encoding")
)

// EncodeSegment encodes b as base64url without padding.
func EncodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeSegment decodes a base64url string. Up to two trailing '=' are
// tolerated; any character outside the URL-safe alphabet, an impossible
// length or non-zero trailing bits are rejected.
func DecodeSegment(s string) ([]byte, error) {
	unpadded := strings.TrimSuffix(strings.TrimSuffix(s, "="), "=")
	if len(s) != len(unpadded) && len(s)%4 != 0 {
		return nil, fmt.Errorf("%w: misplaced padding", ErrInvalidEncoding)
	}
	if len(unpadded)%4 == 1 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidEncoding, len(unpadded))
	}
	for i := 0; i < len(unpadded); i++ {
		if !isURLAlphabet(unpadded[i]) {
			return nil, fmt.Errorf("%w: illegal character at offset %d", ErrInvalidEncoding, i)
		}
	}

	b, err := base64.RawURLEncoding.Strict().DecodeString(unpadded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return b, nil
}

func isURLAlphabet(c byte) bool {
	return 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '-' || c == '_'
}

// decodeField decodes a JWK member, naming the member in the error.
func decodeField(name, value string) ([]byte, error) {
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("%w: missing %q", ErrInvalidKey, name)
	}
	b, err := DecodeSegment(value)
	if err != nil {
		return nil, fmt.Errorf("%w: member %q: %v", ErrInvalidKey, name, err)
	}
	return b, nil
}
