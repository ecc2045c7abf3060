package jose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// Key types.
const (
	KeyTypeRSA = "RSA"
	KeyTypeEC  = "EC"
)

// CurveP256 is the only curve accepted for EC keys.
const CurveP256 = "P-256"

// JWK is a public JSON Web Key as published by an identity provider.
type JWK struct {
	KeyType   string `json:"kty"`
	KeyID     string `json:"kid,omitempty"`
	Use       string `json:"use,omitempty"`
	Algorithm string `json:"alg,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC
	Curve string `json:"crv,omitempty"`
	X     string `json:"x,omitempty"`
	Y     string `json:"y,omitempty"`
}

// KeySet is the document served by a provider's keys endpoint.
type KeySet struct {
	Keys []JWK `json:"keys"`
}

// Index returns the keys indexed by kid. Keys without a kid are skipped;
// for duplicate kids the later entry wins.
func (s *KeySet) Index() map[string]JWK {
	index := make(map[string]JWK, len(s.Keys))
	for _, k := range s.Keys {
		if k.KeyID == "" {
			continue
		}
		index[k.KeyID] = k
	}
	return index
}

// SubjectPublicKeyInfo returns the DER encoding of the key.
func (k JWK) SubjectPublicKeyInfo() ([]byte, error) {
	switch k.KeyType {
	case KeyTypeRSA:
		n, err := decodeField("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeField("e", k.E)
		if err != nil {
			return nil, err
		}
		return RSASubjectPublicKeyInfo(n, e)

	case KeyTypeEC:
		if k.Curve != CurveP256 {
			return nil, fmt.Errorf("%w: curve %q", ErrUnsupportedKeyType, k.Curve)
		}
		x, err := decodeField("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeField("y", k.Y)
		if err != nil {
			return nil, err
		}
		return ECSubjectPublicKeyInfo(x, y)

	default:
		return nil, fmt.Errorf("%w: kty %q", ErrUnsupportedKeyType, k.KeyType)
	}
}

// PEM returns the key as a PEM "PUBLIC KEY" block.
func (k JWK) PEM() ([]byte, error) {
	der, err := k.SubjectPublicKeyInfo()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PublicKey converts the JWK into an *rsa.PublicKey or a P-256
// *ecdsa.PublicKey.
func (k JWK) PublicKey() (crypto.PublicKey, error) {
	der, err := k.SubjectPublicKeyInfo()
	if err != nil {
		return nil, err
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: kid %q: %v", ErrInvalidKey, k.KeyID, err)
	}

	switch key := pub.(type) {
	case *rsa.PublicKey:
		return key, nil
	case *ecdsa.PublicKey:
		if key.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: curve %s", ErrUnsupportedKeyType, key.Curve.Params().Name)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, pub)
	}
}
