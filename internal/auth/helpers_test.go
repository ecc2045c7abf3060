package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"idgate/internal/jose"
)

const (
	testIssuer   = "https://appleid.apple.com"
	testAudience = "com.example.app"
)

var (
	keysOnce sync.Once
	rsaKey   *rsa.PrivateKey
	ecKey    *ecdsa.PrivateKey
)

// testKeys generates the shared RSA and EC keys once per test binary.
func testKeys(t *testing.T) (*rsa.PrivateKey, *ecdsa.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		if rsaKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if ecKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
			panic(err)
		}
	})
	return rsaKey, ecKey
}

func rsaPublicJWK(key *rsa.PublicKey, kid string) jose.JWK {
	return jose.JWK{
		KeyType: jose.KeyTypeRSA,
		KeyID:   kid,
		Use:     "sig",
		N:       jose.EncodeSegment(key.N.Bytes()),
		E:       jose.EncodeSegment(big.NewInt(int64(key.E)).Bytes()),
	}
}

func ecPublicJWK(key *ecdsa.PublicKey, kid string) jose.JWK {
	return jose.JWK{
		KeyType: jose.KeyTypeEC,
		KeyID:   kid,
		Curve:   jose.CurveP256,
		X:       jose.EncodeSegment(key.X.FillBytes(make([]byte, 32))),
		Y:       jose.EncodeSegment(key.Y.FillBytes(make([]byte, 32))),
	}
}

// staticKeys resolves kids from a fixed map.
type staticKeys map[string]jose.JWK

func (s staticKeys) Resolve(_ context.Context, kid string) (jose.JWK, error) {
	k, ok := s[kid]
	if !ok {
		return jose.JWK{}, fmt.Errorf("kid %q not published", kid)
	}
	return k, nil
}

func testResolver(t *testing.T) staticKeys {
	t.Helper()
	r, e := testKeys(t)
	return staticKeys{
		"rsa-1": rsaPublicJWK(&r.PublicKey, "rsa-1"),
		"ec-1":  ecPublicJWK(&e.PublicKey, "ec-1"),
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// signToken builds a compact JWS over header and claims with key, which is
// an *rsa.PrivateKey (RS256) or *ecdsa.PrivateKey (ES256).
func signToken(t *testing.T, header map[string]any, claims map[string]any, key crypto.Signer) string {
	t.Helper()
	input := jose.EncodeSegment(mustJSON(t, header)) + "." + jose.EncodeSegment(mustJSON(t, claims))
	digest := sha256.Sum256([]byte(input))

	var sig []byte
	switch k := key.(type) {
	case *rsa.PrivateKey:
		s, err := rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest[:])
		require.NoError(t, err)
		sig = s
	case *ecdsa.PrivateKey:
		der, err := ecdsa.SignASN1(rand.Reader, k, digest[:])
		require.NoError(t, err)
		sig, err = jose.DERToP1363(der)
		require.NoError(t, err)
	default:
		require.FailNowf(t, "unsupported key", "%T", key)
	}
	return input + "." + jose.EncodeSegment(sig)
}

var fixedNow = time.Unix(1_750_000_000, 0)

func fixedClock() time.Time { return fixedNow }

func validClaims() map[string]any {
	return map[string]any{
		"iss":            testIssuer,
		"aud":            testAudience,
		"sub":            "001234.abcdef.0420",
		"iat":            fixedNow.Unix() - 10,
		"exp":            fixedNow.Unix() + 600,
		"email":          "user@privaterelay.appleid.com",
		"email_verified": "true",
	}
}
