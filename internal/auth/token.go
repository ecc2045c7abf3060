// Package auth verifies identity-provider JWTs and mints client secrets.
//
// A provider token is checked in four stages, each of which must pass:
//
//	decode     header.payload.signature → Token          (Decode)
//	key        header.kid → provider JWK                  (KeyResolver)
//	signature  RS256 / ES256 over "header.payload"        (Verifier)
//	claims     exp, nbf, iat, iss, aud                    (ClaimsValidator)
//
// Only RS256 and ES256 are accepted. The algorithm set is closed: "none",
// HMAC and anything else is rejected before a key is looked up.
package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"idgate/internal/jose"
)

// ErrMalformedToken is returned by Decode for anything that is not a
// well-formed compact JWS.
var ErrMalformedToken = errors.New("malformed token")

// Header is the JOSE header of a provider token.
type Header struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid,omitempty"`
	Type      string `json:"typ,omitempty"`
}

// NumericDate is a JWT time value in seconds since the epoch. Fractional
// values are truncated; values that do not fit in an int64 are rejected.
type NumericDate int64

func (d *NumericDate) UnmarshalJSON(b []byte) error {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("numeric date %s: %w", b, err)
	}
	if math.IsNaN(f) || f >= 1<<63 || f < -(1<<63) {
		return fmt.Errorf("numeric date %s out of range", b)
	}
	*d = NumericDate(f)
	return nil
}

// Audience holds the aud claim, which may be a string or an array.
type Audience []string

func (a *Audience) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*a = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*a = Audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("aud must be a string or an array of strings")
	}
	*a = many
	return nil
}

// Contains reports whether aud equals s exactly or lists it.
func (a Audience) Contains(s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}

// FlexBool accepts both JSON booleans and the strings "true"/"false", as
// some providers send email_verified as a string.
type FlexBool bool

func (f *FlexBool) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true", `"true"`:
		*f = true
	case "false", `"false"`, "null":
		*f = false
	default:
		return fmt.Errorf("invalid boolean %s", b)
	}
	return nil
}

// Claims are the payload claims idgate understands. Registered time claims
// are pointers so that an absent claim can be told apart from zero.
type Claims struct {
	Subject        string       `json:"sub,omitempty"`
	Issuer         string       `json:"iss,omitempty"`
	Audience       Audience     `json:"aud,omitempty"`
	ExpiresAt      *NumericDate `json:"exp,omitempty"`
	NotBefore      *NumericDate `json:"nbf,omitempty"`
	IssuedAt       *NumericDate `json:"iat,omitempty"`
	Email          string       `json:"email,omitempty"`
	EmailVerified  FlexBool     `json:"email_verified,omitempty"`
	IsPrivateEmail FlexBool     `json:"is_private_email,omitempty"`
	Nonce          string       `json:"nonce,omitempty"`

	// Raw holds every claim in the payload, numbers as json.Number.
	Raw map[string]any `json:"-"`
}

// Token is a decoded, not yet verified, compact JWS.
type Token struct {
	Header    Header
	Claims    Claims
	Signature []byte

	signingInput string
}

// SigningInput returns "header.payload" exactly as received.
func (t *Token) SigningInput() []byte {
	return []byte(t.signingInput)
}

// Decode splits a compact JWS into its three segments and decodes them.
// It does not verify anything.
func Decode(raw string) (*Token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	headerJSON, err := decodeObject("header", parts[0])
	if err != nil {
		return nil, err
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}

	payloadJSON, err := decodeObject("payload", parts[1])
	if err != nil {
		return nil, err
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	if err := dec.Decode(&claims.Raw); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}

	sig, err := jose.DecodeSegment(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedToken, err)
	}

	return &Token{
		Header:       header,
		Claims:       claims,
		Signature:    sig,
		signingInput: parts[0] + "." + parts[1],
	}, nil
}

// decodeObject base64url-decodes a segment and checks it holds a JSON object.
func decodeObject(name, segment string) ([]byte, error) {
	b, err := jose.DecodeSegment(segment)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedToken, name, err)
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: %s is not a JSON object", ErrMalformedToken, name)
	}
	return trimmed, nil
}
