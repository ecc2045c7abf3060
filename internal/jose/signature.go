package jose

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// P1363SignatureSize is the length of an ES256 signature in JWS form (r ‖ s).
const P1363SignatureSize = 2 * p256CoordinateSize

// DERToP1363 converts an ASN.1 ECDSA-Sig-Value into the fixed 64-byte r ‖ s
// form used by JWS. Every read is bounds-checked; trailing data, negative
// integers and integers wider than 32 bytes are rejected.
func DERToP1363(der []byte) ([]byte, error) {
	input := cryptobyte.String(der)

	var seq cryptobyte.String
	if !input.ReadASN1(&seq, asn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: expected a single SEQUENCE", ErrInvalidSignature)
	}

	var r, s cryptobyte.String
	if !seq.ReadASN1(&r, asn1.INTEGER) || !seq.ReadASN1(&s, asn1.INTEGER) || !seq.Empty() {
		return nil, fmt.Errorf("%w: expected exactly two INTEGERs", ErrInvalidSignature)
	}

	out := make([]byte, P1363SignatureSize)
	if err := putScalar(out[:p256CoordinateSize], r, "r"); err != nil {
		return nil, err
	}
	if err := putScalar(out[p256CoordinateSize:], s, "s"); err != nil {
		return nil, err
	}
	return out, nil
}

// putScalar writes the INTEGER content into dst, left-padded.
func putScalar(dst []byte, content []byte, name string) error {
	if len(content) == 0 {
		return fmt.Errorf("%w: empty %s", ErrInvalidSignature, name)
	}
	if content[0]&0x80 != 0 {
		return fmt.Errorf("%w: negative %s", ErrInvalidSignature, name)
	}
	content = trimLeadingZeros(content)
	if len(content) > len(dst) {
		return fmt.Errorf("%w: %s is %d bytes", ErrInvalidSignature, name, len(content))
	}
	copy(dst[len(dst)-len(content):], content)
	return nil
}

// P1363ToDER converts a 64-byte r ‖ s signature into an ASN.1
// ECDSA-Sig-Value SEQUENCE with minimal INTEGERs.
func P1363ToDER(sig []byte) ([]byte, error) {
	if len(sig) != P1363SignatureSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSignature, P1363SignatureSize, len(sig))
	}

	body := append(derInteger(sig[:p256CoordinateSize]), derInteger(sig[p256CoordinateSize:])...)
	return TLV(tagSequence, body), nil
}
