package jose

import "fmt"

// DER tags used by the SubjectPublicKeyInfo and ECDSA-Sig-Value encoders.
const (
	tagInteger   byte = 0x02
	tagBitString byte = 0x03
	tagSequence  byte = 0x30
)

// AlgorithmIdentifier SEQUENCEs, pre-encoded.
var (
	// rsaEncryption (1.2.840.113549.1.1.1) with NULL parameters.
	rsaAlgorithmIdentifier = []byte{
		0x30, 0x0d,
		0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01,
		0x05, 0x00,
	}

	// id-ecPublicKey (1.2.840.10045.2.1) with prime256v1 (1.2.840.10045.3.1.7).
	ecP256AlgorithmIdentifier = []byte{
		0x30, 0x13,
		0x06, 0x07, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x02, 0x01,
		0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07,
	}
)

// p256CoordinateSize is the byte length of a P-256 field element or scalar.
const p256CoordinateSize = 32

// EncodeLength returns the DER length octets for n.
//
// Lengths up to 0x7F use the short form. Longer values use the long form:
// 0x80|k followed by k big-endian length bytes with no leading zeros.
func EncodeLength(n int) []byte {
	if n < 0 {
		panic("jose: negative DER length")
	}
	if n <= 0x7f {
		return []byte{byte(n)}
	}

	var be []byte
	for v := n; v > 0; v >>= 8 {
		be = append([]byte{byte(v)}, be...)
	}
	return append([]byte{0x80 | byte(len(be))}, be...)
}

// TLV returns tag ‖ length ‖ value.
func TLV(tag byte, value []byte) []byte {
	length := EncodeLength(len(value))
	out := make([]byte, 0, 1+len(length)+len(value))
	out = append(out, tag)
	out = append(out, length...)
	return append(out, value...)
}

// derInteger encodes an unsigned big-endian magnitude as a minimal DER INTEGER.
func derInteger(magnitude []byte) []byte {
	magnitude = trimLeadingZeros(magnitude)
	if len(magnitude) == 0 {
		return TLV(tagInteger, []byte{0x00})
	}
	if magnitude[0]&0x80 != 0 {
		magnitude = append([]byte{0x00}, magnitude...)
	}
	return TLV(tagInteger, magnitude)
}

func trimLeadingZeros(b []byte) []byte {
	for len(b) > 0 && b[0] == 0x00 {
		b = b[1:]
	}
	return b
}

// subjectPublicKeyInfo wraps an encoded key in SEQUENCE { algId, BIT STRING }.
func subjectPublicKeyInfo(algorithmIdentifier, subjectPublicKey []byte) []byte {
	// BIT STRING content starts with the unused-bits count.
	bits := append([]byte{0x00}, subjectPublicKey...)

	body := make([]byte, 0, len(algorithmIdentifier)+len(bits)+8)
	body = append(body, algorithmIdentifier...)
	body = append(body, TLV(tagBitString, bits)...)
	return TLV(tagSequence, body)
}

// RSASubjectPublicKeyInfo builds the DER SubjectPublicKeyInfo for an RSA key
// given its big-endian modulus and public exponent.
func RSASubjectPublicKeyInfo(modulus, exponent []byte) ([]byte, error) {
	if len(trimLeadingZeros(modulus)) == 0 {
		return nil, fmt.Errorf("%w: empty RSA modulus", ErrInvalidKey)
	}
	if len(trimLeadingZeros(exponent)) == 0 {
		return nil, fmt.Errorf("%w: empty RSA exponent", ErrInvalidKey)
	}

	// RSAPublicKey ::= SEQUENCE { modulus INTEGER, publicExponent INTEGER }
	rsaKey := TLV(tagSequence, append(derInteger(modulus), derInteger(exponent)...))
	return subjectPublicKeyInfo(rsaAlgorithmIdentifier, rsaKey), nil
}

// ECSubjectPublicKeyInfo builds the DER SubjectPublicKeyInfo for a P-256
// point. Coordinates shorter than 32 bytes are left-padded.
func ECSubjectPublicKeyInfo(x, y []byte) ([]byte, error) {
	px, err := padCoordinate("x", x)
	if err != nil {
		return nil, err
	}
	py, err := padCoordinate("y", y)
	if err != nil {
		return nil, err
	}

	point := make([]byte, 0, 1+2*p256CoordinateSize)
	point = append(point, 0x04) // uncompressed
	point = append(point, px...)
	point = append(point, py...)
	return subjectPublicKeyInfo(ecP256AlgorithmIdentifier, point), nil
}

func padCoordinate(name string, c []byte) ([]byte, error) {
	if len(c) == 0 || len(c) > p256CoordinateSize {
		return nil, fmt.Errorf("%w: P-256 coordinate %s has %d bytes", ErrInvalidKey, name, len(c))
	}
	out := make([]byte, p256CoordinateSize)
	copy(out[p256CoordinateSize-len(c):], c)
	return out, nil
}
