package lid

import (
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size is the byte length of an [ID].
const Size = sha256.Size

// ID is a stable node identifier:
// the SHA-256 digest of the DER-encoded SubjectPublicKeyInfo
// of the node's public key.
//
// Deriving the identifier from the public key is what binds
// a node's network identity to its cryptographic identity.
// Two nodes presenting different keys necessarily have different IDs,
// and a certificate's ID can always be recomputed from the certificate alone.
type ID [Size]byte

// Zero is the zero-valued ID, which is never a valid node identifier.
var Zero ID

// FromPublicKeyInfo returns the ID for a raw DER-encoded SubjectPublicKeyInfo.
func FromPublicKeyInfo(spki []byte) ID {
	return sha256.Sum256(spki)
}

// FromCert returns the ID bound to the given certificate's public key.
func FromCert(cert *x509.Certificate) ID {
	return FromPublicKeyInfo(cert.RawSubjectPublicKeyInfo)
}

// Parse decodes the base58 representation produced by [ID.String].
func Parse(s string) (ID, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid node ID %q: %w", s, err)
	}

	if len(raw) != Size {
		return Zero, fmt.Errorf(
			"invalid node ID %q: decoded to %d bytes, want %d",
			s, len(raw), Size,
		)
	}

	var id ID
	copy(id[:], raw)

	if id == Zero {
		return Zero, fmt.Errorf("invalid node ID %q: zero value", s)
	}

	return id, nil
}

// String returns the base58 representation of the ID.
func (id ID) String() string {
	return base58.Encode(id[:])
}

// Short returns an abbreviated form of the ID, suitable for log output.
func (id ID) Short() string {
	s := id.String()
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool {
	return id == Zero
}
