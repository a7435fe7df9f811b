// Package digestbind computes the canonical preimage and digest that
// gitstamp hands to each TSA (component C6 of the design).
//
// The preimage is byte-exact, locale- and endianness-independent text:
// no structured encoding is hashed, because a structured re-encoding
// could renormalize differently across implementations that read the
// same repository years later. See spec.md §9, Design Notes.
package digestbind

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

// Algorithm identifies the repository hash algorithm H. Values match
// the hash-algorithm tag persisted in the timestamp commit trailer.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA384 Algorithm = "sha384"
	SHA512 Algorithm = "sha512"
)

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("digestbind: unknown hash algorithm %q", a)
	}
}

// Size returns the digest length in bytes for the algorithm.
func (a Algorithm) Size() int {
	switch a {
	case SHA1:
		return sha1.Size
	case SHA384:
		return sha512.Size384
	case SHA512:
		return sha512.Size
	default:
		return sha256.Size
	}
}

// Preimage returns the literal UTF-8 text that is hashed to produce the
// timestamped digest for protocol version 1:
//
//	parent:<parent-hex>,tree:<tree-hex>
//
// parentHex and treeHex must already be lowercase hex; Preimage does not
// normalize case so that callers cannot silently launder a differently
//-cased hex string into the same preimage bytes.
func Preimage(treeHex, parentHex string) string {
	return "parent:" + parentHex + ",tree:" + treeHex
}

// Digest computes H(Preimage(tree, parent)) for protocol version 1.
func Digest(alg Algorithm, treeHex, parentHex string) ([]byte, error) {
	h, err := alg.New()
	if err != nil {
		return nil, err
	}
	h.Write([]byte(Preimage(treeHex, parentHex)))
	return h.Sum(nil), nil
}

// DigestV0 returns the digest used by protocol version 0 commits: the
// raw parent commit digest, decoded from hex. Implementations must
// retain V0 validation for backward compatibility with older commits
// (spec.md §9, Open Questions) even though new commits always emit V1.
func DigestV0(parentHex string) ([]byte, error) {
	b, err := hex.DecodeString(parentHex)
	if err != nil {
		return nil, fmt.Errorf("digestbind: decode v0 parent hex: %w", err)
	}
	return b, nil
}

// HexLower encodes b as a lowercase hex string, matching the
// "lowercase hex" requirement on every identifier in the data model.
func HexLower(b []byte) string {
	return hex.EncodeToString(b)
}
