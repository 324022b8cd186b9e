// Package drv models content-addressed artifact identifiers as they appear
// in store paths produced by the build backend.
package drv

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DigestLen is the fixed length of the base32 digest component.
	DigestLen = 32

	storePrefix = "/nix/store/"

	// alphabet is the store's base32 alphabet. Note the absence of e, o,
	// t and u, which the store format excludes deliberately.
	alphabet = "0123456789abcdfghijklmnpqrsvwxyz"
)

// ErrMalformed is returned when an identifier cannot be parsed as a store hash.
var ErrMalformed = errors.New("malformed artifact identifier")

// Hash identifies an immutable built artifact by its store digest. The name
// component is informational and excluded from equality.
type Hash struct {
	Digest string
	Name   string
}

// Parse accepts a bare digest, a "digest-name" pair, or a full store path
// and returns the validated Hash.
func Parse(raw string) (Hash, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, storePrefix)
	if s == "" {
		return Hash{}, fmt.Errorf("%w: empty identifier", ErrMalformed)
	}

	digest := s
	name := ""
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		digest = s[:idx]
		name = s[idx+1:]
		if name == "" {
			return Hash{}, fmt.Errorf("%w: trailing dash in %q", ErrMalformed, raw)
		}
	}

	if len(digest) != DigestLen {
		return Hash{}, fmt.Errorf("%w: digest must be %d characters, got %d", ErrMalformed, DigestLen, len(digest))
	}
	for i := 0; i < len(digest); i++ {
		if !strings.ContainsRune(alphabet, rune(digest[i])) {
			return Hash{}, fmt.Errorf("%w: invalid digest character %q", ErrMalformed, digest[i])
		}
	}

	return Hash{Digest: digest, Name: name}, nil
}

// Validate reports whether raw is a well-formed artifact identifier.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}

// String renders the hash in "digest-name" form, or the bare digest when no
// name is known.
func (h Hash) String() string {
	if h.Name == "" {
		return h.Digest
	}
	return h.Digest + "-" + h.Name
}

// StorePath renders the full store path for the hash.
func (h Hash) StorePath() string {
	return storePrefix + h.String()
}

// Equal compares two hashes by digest only.
func (h Hash) Equal(other Hash) bool {
	return h.Digest == other.Digest
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return h.Digest == ""
}
