// Package guid formats and parses 128-bit identities in their canonical
// braced text form, e.g. {11111111-1111-1111-1111-111111111111}.
package guid

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TextLen is the length of the canonical braced form.
const TextLen = 38

// ErrMalformedIdentity is returned for text that is not a canonical identity.
var ErrMalformedIdentity = errors.New("malformed identity")

// Identity is a 128-bit globally unique value naming a service object class
// or an interface-metadata library.
type Identity uuid.UUID

// Nil is the all-zero identity.
var Nil Identity

// New returns a random identity.
func New() Identity {
	return Identity(uuid.New())
}

// Format returns the canonical text of id: braced, hyphenated, uppercase hex.
func Format(id Identity) string {
	return "{" + strings.ToUpper(uuid.UUID(id).String()) + "}"
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return Format(id)
}

// IsNil reports whether id is the all-zero identity.
func (id Identity) IsNil() bool {
	return id == Nil
}

// Parse is the exact inverse of Format. Only the canonical grammar is
// accepted: 38 characters, braces, hyphens at fixed offsets and uppercase
// hex digits.
func Parse(s string) (Identity, error) {
	if !canonical(s) {
		return Nil, fmt.Errorf("%w: %q", ErrMalformedIdentity, s)
	}
	u, err := uuid.Parse(s[1 : TextLen-1])
	if err != nil {
		return Nil, fmt.Errorf("%w: %q: %w", ErrMalformedIdentity, s, err)
	}
	return Identity(u), nil
}

// MustParse is like Parse but panics on malformed input. Use it for
// compile-time constants only.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Normalize accepts the looser forms people type (lowercase, unbraced,
// urn:uuid:) and returns the identity. Stored text always goes through Format.
func Normalize(s string) (Identity, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return Nil, fmt.Errorf("%w: %q: %w", ErrMalformedIdentity, s, err)
	}
	return Identity(u), nil
}

// MarshalText implements encoding.TextMarshaler.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(Format(id)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using the strict grammar.
func (id *Identity) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func canonical(s string) bool {
	if len(s) != TextLen || s[0] != '{' || s[TextLen-1] != '}' {
		return false
	}
	for i := 1; i < TextLen-1; i++ {
		c := s[i]
		switch i {
		case 9, 14, 19, 24:
			if c != '-' {
				return false
			}
		default:
			if !isUpperHex(c) {
				return false
			}
		}
	}
	return true
}

func isUpperHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('A' <= c && c <= 'F')
}
