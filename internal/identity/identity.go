// Package identity produces the opaque identifiers used for users, sessions,
// messages and request correlation.
package identity

import (
	"crypto/rand"
	"io"

	"github.com/google/uuid"
)

// Generator renders random UUID-v4 strings from an entropy source.
type Generator struct {
	entropy io.Reader
}

// New returns a Generator reading from crypto/rand.
func New() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewFromReader returns a Generator reading from r. Used to get deterministic
// ids in tests.
func NewFromReader(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{entropy: r}
}

// NewID returns a 36-character UUID-v4 string.
func (g *Generator) NewID() string {
	if g == nil || g.entropy == nil {
		return uuid.NewString()
	}
	id, err := uuid.NewRandomFromReader(g.entropy)
	if err != nil {
		// exhausted or failing reader; fall back to the library pool
		return uuid.NewString()
	}
	return id.String()
}
