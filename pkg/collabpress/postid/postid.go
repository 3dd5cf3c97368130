// Package postid generates short, time-sortable, URL-safe post
// identifiers used as the human-facing content slug.
//
// An ID is a fixed-length base32 encoding of a millisecond timestamp
// in a lowercase [0-9a-z] alphabet, so lexicographic order tracks
// generation time. The generator is monotonic: two IDs generated in
// the same millisecond still differ and still sort by call order.
package postid

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// alphabet is the Crockford base32 set, lowercased. Every character is
// in [0-9a-z]; ambiguous letters (i, l, o, u) are excluded.
const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// DefaultLength is the default ID length in characters.
const DefaultLength = 10

// minLength is the shortest ID able to hold a 48-bit millisecond
// timestamp at 5 bits per character.
const minLength = 10

// maxLength bounds IDs to something still usable as a URL path segment.
const maxLength = 26

// Generator produces post IDs.
type Generator struct {
	length int

	mu     sync.Mutex
	lastMs int64
}

// Option configures a Generator.
type Option func(*Generator)

// WithLength sets the ID length in characters.
func WithLength(n int) Option {
	return func(g *Generator) {
		g.length = n
	}
}

// NewGenerator creates a Generator. Configurations that would break the
// fixed-length, fixed-alphabet contract are rejected.
func NewGenerator(opts ...Option) (*Generator, error) {
	g := &Generator{length: DefaultLength}
	for _, opt := range opts {
		opt(g)
	}

	if g.length < minLength {
		return nil, fmt.Errorf("post ID length %d cannot hold a millisecond timestamp (minimum %d)", g.length, minLength)
	}
	if g.length > maxLength {
		return nil, fmt.Errorf("post ID length %d exceeds maximum %d", g.length, maxLength)
	}
	return g, nil
}

// Generate returns a new ID from the wall clock. Calls within the same
// millisecond are bumped forward by one so IDs stay strictly increasing.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := time.Now().UnixMilli()
	if ms <= g.lastMs {
		ms = g.lastMs + 1
	}
	g.lastMs = ms

	return g.encode(ms)
}

// GenerateAt returns the ID for the given seed time. It is a pure
// function of the seed and the configured length, for testability; it
// does not advance the monotonic counter.
func (g *Generator) GenerateAt(seed time.Time) string {
	return g.encode(seed.UnixMilli())
}

// encode renders ms as fixed-width base32, most significant digit
// first, zero-padded so lexicographic order matches numeric order.
func (g *Generator) encode(ms int64) string {
	var b strings.Builder
	b.Grow(g.length)

	for i := g.length - 1; i >= 0; i-- {
		shift := uint(i * 5)
		b.WriteByte(alphabet[(ms>>shift)&0x1f])
	}
	return b.String()
}
