// Package key builds and parses canonical event keys.
//
// A canonical key is the deterministic string identity of one
// real-world event, serialized as workSlug:storeSlug:eventType:year.
// It is the deduplication unit for the whole pipeline.
package key

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// slugPattern is the shape every key component except the year must match.
var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Components are the parsed parts of a canonical key.
type Components struct {
	WorkSlug  string
	StoreSlug string
	EventType string
	Year      int
}

// Validate checks every component against the key invariants:
// non-empty slugs, the [a-z0-9-]+ pattern, and a positive year.
func (c Components) Validate() error {
	for _, part := range []struct {
		name  string
		value string
	}{
		{"work slug", c.WorkSlug},
		{"store slug", c.StoreSlug},
		{"event type", c.EventType},
	} {
		if part.value == "" {
			return fmt.Errorf("%s is empty", part.name)
		}
		if !slugPattern.MatchString(part.value) {
			return fmt.Errorf("%s %q does not match [a-z0-9-]+", part.name, part.value)
		}
	}
	if c.Year <= 0 {
		return fmt.Errorf("year %d is not positive", c.Year)
	}
	return nil
}

// Build serializes components into a canonical key.
func Build(c Components) (string, error) {
	if err := c.Validate(); err != nil {
		return "", fmt.Errorf("build canonical key: %w", err)
	}
	return fmt.Sprintf("%s:%s:%s:%d", c.WorkSlug, c.StoreSlug, c.EventType, c.Year), nil
}

// Parse splits a canonical key back into components. The second return
// is false for keys that do not round-trip through Build.
func Parse(key string) (Components, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return Components{}, false
	}

	year, err := strconv.Atoi(parts[3])
	if err != nil {
		return Components{}, false
	}

	c := Components{
		WorkSlug:  parts[0],
		StoreSlug: parts[1],
		EventType: parts[2],
		Year:      year,
	}
	if c.Validate() != nil {
		return Components{}, false
	}
	return c, true
}

// IsValid reports whether key is a well-formed canonical key.
func IsValid(key string) bool {
	_, ok := Parse(key)
	return ok
}
