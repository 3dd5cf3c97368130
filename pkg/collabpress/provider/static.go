package provider

import (
	"context"
	"strings"

	"golang.org/x/text/width"

	cperr "github.com/ayatsuji/collabpress/pkg/collabpress/errors"
)

// StaticName is the registry name of the built-in transliterating
// generator.
const StaticName = "static"

func init() {
	Generators.Register(StaticName, StaticGenerator{})
}

// StaticGenerator derives a slug by transliteration alone: width
// folding, lowercasing, and collapsing everything outside [a-z0-9]
// into single hyphens. Names with no ASCII letters or digits, such as
// purely Japanese titles, fail so a smarter generator in the chain can
// take over.
type StaticGenerator struct{}

// GenerateSlug implements SlugGenerator.
func (StaticGenerator) GenerateSlug(_ context.Context, name string) (string, error) {
	folded := strings.ToLower(width.Fold.String(name))

	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "", cperr.Newf(cperr.KindValidation,
			"name %q has no transliterable characters", name)
	}
	return slug, nil
}

var _ SlugGenerator = StaticGenerator{}
