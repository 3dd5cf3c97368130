// Package provider defines the capability plug points the pipeline
// delegates to when its dictionaries cannot answer: extracting an
// event identity from free text and generating a slug for an unmapped
// name.
//
// Implementations register under a configured name; callers either
// select one by name or iterate an ordered fallback chain until one
// succeeds. The heavy implementations (model-backed extraction) live
// outside this module; this package carries the contracts and a static
// transliterating generator.
package provider

import (
	"context"
	"fmt"

	cperr "github.com/ayatsuji/collabpress/pkg/collabpress/errors"
	"github.com/ayatsuji/collabpress/pkg/collabpress/registry"
)

// Extracted is an event identity pulled out of free text.
type Extracted struct {
	WorkTitle     string
	StoreName     string
	EventTypeName string
	Year          int
}

// Extractor pulls an event identity out of free text, such as an
// announcement page body.
type Extractor interface {
	ExtractFromText(ctx context.Context, text string) (Extracted, error)
}

// SlugGenerator proposes a slug for a name the dictionaries do not
// know. Proposals feed a review queue; they are never written into a
// dictionary unattended.
type SlugGenerator interface {
	GenerateSlug(ctx context.Context, name string) (string, error)
}

// Generators is the process-wide slug-generator registry.
var Generators = registry.New[string, SlugGenerator]()

// Extractors is the process-wide extractor registry.
var Extractors = registry.New[string, Extractor]()

// Chain tries an ordered list of slug generators until one succeeds.
type Chain struct {
	generators []SlugGenerator
}

// NewChain builds a fallback chain from registered generator names.
// Unknown names fail construction rather than silently shrinking the
// chain.
func NewChain(names ...string) (*Chain, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("chain requires at least one generator name")
	}
	generators := make([]SlugGenerator, 0, len(names))
	for _, name := range names {
		g, ok := Generators.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown slug generator %q", name)
		}
		generators = append(generators, g)
	}
	return &Chain{generators: generators}, nil
}

// GenerateSlug implements SlugGenerator. Generators are tried in
// order; the first success wins. When all fail, the last failure is
// returned wrapped with the offending name.
func (c *Chain) GenerateSlug(ctx context.Context, name string) (string, error) {
	var lastErr error
	for _, g := range c.generators {
		if err := ctx.Err(); err != nil {
			return "", cperr.Network(err, "slug generation cancelled")
		}
		slug, err := g.GenerateSlug(ctx, name)
		if err == nil {
			return slug, nil
		}
		lastErr = err
	}
	return "", cperr.Wrap(cperr.KindValidation, lastErr,
		fmt.Sprintf("no generator produced a slug for %q", name))
}

var _ SlugGenerator = (*Chain)(nil)
