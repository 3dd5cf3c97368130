package key

import (
	"context"
	"fmt"

	cperr "github.com/ayatsuji/collabpress/pkg/collabpress/errors"
	"github.com/ayatsuji/collabpress/pkg/collabpress/slug"
)

// RawIdentity is the free-text description of an event, as handed over
// by the extraction stage.
type RawIdentity struct {
	WorkTitle     string
	StoreName     string
	EventTypeName string
	Year          int
}

// FallbackGenerator proposes a slug for a name no dictionary entry
// matches. provider.StaticGenerator and provider.Chain implement it.
type FallbackGenerator interface {
	GenerateSlug(ctx context.Context, name string) (string, error)
}

// Builder resolves raw names through the slug dictionaries and builds
// canonical keys from them.
type Builder struct {
	resolver *slug.Resolver
	fallback FallbackGenerator
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithFallback sets the generator consulted when a dictionary lookup
// misses. Without one, an unmapped name fails resolution outright.
func WithFallback(g FallbackGenerator) BuilderOption {
	return func(b *Builder) { b.fallback = g }
}

// NewBuilder creates a Builder on top of the given resolver.
func NewBuilder(resolver *slug.Resolver, opts ...BuilderOption) *Builder {
	b := &Builder{resolver: resolver}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// resolve maps one name to its slug: dictionary first, then the
// fallback generator when one is configured. Failures name the
// offending input; a placeholder slug is never substituted.
func (b *Builder) resolve(ctx context.Context, kind slug.Kind, label, name string) (string, error) {
	if s, ok := b.resolver.Resolve(kind, name); ok {
		return s, nil
	}
	if b.fallback == nil {
		return "", cperr.Newf(cperr.KindValidation,
			"cannot resolve %s %q", label, name)
	}
	s, err := b.fallback.GenerateSlug(ctx, name)
	if err != nil {
		return "", cperr.Wrap(cperr.KindValidation, err,
			fmt.Sprintf("cannot resolve %s %q", label, name))
	}
	return s, nil
}

// FromRaw resolves each name of the identity and builds the canonical
// key components. When any name cannot be resolved or generated the
// whole operation fails with a validation error naming the offending
// input.
func (b *Builder) FromRaw(ctx context.Context, raw RawIdentity) (Components, error) {
	workSlug, err := b.resolve(ctx, slug.KindWork, "work title", raw.WorkTitle)
	if err != nil {
		return Components{}, err
	}

	storeSlug, err := b.resolve(ctx, slug.KindStore, "store name", raw.StoreName)
	if err != nil {
		return Components{}, err
	}

	eventType, err := b.resolve(ctx, slug.KindEventType, "event type", raw.EventTypeName)
	if err != nil {
		return Components{}, err
	}

	c := Components{
		WorkSlug:  workSlug,
		StoreSlug: storeSlug,
		EventType: eventType,
		Year:      raw.Year,
	}
	if err := c.Validate(); err != nil {
		return Components{}, cperr.Wrap(cperr.KindValidation, err, "invalid identity")
	}
	return c, nil
}

// KeyFromRaw resolves and serializes in one step.
func (b *Builder) KeyFromRaw(ctx context.Context, raw RawIdentity) (string, error) {
	c, err := b.FromRaw(ctx, raw)
	if err != nil {
		return "", err
	}
	return Build(c)
}
