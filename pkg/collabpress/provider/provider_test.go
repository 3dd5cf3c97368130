package provider_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cperr "github.com/ayatsuji/collabpress/pkg/collabpress/errors"
	"github.com/ayatsuji/collabpress/pkg/collabpress/provider"
)

type fixedGenerator string

func (g fixedGenerator) GenerateSlug(context.Context, string) (string, error) {
	return string(g), nil
}

type failingGenerator struct{ err error }

func (g failingGenerator) GenerateSlug(context.Context, string) (string, error) {
	return "", g.err
}

func TestStaticGenerator(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "ascii with spaces", input: "Jujutsu Kaisen", want: "jujutsu-kaisen"},
		{name: "full width ascii folds", input: "Ａｖａｉｌ", want: "avail"},
		{name: "punctuation collapses", input: "Spy x Family -- Cafe!", want: "spy-x-family-cafe"},
		{name: "digits survive", input: "Store 365", want: "store-365"},
		{name: "pure japanese fails", input: "呪術廻戦", wantErr: true},
		{name: "empty fails", input: "", wantErr: true},
	}

	g := provider.StaticGenerator{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.GenerateSlug(context.Background(), tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, cperr.IsKind(err, cperr.KindValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChainFallback(t *testing.T) {
	provider.Generators.Register("failing", failingGenerator{err: errors.New("model unreachable")})
	provider.Generators.Register("fixed", fixedGenerator("fallback-slug"))
	t.Cleanup(func() {
		provider.Generators.Delete("failing")
		provider.Generators.Delete("fixed")
	})

	chain, err := provider.NewChain("failing", "fixed")
	require.NoError(t, err)

	slug, err := chain.GenerateSlug(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "fallback-slug", slug)
}

func TestChainAllFail(t *testing.T) {
	provider.Generators.Register("broken", failingGenerator{err: errors.New("no can do")})
	t.Cleanup(func() { provider.Generators.Delete("broken") })

	chain, err := provider.NewChain("broken")
	require.NoError(t, err)

	_, err = chain.GenerateSlug(context.Background(), "名前")
	require.Error(t, err)
	assert.True(t, cperr.IsKind(err, cperr.KindValidation))
	assert.Contains(t, err.Error(), "名前")
}

func TestStaticGeneratorRegisteredByDefault(t *testing.T) {
	chain, err := provider.NewChain(provider.StaticName)
	require.NoError(t, err)

	slug, err := chain.GenerateSlug(context.Background(), "Ｎｅｗ Ｓｔｏｒｅ")
	require.NoError(t, err)
	assert.Equal(t, "new-store", slug)
}

func TestNewChainUnknownName(t *testing.T) {
	_, err := provider.NewChain("does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist")

	_, err = provider.NewChain()
	assert.Error(t, err)
}

func TestChainCancelled(t *testing.T) {
	provider.Generators.Register("fixed", fixedGenerator("x"))
	t.Cleanup(func() { provider.Generators.Delete("fixed") })

	chain, err := provider.NewChain("fixed")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = chain.GenerateSlug(ctx, "name")
	require.Error(t, err)
	assert.True(t, cperr.IsKind(err, cperr.KindNetwork))
}
