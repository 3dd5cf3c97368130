package vcs

import (
	"context"
	"errors"
	"sync"
	"time"

	cperr "github.com/ayatsuji/collabpress/pkg/collabpress/errors"
)

// DefaultTokenTTL bounds how long a fetched token is reused.
const DefaultTokenTTL = time.Hour

// TokenSource provides the access token for API calls.
type TokenSource interface {
	// Token returns a token valid at call time.
	Token(ctx context.Context) (string, error)

	// ForceRefresh discards any cached token so the next Token call
	// fetches a fresh one. Callers that hit an authentication failure
	// use this to retry once with new credentials.
	ForceRefresh()
}

// StaticTokenSource returns a fixed token. ForceRefresh is a no-op.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", cperr.New(cperr.KindAuth, "no access token configured")
	}
	return string(s), nil
}

// ForceRefresh implements TokenSource.
func (s StaticTokenSource) ForceRefresh() {}

// SecretFetcher retrieves a named secret from the secret store.
type SecretFetcher func(ctx context.Context, name string) (string, error)

// CachedTokenSource fetches the token from a secret store and caches it
// process-wide with a bounded TTL.
type CachedTokenSource struct {
	fetch      SecretFetcher
	secretName string
	ttl        time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewCachedTokenSource creates a caching token source.
// A non-positive ttl falls back to DefaultTokenTTL.
func NewCachedTokenSource(fetch SecretFetcher, secretName string, ttl time.Duration) (*CachedTokenSource, error) {
	if fetch == nil {
		return nil, errors.New("secret fetcher is required")
	}
	if secretName == "" {
		return nil, errors.New("secret name is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &CachedTokenSource{fetch: fetch, secretName: secretName, ttl: ttl}, nil
}

// Token implements TokenSource.
func (c *CachedTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expires) {
		return c.token, nil
	}

	token, err := c.fetch(ctx, c.secretName)
	if err != nil {
		return "", cperr.Wrap(cperr.KindAuth, err, "fetch access token")
	}
	if token == "" {
		return "", cperr.New(cperr.KindAuth, "secret store returned an empty token")
	}

	c.token = token
	c.expires = time.Now().Add(c.ttl)
	return token, nil
}

// ForceRefresh implements TokenSource.
func (c *CachedTokenSource) ForceRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expires = time.Time{}
}
