// Package vcs wraps the remote version-control API behind the
// publication protocol: branch creation from a fresh base ref, file
// commits under a fixed service identity, and pull-request management.
//
// All transport and API failures are classified into the collabpress
// error taxonomy at this boundary; no raw HTTP library error crosses
// it. Rate limits (primary quota and secondary abuse detection) are
// retried automatically, honoring the server-provided wait, bounded by
// a small fixed attempt count.
package vcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	cperr "github.com/ayatsuji/collabpress/pkg/collabpress/errors"
	"github.com/ayatsuji/collabpress/pkg/collabpress/observability"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultMaxRetries is the default retry budget for rate-limit and
// network failures, per call.
const DefaultMaxRetries = 3

// Config configures the API client.
type Config struct {
	// BaseURL is the API root (e.g. https://api.github.com). Required.
	BaseURL string
	// Owner and Repo identify the content repository. Required.
	Owner string
	Repo  string
	// Tokens provides the access token. Required.
	Tokens TokenSource
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// MaxRetries bounds rate-limit and network retries (default 3).
	MaxRetries int
	// Logger receives retry and classification warnings.
	Logger *slog.Logger
	// Metrics receives rate-limit wait measurements. Optional.
	Metrics observability.MetricsRecorder
}

// Client talks to the remote VCS API.
type Client struct {
	config  Config
	http    *http.Client
	logger  *slog.Logger
	metrics observability.MetricsRecorder
}

// NewClient creates a Client from the given config.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("vcs client requires a base URL")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("vcs client requires owner and repo")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("vcs client requires a token source")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}

	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// apiError is a non-2xx response that needs caller-specific mapping
// (404 on probes, 422 on ref creation). Everything the client can
// classify generically never surfaces as an apiError.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// repoPath builds an API path under the configured repository. Parts
// are joined verbatim; file paths keep their slashes as segment
// separators, the way the contents API expects them.
func (c *Client) repoPath(parts ...string) string {
	segs := append([]string{"repos", c.config.Owner, c.config.Repo}, parts...)
	return "/" + strings.Join(segs, "/")
}

// GetRef returns the current commit SHA of a branch.
// Callers must fetch this immediately before creating a branch; a SHA
// obtained earlier in the process may be stale.
func (c *Client) GetRef(ctx context.Context, branch string) (string, error) {
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := c.do(ctx, http.MethodGet, c.repoPath("git", "ref", "heads/"+branch), nil, &out); err != nil {
		return "", c.asInternal(err, "get ref "+branch)
	}
	if out.Object.SHA == "" {
		return "", cperr.Newf(cperr.KindInternal, "ref %s has no object SHA", branch)
	}
	return out.Object.SHA, nil
}

// CreateRef creates a branch at the given SHA. A "reference already
// exists" response becomes a retryable branch conflict carrying the
// attempted branch name.
func (c *Client) CreateRef(ctx context.Context, branch, sha string) error {
	body := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	}
	err := c.do(ctx, http.MethodPost, c.repoPath("git", "refs"), body, nil)
	if err == nil {
		return nil
	}

	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
		return cperr.BranchConflict(branch)
	}
	return c.asInternal(err, "create ref "+branch)
}

// CommitAuthor is the fixed service identity used as both author and
// committer on every commit, for audit trails. The API caller's
// identity is never used.
type CommitAuthor struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CommitFile commits content to a path on a branch and returns the
// commit SHA.
func (c *Client) CommitFile(ctx context.Context, branch, path, message string, content []byte, author CommitAuthor) (string, error) {
	body := map[string]any{
		"message":   message,
		"content":   base64Encode(content),
		"branch":    branch,
		"author":    author,
		"committer": author,
	}

	var out struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := c.do(ctx, http.MethodPut, c.repoPath("contents", path), body, &out); err != nil {
		return "", c.asInternal(err, "commit file "+path)
	}
	return out.Commit.SHA, nil
}

// PullRequest is an open or closed change request.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Title   string `json:"title"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// OpenPull opens a pull request from head to base.
func (c *Client) OpenPull(ctx context.Context, head, base, title, body string) (*PullRequest, error) {
	req := map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}
	var out PullRequest
	if err := c.do(ctx, http.MethodPost, c.repoPath("pulls"), req, &out); err != nil {
		return nil, c.asInternal(err, "open pull request")
	}
	return &out, nil
}

// ListOpenPulls returns the repository's open pull requests.
func (c *Client) ListOpenPulls(ctx context.Context) ([]PullRequest, error) {
	var out []PullRequest
	path := c.repoPath("pulls") + "?state=open&per_page=100"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, c.asInternal(err, "list open pull requests")
	}
	return out, nil
}

// PathExists probes whether path exists on the given ref. A not-found
// response means no collision; any other failure is a hard error,
// never silently treated as no-collision.
func (c *Client) PathExists(ctx context.Context, path, ref string) (bool, error) {
	p := c.repoPath("contents", path) + "?ref=" + url.QueryEscape(ref)
	err := c.do(ctx, http.MethodGet, p, nil, nil)
	if err == nil {
		return true, nil
	}

	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return false, nil
	}
	return false, c.asInternal(err, "probe path "+path)
}

// asInternal converts a leftover apiError into a classified internal
// error; already-classified errors pass through unchanged.
func (c *Client) asInternal(err error, context string) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return cperr.Wrap(cperr.KindInternal, err, context)
	}
	return err
}

// do performs one API call with automatic auth-refresh, rate-limit,
// and network retries. On success the response body is decoded into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return cperr.Wrap(cperr.KindInternal, err, "encode request body")
		}
	}

	var (
		rateAttempts int
		netAttempts  int
		authRetried  bool
		backoff      = 500 * time.Millisecond
	)

	for {
		if err := ctx.Err(); err != nil {
			return cperr.Network(err, "request cancelled")
		}

		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}

		switch {
		case cperr.IsKind(err, cperr.KindAuth) && !authRetried:
			// One retry with a fresh token, then the auth error stands.
			authRetried = true
			c.config.Tokens.ForceRefresh()
			c.logger.Warn("auth failure, retrying with fresh token",
				slog.String("path", path),
			)
			continue

		case cperr.IsKind(err, cperr.KindRateLimit):
			rateAttempts++
			if rateAttempts > c.config.MaxRetries {
				return err
			}
			wait, server := cperr.RetryAfterOf(err)
			waitKind := "server"
			if !server || wait <= 0 {
				wait = backoff
				waitKind = "backoff"
			}
			c.logger.Warn("rate limited, waiting",
				slog.String("path", path),
				slog.Duration("wait", wait),
				slog.Int("attempt", rateAttempts),
			)
			c.metrics.RecordRateLimitWait(ctx, waitKind, wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return cperr.Network(err, "cancelled during rate-limit wait")
			}
			continue

		case cperr.IsKind(err, cperr.KindNetwork):
			netAttempts++
			if netAttempts > c.config.MaxRetries {
				return err
			}
			if err := sleepCtx(ctx, backoff); err != nil {
				return cperr.Network(err, "cancelled during backoff")
			}
			backoff *= 2
			continue

		default:
			return err
		}
	}
}

// doOnce performs a single HTTP round trip and classifies the outcome.
func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	token, err := c.config.Tokens.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return cperr.Wrap(cperr.KindInternal, err, "create request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts, DNS failures, connection resets: one error kind.
		return cperr.Network(err, method+" "+path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return cperr.Network(err, "read response body")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return cperr.Wrap(cperr.KindInternal, err, "decode response body")
		}
		return nil
	}

	return c.classifyFailure(resp, respBody)
}

// classifyFailure maps a non-2xx response into the taxonomy. 404 and
// 422 stay apiErrors for caller-specific mapping.
func (c *Client) classifyFailure(resp *http.Response, body []byte) error {
	message := apiMessage(body)

	if wait, kind, ok := rateLimitWait(resp); ok {
		return cperr.RateLimit(fmt.Sprintf("%s rate limit: %s", kind, message), wait)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return cperr.Newf(cperr.KindAuth, "status %d: %s", resp.StatusCode, message)
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		return &apiError{Status: resp.StatusCode, Message: message}
	default:
		if resp.StatusCode >= 500 {
			return cperr.Network(
				&apiError{Status: resp.StatusCode, Message: message},
				"server error",
			)
		}
		return &apiError{Status: resp.StatusCode, Message: message}
	}
}

// apiMessage extracts the "message" field from an error body, falling
// back to the raw body.
func apiMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		cut := 200
		// Back off to a rune boundary so a multi-byte character is
		// never split.
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

// base64Encode renders file content for the commit API.
func base64Encode(content []byte) string {
	return base64.StdEncoding.EncodeToString(content)
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
