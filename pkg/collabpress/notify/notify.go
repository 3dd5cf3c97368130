// Package notify delivers run-completion notifications as JSON HTTP
// POSTs to a configured endpoint.
//
// Delivery is best effort: the orchestrator logs failures and carries
// on. Transient failures retry with exponential backoff; 4xx responses
// fail immediately.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	cperr "github.com/ayatsuji/collabpress/pkg/collabpress/errors"
	"github.com/ayatsuji/collabpress/pkg/collabpress/store"
	"github.com/ayatsuji/collabpress/pkg/collabpress/vcs"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the webhook notifier.
type Config struct {
	// URL is the HTTP endpoint to POST to (required).
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// Event is the notification payload. Field names are a contract
// downstream consumers parse.
type Event struct {
	CanonicalKey string    `json:"canonicalKey"`
	PostID       string    `json:"postId"`
	Status       string    `json:"status"`
	PullNumber   int       `json:"pullNumber"`
	PullURL      string    `json:"pullUrl"`
	Branch       string    `json:"branch"`
	Path         string    `json:"path"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Webhook posts completion events to a fixed URL.
type Webhook struct {
	config Config
	client *http.Client
	now    func() time.Time
}

// New creates a webhook notifier from the given config.
// Returns an error if the URL is empty.
func New(cfg Config) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook notifier requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Webhook{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}, nil
}

// PublicationOpened sends the completion event as a JSON POST request.
// Retries with exponential backoff on 5xx responses and network errors.
// 4xx responses are non-retriable and fail immediately.
func (w *Webhook) PublicationOpened(ctx context.Context, rec *store.EventRecord, res *vcs.Result) error {
	event := Event{
		CanonicalKey: rec.CanonicalKey,
		PostID:       rec.PostID,
		Status:       string(rec.Status),
		PullNumber:   res.Number,
		PullURL:      res.URL,
		Branch:       res.Branch,
		Path:         res.Path,
		OccurredAt:   w.now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	rres := cperr.WithRetry(ctx, w.retryConfig(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.doRequest(ctx, body)
	})
	if rres.Err == nil {
		return nil
	}

	var statusErr *StatusError
	if errors.As(rres.Err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
		return fmt.Errorf("notify: non-retriable error: %w", rres.Err)
	}
	if errors.Is(rres.Err, context.Canceled) || errors.Is(rres.Err, context.DeadlineExceeded) {
		return fmt.Errorf("notify: %w", rres.Err)
	}
	return fmt.Errorf("notify: failed after %d attempts: %w", rres.Attempts, rres.Err)
}

// retryConfig retries 5xx responses and network failures; 4xx responses
// fail immediately.
func (w *Webhook) retryConfig() cperr.RetryConfig {
	return cperr.RetryConfig{
		MaxAttempts:    1 + w.config.Retries,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		BackoffFactor:  2.0,
		RetryableFunc: func(err error) bool {
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.Code >= 500
			}
			return true
		},
	}
}

// StatusError is returned for non-2xx HTTP responses.
// Wrapping the status code allows callers to distinguish retriable (5xx)
// from non-retriable (4xx) failures.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// doRequest performs a single HTTP POST and returns nil on 2xx.
func (w *Webhook) doRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}

	return nil
}

// Close releases notifier resources.
func (w *Webhook) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
