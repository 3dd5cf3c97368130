package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayatsuji/collabpress/pkg/collabpress/notify"
	"github.com/ayatsuji/collabpress/pkg/collabpress/store"
	"github.com/ayatsuji/collabpress/pkg/collabpress/vcs"
)

func sampleRecord() *store.EventRecord {
	return &store.EventRecord{
		CanonicalKey: "sample-work:sample-store:collabo-cafe:2025",
		PostID:       "0abcd1234x",
		Status:       store.StatusGenerated,
	}
}

func sampleResult() *vcs.Result {
	return &vcs.Result{
		Number: 7,
		URL:    "https://example.test/pull/7",
		Branch: "post/0abcd1234x-20250101000000",
		Path:   "content/posts/0abcd1234x.md",
	}
}

func TestPublicationOpened(t *testing.T) {
	var got notify.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Notify-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := notify.New(notify.Config{
		URL:     srv.URL,
		Headers: map[string]string{"X-Notify-Token": "secret"},
	})
	require.NoError(t, err)
	defer w.Close()

	err = w.PublicationOpened(context.Background(), sampleRecord(), sampleResult())
	require.NoError(t, err)

	assert.Equal(t, "sample-work:sample-store:collabo-cafe:2025", got.CanonicalKey)
	assert.Equal(t, "0abcd1234x", got.PostID)
	assert.Equal(t, "generated", got.Status)
	assert.Equal(t, 7, got.PullNumber)
	assert.Equal(t, "content/posts/0abcd1234x.md", got.Path)
	assert.False(t, got.OccurredAt.IsZero())
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, err := notify.New(notify.Config{URL: srv.URL, Retries: 3})
	require.NoError(t, err)
	defer w.Close()

	err = w.PublicationOpened(context.Background(), sampleRecord(), sampleResult())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsDoNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w, err := notify.New(notify.Config{URL: srv.URL, Retries: 3})
	require.NoError(t, err)
	defer w.Close()

	err = w.PublicationOpened(context.Background(), sampleRecord(), sampleResult())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx fails without retries")
}

func TestExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := notify.New(notify.Config{URL: srv.URL, Retries: 1})
	require.NoError(t, err)
	defer w.Close()

	err = w.PublicationOpened(context.Background(), sampleRecord(), sampleResult())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestConfigValidation(t *testing.T) {
	_, err := notify.New(notify.Config{})
	assert.Error(t, err)

	_, err = notify.New(notify.Config{URL: "http://example.test", Retries: -1})
	assert.Error(t, err)

	w, err := notify.New(notify.Config{URL: "http://example.test"})
	require.NoError(t, err)
	defer w.Close()
	_ = w
}

func TestCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	w, err := notify.New(notify.Config{URL: srv.URL})
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = w.PublicationOpened(ctx, sampleRecord(), sampleResult())
	require.Error(t, err)
}
