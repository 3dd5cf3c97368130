package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoopMetricsDoesNothing(t *testing.T) {
	// None of these may panic or block.
	m := NoopMetrics{}
	ctx := context.Background()

	m.RecordRun(ctx, true, time.Second)
	m.RecordPublish(ctx, time.Second, errors.New("x"))
	m.RecordDuplicate(ctx, "reason")
	m.RecordRateLimitWait(ctx, "primary", time.Minute)
}

func TestNoopSpanManager(t *testing.T) {
	mgr := NoopSpanManager{}
	ctx := context.Background()

	newCtx, span := mgr.StartRunSpan(ctx, "key", "run")
	assert.Equal(t, ctx, newCtx, "context passes through unchanged")
	assert.NotNil(t, span)
	assert.False(t, span.IsRecording())

	newCtx, span = mgr.StartStageSpan(ctx, "publish")
	assert.Equal(t, ctx, newCtx)
	assert.False(t, span.IsRecording())

	mgr.EndSpanWithError(span, errors.New("x"))
	mgr.EndSpanWithError(nil, nil)
	mgr.AddSpanEvent(ctx, "event")
}

func TestLoggerHelpersTolerateNil(t *testing.T) {
	// Nil loggers are a supported way to disable logging entirely.
	assert.Nil(t, EnrichLogger(nil, "run", "key"))
	LogRunStart(nil, "run", "key")
	LogRunComplete(nil, "run", 1.0, 42)
	LogRunError(nil, "run", errors.New("x"), 1.0, "publish")
	LogStageStart(nil, "resolve")
	LogStageComplete(nil, "resolve", 1.0)
	LogDuplicate(nil, "key", "reason")
	LogCompensation(nil, "key", nil)
}

func TestEnrichLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	enriched := EnrichLogger(logger, "run-9", "work:store:cafe:2025")
	enriched.Info("hello")

	out := buf.String()
	assert.Contains(t, out, "run_id=run-9")
	assert.Contains(t, out, "canonical_key=work:store:cafe:2025")
}
