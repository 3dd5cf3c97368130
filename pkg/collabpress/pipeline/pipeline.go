// Package pipeline drives one event through the publication state
// machine: resolve identity, deduplicate, register a pending record,
// publish, and settle the record into a terminal status.
//
// Record states move no-record → pending → generated or failed. A
// failed or stale record can be deleted and reprocessed once the
// remote API confirms no open pull request still represents the event.
// Every exit path after registration attempts the matching
// status-compensation write; a failure of that write is logged and the
// original error stays the one surfaced to the caller.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cperr "github.com/ayatsuji/collabpress/pkg/collabpress/errors"
	"github.com/ayatsuji/collabpress/pkg/collabpress/key"
	"github.com/ayatsuji/collabpress/pkg/collabpress/observability"
	"github.com/ayatsuji/collabpress/pkg/collabpress/store"
	"github.com/ayatsuji/collabpress/pkg/collabpress/vcs"
)

// Pipeline stages, used in spans and failure logs.
const (
	StageResolve  = "resolve"
	StageDedup    = "dedup"
	StageRegister = "register"
	StagePublish  = "publish"
	StageFinalize = "finalize"
)

// Input is one detected event with its rendered content.
type Input struct {
	Identity key.RawIdentity
	// Title is the human-facing post title, used in the pull request.
	Title string
	// Content is the fully rendered document body.
	Content []byte
}

// Outcome reports a completed run.
type Outcome struct {
	RunID       string
	Record      *store.EventRecord
	Publication *vcs.Result
}

// Publisher is the remote publication surface the orchestrator needs.
// *vcs.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, req vcs.Request) (*vcs.Result, error)
	HasOpenRequest(ctx context.Context, slug string) (bool, error)

	// ContentExists reports whether published content for the slug is
	// already on the base branch, meaning its pull request merged.
	ContentExists(ctx context.Context, slug string) (bool, error)
}

// Notifier receives run-completion notifications. Failures are logged
// and never affect the run outcome.
type Notifier interface {
	PublicationOpened(ctx context.Context, rec *store.EventRecord, res *vcs.Result) error
}

// Orchestrator composes the event store and the publisher into the
// idempotent pipeline.
type Orchestrator struct {
	events    *store.EventStore
	publisher Publisher
	notifier  Notifier
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets the run-completion notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(o *Orchestrator) { o.spans = s }
}

// New creates an Orchestrator.
func New(events *store.EventStore, publisher Publisher, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		events:    events,
		publisher: publisher,
		logger:    logger,
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs one event through the pipeline.
//
// A duplicate event backed by an open or merged pull request fails
// with a duplicate error. A duplicate whose pull request was closed
// without merge is treated as stale: its record is deleted and the
// event reprocessed from scratch.
func (o *Orchestrator) Process(ctx context.Context, input Input) (*Outcome, error) {
	runID := uuid.NewString()
	done := observability.TimedOperation()

	ctx, runSpan := o.spans.StartRunSpan(ctx, "", runID)

	outcome, err := o.process(ctx, runID, runSpan, input)
	o.spans.EndSpanWithError(runSpan, err)
	o.metrics.RecordRun(ctx, err == nil, time.Duration(done())*time.Millisecond)
	return outcome, err
}

func (o *Orchestrator) process(ctx context.Context, runID string, runSpan trace.Span, input Input) (*Outcome, error) {
	logger := o.logger.With(slog.String("run_id", runID))

	// Resolve and deduplicate. Resolution failures carry the offending
	// input and are raised immediately.
	check, err := o.events.CheckDuplicate(ctx, input.Identity)
	if err != nil {
		observability.LogRunError(logger, runID, err, 0, StageResolve)
		return nil, err
	}

	// The canonical key is only known once resolution succeeds.
	runSpan.SetAttributes(attribute.String("event.canonical_key", check.CanonicalKey))
	logger = observability.EnrichLogger(o.logger, runID, check.CanonicalKey)
	observability.LogRunStart(logger, runID, check.CanonicalKey)
	started := observability.TimedOperation()

	if check.IsDuplicate {
		if err := o.resolveStale(ctx, logger, check.ExistingRecord); err != nil {
			observability.LogRunError(logger, runID, err, started(), StageDedup)
			return nil, err
		}
	}

	rec, err := o.events.Register(ctx, input.Identity)
	if err != nil {
		observability.LogRunError(logger, runID, err, started(), StageRegister)
		return nil, err
	}
	logger = logger.With(slog.String("post_id", rec.PostID))

	result, err := o.publish(ctx, logger, rec, input)
	if err != nil {
		observability.LogRunError(logger, runID, err, started(), StagePublish)
		return nil, err
	}

	// The record turns terminal only after the remote publish returned
	// success.
	if err := o.events.UpdateStatus(ctx, rec.CanonicalKey, store.StatusGenerated, ""); err != nil {
		// The publication exists; the pending record is left for a
		// reconciliation sweep to settle.
		observability.LogRunError(logger, runID, err, started(), StageFinalize)
		return nil, fmt.Errorf("mark %s generated: %w", rec.CanonicalKey, err)
	}
	rec.Status = store.StatusGenerated

	o.notify(ctx, logger, rec, result)
	observability.LogRunComplete(logger, runID, started(), result.Number)

	return &Outcome{RunID: runID, Record: rec, Publication: result}, nil
}

// resolveStale decides what an existing record means for a new run: an
// open pull request or already merged content rejects the run, a pull
// request closed without merge makes the record stale and deletable.
func (o *Orchestrator) resolveStale(ctx context.Context, logger *slog.Logger, existing *store.EventRecord) (err error) {
	ctx, span := o.spans.StartStageSpan(ctx, StageDedup)
	defer func() { o.spans.EndSpanWithError(span, err) }()

	open, err := o.publisher.HasOpenRequest(ctx, existing.PostID)
	if err != nil {
		// This guard protects the exactly-once property; it never
		// fails open.
		return err
	}
	if open {
		o.metrics.RecordDuplicate(ctx, "open_pull_request")
		observability.LogDuplicate(logger, existing.CanonicalKey, "open pull request")
		o.spans.AddSpanEvent(ctx, "duplicate_detected",
			attribute.String("reason", "open_pull_request"),
		)
		return cperr.DuplicateSlug(existing.CanonicalKey,
			fmt.Sprintf("an open pull request still represents %s", existing.CanonicalKey))
	}

	// No open pull request covers merged as well as abandoned. Only a
	// publication whose content never reached the base branch may be
	// deleted and redone.
	merged, err := o.publisher.ContentExists(ctx, existing.PostID)
	if err != nil {
		return err
	}
	if merged {
		o.metrics.RecordDuplicate(ctx, "merged_publication")
		observability.LogDuplicate(logger, existing.CanonicalKey, "publication already merged")
		o.spans.AddSpanEvent(ctx, "duplicate_detected",
			attribute.String("reason", "merged_publication"),
		)
		return cperr.DuplicateSlug(existing.CanonicalKey,
			fmt.Sprintf("published content for %s already exists", existing.CanonicalKey))
	}

	logger.Info("stale record deleted for reprocessing",
		slog.String("previous_status", string(existing.Status)),
	)
	return o.events.Delete(ctx, existing.CanonicalKey)
}

// publish runs the remote publication and performs the compensating
// status write on failure.
func (o *Orchestrator) publish(ctx context.Context, logger *slog.Logger, rec *store.EventRecord, input Input) (*vcs.Result, error) {
	ctx, span := o.spans.StartStageSpan(ctx, StagePublish)
	observability.LogStageStart(logger, StagePublish)
	done := observability.TimedOperation()

	result, err := o.publisher.Publish(ctx, vcs.Request{
		Slug:         rec.PostID,
		CanonicalKey: rec.CanonicalKey,
		Title:        input.Title,
		Content:      input.Content,
	})

	o.spans.EndSpanWithError(span, err)
	o.metrics.RecordPublish(ctx, time.Duration(done())*time.Millisecond, err)

	if err == nil {
		observability.LogStageComplete(logger, StagePublish, done())
		return result, nil
	}

	switch {
	case ctx.Err() != nil:
		// Cancelled mid-flight: the pending record is left for a
		// reconciliation sweep instead of blocking on cleanup.
		logger.Warn("publish abandoned, pending record left for sweep",
			slog.String("error", err.Error()),
		)

	case cperr.IsKind(err, cperr.KindDuplicateSlug):
		// The record was registered by this run, so a remote collision
		// is an unrecoverable failure for it. It must not stay pending.
		o.metrics.RecordDuplicate(ctx, "remote_duplicate")
		observability.LogDuplicate(logger, rec.CanonicalKey, "remote duplicate path or pull request")
		compErr := o.events.UpdateStatus(ctx, rec.CanonicalKey, store.StatusFailed, err.Error())
		observability.LogCompensation(logger, rec.CanonicalKey, compErr)

	case cperr.IsRetryable(err):
		compErr := o.events.UpdateStatus(ctx, rec.CanonicalKey, store.StatusRetryable, err.Error())
		observability.LogCompensation(logger, rec.CanonicalKey, compErr)

	default:
		compErr := o.events.UpdateStatus(ctx, rec.CanonicalKey, store.StatusFailed, err.Error())
		observability.LogCompensation(logger, rec.CanonicalKey, compErr)
	}

	return nil, err
}

// notify delivers the run-completion notification. Failures are logged
// and never fail the run.
func (o *Orchestrator) notify(ctx context.Context, logger *slog.Logger, rec *store.EventRecord, res *vcs.Result) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.PublicationOpened(ctx, rec, res); err != nil {
		logger.Warn("completion notification failed",
			slog.String("error", err.Error()),
		)
	}
}

// Regenerate deletes the record for a canonical key so the event can
// be reprocessed. The record is deleted only after the remote API
// confirms the publication was abandoned: no open pull request still
// represents it, and no content for it was merged to the base branch.
func (o *Orchestrator) Regenerate(ctx context.Context, canonicalKey string) error {
	rec, err := o.events.Get(ctx, canonicalKey)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("regenerate %s: %w", canonicalKey, err)
	}

	open, err := o.publisher.HasOpenRequest(ctx, rec.PostID)
	if err != nil {
		return err
	}
	if open {
		return cperr.DuplicateSlug(canonicalKey,
			fmt.Sprintf("an open pull request still represents %s", canonicalKey))
	}

	merged, err := o.publisher.ContentExists(ctx, rec.PostID)
	if err != nil {
		return err
	}
	if merged {
		return cperr.DuplicateSlug(canonicalKey,
			fmt.Sprintf("published content for %s already exists", canonicalKey))
	}

	if err := o.events.Delete(ctx, canonicalKey); err != nil {
		return err
	}
	o.logger.Info("record deleted for regeneration",
		slog.String("canonical_key", canonicalKey),
	)
	return nil
}
