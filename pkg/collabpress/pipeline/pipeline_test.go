package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cperr "github.com/ayatsuji/collabpress/pkg/collabpress/errors"
	"github.com/ayatsuji/collabpress/pkg/collabpress/key"
	"github.com/ayatsuji/collabpress/pkg/collabpress/pipeline"
	"github.com/ayatsuji/collabpress/pkg/collabpress/postid"
	"github.com/ayatsuji/collabpress/pkg/collabpress/slug"
	"github.com/ayatsuji/collabpress/pkg/collabpress/store"
	"github.com/ayatsuji/collabpress/pkg/collabpress/vcs"
)

// fakePublisher is a stateful in-memory stand-in for the remote API:
// it remembers published paths and open pull requests the same way the
// real repository would.
type fakePublisher struct {
	mu        sync.Mutex
	published map[string]bool // slug -> path committed on base branch
	openPRs   map[string]bool // slug -> open pull request
	nextErr   error           // returned by the next Publish call
	publishes int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		published: make(map[string]bool),
		openPRs:   make(map[string]bool),
	}
}

func (f *fakePublisher) Publish(ctx context.Context, req vcs.Request) (*vcs.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, cperr.Network(err, "publish cancelled")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes++

	if f.nextErr != nil {
		err := f.nextErr
		f.nextErr = nil
		return nil, err
	}
	if f.published[req.Slug] {
		return nil, cperr.DuplicateSlug(req.Slug, "path already exists")
	}
	if f.openPRs[req.Slug] {
		return nil, cperr.DuplicateSlug(req.Slug, "open pull request exists")
	}

	f.openPRs[req.Slug] = true
	return &vcs.Result{
		Number:    f.publishes,
		URL:       "https://example.test/pull/1",
		Branch:    vcs.BranchPrefix(req.Slug) + "-20250101000000",
		CommitSHA: "c0ffee",
		Path:      vcs.ContentPath(req.Slug),
	}, nil
}

func (f *fakePublisher) HasOpenRequest(ctx context.Context, slug string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openPRs[slug], nil
}

func (f *fakePublisher) ContentExists(ctx context.Context, slug string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[slug], nil
}

// closePR simulates the pull request being closed without merge.
func (f *fakePublisher) closePR(slug string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.openPRs, slug)
}

// mergePR simulates the pull request being merged: it is no longer
// open and the content now sits on the base branch.
func (f *fakePublisher) mergePR(slug string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.openPRs, slug)
	f.published[slug] = true
}

// recordingNotifier captures completion notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (n *recordingNotifier) PublicationOpened(context.Context, *store.EventRecord, *vcs.Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return n.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvents(t *testing.T) (*store.EventStore, *store.MemoryStore) {
	t.Helper()

	dir := t.TempDir()
	dicts := map[slug.Kind]string{
		slug.KindWork:      "- name: 作品名\n  slug: sample-work\n",
		slug.KindStore:     "- name: 店舗名\n  slug: sample-store\n",
		slug.KindEventType: "- name: コラボカフェ\n  slug: collabo-cafe\n",
	}
	for kind, content := range dicts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, string(kind)+".yaml"), []byte(content), 0o644))
	}

	builder := key.NewBuilder(slug.NewResolver(dir, discardLogger()))
	ids, err := postid.NewGenerator()
	require.NoError(t, err)

	docs := store.NewMemoryStore()
	t.Cleanup(func() { docs.Close() })

	return store.NewEventStore(docs, builder, ids), docs
}

func sampleInput() pipeline.Input {
	return pipeline.Input{
		Identity: key.RawIdentity{
			WorkTitle:     "作品名",
			StoreName:     "店舗名",
			EventTypeName: "コラボカフェ",
			Year:          2025,
		},
		Title:   "作品名 × 店舗名 コラボカフェ",
		Content: []byte("# post body\n"),
	}
}

const sampleKey = "sample-work:sample-store:collabo-cafe:2025"

func TestProcessHappyPath(t *testing.T) {
	events, _ := testEvents(t)
	pub := newFakePublisher()
	notifier := &recordingNotifier{}

	orch := pipeline.New(events, pub, discardLogger(), pipeline.WithNotifier(notifier))

	outcome, err := orch.Process(context.Background(), sampleInput())
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.NotEmpty(t, outcome.RunID)
	assert.Equal(t, sampleKey, outcome.Record.CanonicalKey)
	assert.Equal(t, store.StatusGenerated, outcome.Record.Status)
	assert.Equal(t, vcs.ContentPath(outcome.Record.PostID), outcome.Publication.Path)
	assert.Equal(t, 1, notifier.calls)

	rec, err := events.Get(context.Background(), sampleKey)
	require.NoError(t, err)
	assert.Equal(t, store.StatusGenerated, rec.Status)
}

func TestProcessLifecycle(t *testing.T) {
	// First call publishes; second is rejected while the pull request
	// stays open; once it is closed a third call reprocesses the event.
	events, _ := testEvents(t)
	pub := newFakePublisher()
	orch := pipeline.New(events, pub, discardLogger())

	ctx := context.Background()

	first, err := orch.Process(ctx, sampleInput())
	require.NoError(t, err)
	assert.Equal(t, store.StatusGenerated, first.Record.Status)

	_, err = orch.Process(ctx, sampleInput())
	require.Error(t, err)
	assert.True(t, cperr.IsKind(err, cperr.KindDuplicateSlug))

	pub.closePR(first.Record.PostID)

	third, err := orch.Process(ctx, sampleInput())
	require.NoError(t, err)
	assert.Equal(t, store.StatusGenerated, third.Record.Status)
	assert.NotEqual(t, first.Record.PostID, third.Record.PostID,
		"reprocessing generates a fresh post id")
}

func TestProcessUnresolvableIdentity(t *testing.T) {
	events, _ := testEvents(t)
	orch := pipeline.New(events, newFakePublisher(), discardLogger())

	input := sampleInput()
	input.Identity.WorkTitle = "未知の作品"

	_, err := orch.Process(context.Background(), input)
	require.Error(t, err)
	assert.True(t, cperr.IsKind(err, cperr.KindValidation))
	assert.Contains(t, err.Error(), "未知の作品")
}

func TestProcessPublishFailureCompensates(t *testing.T) {
	tests := []struct {
		name       string
		publishErr error
		wantStatus store.Status
	}{
		{
			name:       "non-retryable failure marks failed",
			publishErr: cperr.New(cperr.KindAuth, "token rejected"),
			wantStatus: store.StatusFailed,
		},
		{
			name:       "retryable failure marks retryable",
			publishErr: cperr.RateLimit("quota exhausted", time.Minute),
			wantStatus: store.StatusRetryable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, _ := testEvents(t)
			pub := newFakePublisher()
			pub.nextErr = tt.publishErr
			orch := pipeline.New(events, pub, discardLogger())

			_, err := orch.Process(context.Background(), sampleInput())
			require.Error(t, err)
			assert.Equal(t, cperr.KindOf(tt.publishErr), cperr.KindOf(err),
				"the original classified error is re-raised unchanged")

			rec, err := events.Get(context.Background(), sampleKey)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.NotEmpty(t, rec.ErrorMessage)
		})
	}
}

func TestProcessDuplicateFromPublishDoesNotStayPending(t *testing.T) {
	// A remote collision hit by a record this run registered settles
	// that record as failed; pending never survives the call.
	events, _ := testEvents(t)
	pub := newFakePublisher()
	pub.nextErr = cperr.DuplicateSlug("somepostid", "path already exists")
	orch := pipeline.New(events, pub, discardLogger())

	_, err := orch.Process(context.Background(), sampleInput())
	require.Error(t, err)
	assert.True(t, cperr.IsKind(err, cperr.KindDuplicateSlug))

	rec, err := events.Get(context.Background(), sampleKey)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
}

func TestProcessMergedPublicationRejected(t *testing.T) {
	// Re-delivery after the pull request merged must not touch the
	// settled record: there is no open pull request anymore, but the
	// content on the base branch proves the publication succeeded.
	events, _ := testEvents(t)
	pub := newFakePublisher()
	orch := pipeline.New(events, pub, discardLogger())
	ctx := context.Background()

	first, err := orch.Process(ctx, sampleInput())
	require.NoError(t, err)
	assert.Equal(t, store.StatusGenerated, first.Record.Status)

	pub.mergePR(first.Record.PostID)

	_, err = orch.Process(ctx, sampleInput())
	require.Error(t, err)
	assert.True(t, cperr.IsKind(err, cperr.KindDuplicateSlug))

	rec, err := events.Get(ctx, sampleKey)
	require.NoError(t, err)
	assert.Equal(t, store.StatusGenerated, rec.Status)
	assert.Equal(t, first.Record.PostID, rec.PostID,
		"the settled record keeps its post id")
}

func TestProcessCancelledLeavesPendingForSweep(t *testing.T) {
	events, _ := testEvents(t)
	pub := newFakePublisher()
	orch := pipeline.New(events, pub, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// CheckDuplicate and Register ignore the cancelled context in the
	// memory backend; the publish call observes it.
	_, err := orch.Process(ctx, sampleInput())
	require.Error(t, err)

	rec, err := events.Get(context.Background(), sampleKey)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status, "no compensation write on cancellation")
}

func TestRegenerate(t *testing.T) {
	events, _ := testEvents(t)
	pub := newFakePublisher()
	orch := pipeline.New(events, pub, discardLogger())

	ctx := context.Background()

	outcome, err := orch.Process(ctx, sampleInput())
	require.NoError(t, err)

	// Open pull request blocks regeneration.
	err = orch.Regenerate(ctx, sampleKey)
	require.Error(t, err)
	assert.True(t, cperr.IsKind(err, cperr.KindDuplicateSlug))

	pub.closePR(outcome.Record.PostID)

	require.NoError(t, orch.Regenerate(ctx, sampleKey))
	_, err = events.Get(ctx, sampleKey)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Regenerating a missing record is a no-op.
	require.NoError(t, orch.Regenerate(ctx, sampleKey))
}

func TestRegenerateBlockedByMergedPublication(t *testing.T) {
	events, _ := testEvents(t)
	pub := newFakePublisher()
	orch := pipeline.New(events, pub, discardLogger())
	ctx := context.Background()

	outcome, err := orch.Process(ctx, sampleInput())
	require.NoError(t, err)

	pub.mergePR(outcome.Record.PostID)

	err = orch.Regenerate(ctx, sampleKey)
	require.Error(t, err)
	assert.True(t, cperr.IsKind(err, cperr.KindDuplicateSlug))

	rec, err := events.Get(ctx, sampleKey)
	require.NoError(t, err)
	assert.Equal(t, store.StatusGenerated, rec.Status)
}

func TestSweepPending(t *testing.T) {
	events, docs := testEvents(t)
	pub := newFakePublisher()
	orch := pipeline.New(events, pub, discardLogger())

	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	// A stale pending record whose publication went through.
	settled := &store.EventRecord{
		CanonicalKey: "work-a:store-a:collabo-cafe:2025",
		PostID:       "posta00000",
		Status:       store.StatusPending,
		CreatedAt:    old,
		UpdatedAt:    old,
	}
	require.NoError(t, docs.Create(ctx, settled))
	pub.openPRs["posta00000"] = true

	// A stale pending record with no publication.
	requeued := &store.EventRecord{
		CanonicalKey: "work-b:store-b:collabo-cafe:2025",
		PostID:       "postb00000",
		Status:       store.StatusPending,
		CreatedAt:    old,
		UpdatedAt:    old,
	}
	require.NoError(t, docs.Create(ctx, requeued))

	// A stale pending record whose pull request already merged.
	merged := &store.EventRecord{
		CanonicalKey: "work-d:store-d:collabo-cafe:2025",
		PostID:       "postd00000",
		Status:       store.StatusPending,
		CreatedAt:    old,
		UpdatedAt:    old,
	}
	require.NoError(t, docs.Create(ctx, merged))
	pub.published["postd00000"] = true

	// A fresh pending record that may belong to an in-flight run.
	fresh := &store.EventRecord{
		CanonicalKey: "work-c:store-c:collabo-cafe:2025",
		PostID:       "postc00000",
		Status:       store.StatusPending,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	require.NoError(t, docs.Create(ctx, fresh))

	report, err := orch.SweepPending(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Examined)
	assert.Equal(t, 2, report.Settled)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 1, report.Skipped)

	got, err := events.Get(ctx, settled.CanonicalKey)
	require.NoError(t, err)
	assert.Equal(t, store.StatusGenerated, got.Status)

	got, err = events.Get(ctx, requeued.CanonicalKey)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRetryable, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	got, err = events.Get(ctx, merged.CanonicalKey)
	require.NoError(t, err)
	assert.Equal(t, store.StatusGenerated, got.Status)

	got, err = events.Get(ctx, fresh.CanonicalKey)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
}

func TestNotifierFailureDoesNotFailRun(t *testing.T) {
	events, _ := testEvents(t)
	notifier := &recordingNotifier{err: cperr.New(cperr.KindNetwork, "webhook down")}
	orch := pipeline.New(events, newFakePublisher(), discardLogger(),
		pipeline.WithNotifier(notifier))

	outcome, err := orch.Process(context.Background(), sampleInput())
	require.NoError(t, err)
	assert.Equal(t, store.StatusGenerated, outcome.Record.Status)
	assert.Equal(t, 1, notifier.calls)
}

func TestProcessRejectsWhilePullRequestOpen(t *testing.T) {
	// The open-PR guard fires for records in any status, including a
	// failed one whose publication attempt still left a pull request.
	events, docs := testEvents(t)
	pub := newFakePublisher()
	orch := pipeline.New(events, pub, discardLogger())

	ctx := context.Background()
	rec := &store.EventRecord{
		CanonicalKey: sampleKey,
		PostID:       "oldpost000",
		Status:       store.StatusFailed,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	require.NoError(t, docs.Create(ctx, rec))
	pub.openPRs["oldpost000"] = true

	_, err := orch.Process(ctx, sampleInput())
	require.Error(t, err)
	assert.True(t, cperr.IsKind(err, cperr.KindDuplicateSlug))
	assert.True(t, strings.Contains(err.Error(), sampleKey))
}
