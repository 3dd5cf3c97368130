package store

import (
	"context"
	"fmt"
	"time"

	cperr "github.com/ayatsuji/collabpress/pkg/collabpress/errors"
	"github.com/ayatsuji/collabpress/pkg/collabpress/key"
	"github.com/ayatsuji/collabpress/pkg/collabpress/postid"
)

// DocStore persists event records keyed by canonical key.
// Implementations must be safe for concurrent use.
type DocStore interface {
	// Get retrieves the record for a key.
	// Returns ErrNotFound if no record exists.
	Get(ctx context.Context, canonicalKey string) (*EventRecord, error)

	// Create writes a new record. Returns ErrRecordExists if a record
	// already exists for the key; it never overwrites.
	Create(ctx context.Context, rec *EventRecord) error

	// Update replaces the record for rec.CanonicalKey.
	// Returns ErrNotFound if no record exists.
	Update(ctx context.Context, rec *EventRecord) error

	// Delete removes the record. Returns nil if no record exists.
	Delete(ctx context.Context, canonicalKey string) error

	// ListByStatus returns all records with the given status,
	// ordered by creation time.
	ListByStatus(ctx context.Context, status Status) ([]*EventRecord, error)

	// Close releases any resources (connections, files).
	Close() error
}

// DuplicateCheck is the result of a duplicate probe.
type DuplicateCheck struct {
	CanonicalKey   string
	IsDuplicate    bool
	ExistingRecord *EventRecord
}

// EventStore composes slug resolution, key building, and ID generation
// on top of a DocStore, exposing the deduplication operations the
// orchestrator drives.
type EventStore struct {
	docs DocStore
	keys *key.Builder
	ids  *postid.Generator
	now  func() time.Time
}

// NewEventStore creates an EventStore.
func NewEventStore(docs DocStore, keys *key.Builder, ids *postid.Generator) *EventStore {
	return &EventStore{
		docs: docs,
		keys: keys,
		ids:  ids,
		now:  time.Now,
	}
}

// WithClock overrides the wall clock, for tests.
func (s *EventStore) WithClock(now func() time.Time) *EventStore {
	s.now = now
	return s
}

// CheckDuplicate resolves the identity and reports whether a record
// already exists for its canonical key, regardless of status.
func (s *EventStore) CheckDuplicate(ctx context.Context, raw key.RawIdentity) (DuplicateCheck, error) {
	canonicalKey, err := s.keys.KeyFromRaw(ctx, raw)
	if err != nil {
		return DuplicateCheck{}, err
	}

	rec, err := s.docs.Get(ctx, canonicalKey)
	switch {
	case err == nil:
		return DuplicateCheck{CanonicalKey: canonicalKey, IsDuplicate: true, ExistingRecord: rec}, nil
	case err == ErrNotFound:
		return DuplicateCheck{CanonicalKey: canonicalKey}, nil
	default:
		return DuplicateCheck{}, fmt.Errorf("check duplicate %s: %w", canonicalKey, err)
	}
}

// Register writes a new pending record for the identity. Duplicate
// detection is the caller's responsibility, performed immediately
// before; an existing record fails the call with a duplicate error,
// never a silent overwrite.
func (s *EventStore) Register(ctx context.Context, raw key.RawIdentity) (*EventRecord, error) {
	components, err := s.keys.FromRaw(ctx, raw)
	if err != nil {
		return nil, err
	}
	canonicalKey, err := key.Build(components)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rec := &EventRecord{
		CanonicalKey: canonicalKey,
		WorkSlug:     components.WorkSlug,
		StoreSlug:    components.StoreSlug,
		EventType:    components.EventType,
		Year:         components.Year,
		PostID:       s.ids.Generate(),
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.docs.Create(ctx, rec); err != nil {
		if err == ErrRecordExists {
			return nil, cperr.DuplicateSlug(canonicalKey,
				fmt.Sprintf("record already registered for %s", canonicalKey))
		}
		return nil, fmt.Errorf("register %s: %w", canonicalKey, err)
	}
	return rec, nil
}

// UpdateStatus transitions the record to the given status. Re-applying
// the same terminal status is a no-op, not an error. A non-empty
// errorMessage is recorded alongside failed transitions.
func (s *EventStore) UpdateStatus(ctx context.Context, canonicalKey string, status Status, errorMessage string) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}

	rec, err := s.docs.Get(ctx, canonicalKey)
	if err != nil {
		return fmt.Errorf("update status %s: %w", canonicalKey, err)
	}

	if rec.Status == status && status.Terminal() {
		return nil
	}

	rec.Status = status
	rec.UpdatedAt = s.now().UTC()
	if errorMessage != "" {
		rec.ErrorMessage = errorMessage
	}
	if status == StatusRetryable {
		rec.RetryCount++
	}

	if err := s.docs.Update(ctx, rec); err != nil {
		return fmt.Errorf("update status %s: %w", canonicalKey, err)
	}
	return nil
}

// Delete removes the record for the key, permitting controlled
// regeneration. Callers confirm the associated publication was
// abandoned before deleting.
func (s *EventStore) Delete(ctx context.Context, canonicalKey string) error {
	if err := s.docs.Delete(ctx, canonicalKey); err != nil {
		return fmt.Errorf("delete %s: %w", canonicalKey, err)
	}
	return nil
}

// Get retrieves the record for a canonical key.
func (s *EventStore) Get(ctx context.Context, canonicalKey string) (*EventRecord, error) {
	return s.docs.Get(ctx, canonicalKey)
}

// QueryByStatus lists records in the given status, for operational
// inspection and reconciliation sweeps.
func (s *EventStore) QueryByStatus(ctx context.Context, status Status) ([]*EventRecord, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	return s.docs.ListByStatus(ctx, status)
}
