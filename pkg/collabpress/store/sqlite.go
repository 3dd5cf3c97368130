package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists event records to SQLite.
// It is suitable for single-process production use.
//
// Records are stored as JSON documents keyed by canonical key, with the
// status and creation time denormalized into columns for querying.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite document store.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS event_records (
			canonical_key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			document BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_event_records_status
		ON event_records(status)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get implements DocStore.
func (s *SQLiteStore) Get(ctx context.Context, canonicalKey string) (*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var doc []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT document FROM event_records
		WHERE canonical_key = ?
	`, canonicalKey).Scan(&doc)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec EventRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// Create implements DocStore. The plain INSERT against the primary key
// makes create-if-not-exists atomic; a conflict maps to ErrRecordExists.
func (s *SQLiteStore) Create(ctx context.Context, rec *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	// ON CONFLICT DO NOTHING keeps the insert atomic; zero rows
	// affected means a record already held the key.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_records (canonical_key, status, created_at, document)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(canonical_key) DO NOTHING
	`, rec.CanonicalKey, string(rec.Status), rec.CreatedAt.UTC().Format(timeLayout), doc)
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	if n == 0 {
		return ErrRecordExists
	}
	return nil
}

// Update implements DocStore.
func (s *SQLiteStore) Update(ctx context.Context, rec *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE event_records
		SET status = ?, document = ?
		WHERE canonical_key = ?
	`, string(rec.Status), doc, rec.CanonicalKey)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete implements DocStore.
func (s *SQLiteStore) Delete(ctx context.Context, canonicalKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM event_records WHERE canonical_key = ?
	`, canonicalKey)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ListByStatus implements DocStore.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM event_records
		WHERE status = ?
		ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec EventRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return out, nil
}

// Close implements DocStore.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// timeLayout is the column format for created_at, chosen so string
// ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
