// Package store persists one EventRecord per canonical key and exposes
// the deduplication operations built on top of that document.
package store

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an event record.
type Status string

// Record lifecycle statuses.
const (
	// StatusPending is set before any external publish side effect.
	StatusPending Status = "pending"

	// StatusGenerated is set only after the remote publish succeeded.
	StatusGenerated Status = "generated"

	// StatusFailed is set on an unrecoverable publish error.
	StatusFailed Status = "failed"

	// StatusRetryable marks a record a reconciliation sweep may retry.
	StatusRetryable Status = "retryable"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusGenerated, StatusFailed, StatusRetryable:
		return true
	}
	return false
}

// Terminal reports whether s ends the record lifecycle.
func (s Status) Terminal() bool {
	return s == StatusGenerated || s == StatusFailed
}

// EventRecord is the persisted document describing one canonical-key
// event. The document ID is the canonical key; at most one record
// exists per key at any time. The JSON field names are a contract other
// tooling reads directly.
type EventRecord struct {
	CanonicalKey string    `json:"canonicalKey"`
	WorkSlug     string    `json:"workSlug"`
	StoreSlug    string    `json:"storeSlug"`
	EventType    string    `json:"eventType"`
	Year         int       `json:"year"`
	PostID       string    `json:"postId"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	RetryCount   int       `json:"retryCount,omitempty"`
}

// Sentinel errors for document operations.
var (
	// ErrNotFound indicates no record exists for the key.
	ErrNotFound = errors.New("event record not found")

	// ErrRecordExists indicates a record already exists for the key.
	// Create never overwrites.
	ErrRecordExists = errors.New("event record already exists")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store is closed")
)
