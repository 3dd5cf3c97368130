// Package errors provides the closed error taxonomy shared by every
// collabpress component.
//
// The package implements a layered error handling approach:
//   - Classification: every failure crossing a component boundary carries
//     a Kind, an HTTP-equivalent status, and a retryability flag
//   - Retry: transient kinds are retried with bounded exponential backoff,
//     honoring server-provided wait times
//
// Callers switch on Kind, never on concrete types from transport libraries.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// KindRateLimit indicates the remote API exhausted its quota or
	// triggered abuse detection. Retry after the server-provided wait.
	KindRateLimit Kind = iota

	// KindDuplicateSlug indicates the event was already published: a file
	// path collision, an open pull request, or an existing dedup record.
	KindDuplicateSlug

	// KindBranchConflict indicates the branch name already existed at
	// creation time. Retry with a fresh disambiguating suffix.
	KindBranchConflict

	// KindAuth indicates invalid or insufficient credentials.
	KindAuth

	// KindNetwork indicates a transport-level failure: timeout, DNS,
	// connection reset.
	KindNetwork

	// KindValidation indicates the caller supplied input that cannot be
	// processed (unresolvable name, malformed key, missing field).
	KindValidation

	// KindInternal covers failures with no more specific classification.
	KindInternal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindDuplicateSlug:
		return "duplicate_slug"
	case KindBranchConflict:
		return "branch_conflict"
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindValidation:
		return "validation"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// HTTPStatus returns the HTTP-equivalent status for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindDuplicateSlug:
		return http.StatusConflict
	case KindBranchConflict:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusUnauthorized
	case KindNetwork:
		return http.StatusServiceUnavailable
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether failures of this kind are worth retrying.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindBranchConflict, KindNetwork:
		return true
	default:
		return false
	}
}

// Error is a classified pipeline failure.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Message describes what went wrong, including the offending input.
	Message string

	// Err is the underlying cause, if any.
	Err error

	// RetryAfter is the server-provided wait before retrying.
	// Only set for rate-limit errors.
	RetryAfter time.Duration

	// Slug is the content slug involved, for duplicate and branch errors.
	Slug string

	// Branch is the attempted branch name, for branch conflict errors.
	Branch string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error should be retried.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// HTTPStatus returns the HTTP-equivalent status of the error.
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around an underlying cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// RateLimit creates a rate-limit error with the server-provided wait.
func RateLimit(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Message: message, RetryAfter: retryAfter}
}

// DuplicateSlug creates a duplicate error naming the colliding slug.
func DuplicateSlug(slug, message string) *Error {
	return &Error{Kind: KindDuplicateSlug, Message: message, Slug: slug}
}

// BranchConflict creates a retryable branch-name conflict error.
func BranchConflict(branch string) *Error {
	return &Error{
		Kind:    KindBranchConflict,
		Message: fmt.Sprintf("branch %q already exists", branch),
		Branch:  branch,
	}
}

// Network wraps a transport-level failure.
func Network(err error, context string) *Error {
	return &Error{Kind: KindNetwork, Message: context, Err: err}
}

// KindOf returns the classification of err, or KindInternal for
// unclassified errors. A nil error has no kind; callers must check for
// nil before classifying.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetryable reports whether the error should be retried.
// Unclassified errors are not retryable (fail safe).
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// HTTPStatusOf returns the HTTP-equivalent status for err.
// Unclassified errors map to 500.
func HTTPStatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// RetryAfterOf returns the server-provided wait attached to err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
