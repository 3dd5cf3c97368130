// Package observability provides production-grade observability for the
// collabpress pipeline: structured logging, metrics, and distributed
// tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds pipeline context to a logger.
// Returns a new logger with run_id and canonical_key fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "run-123", "work:store:cafe:2025")
//	enriched.Info("doing work") // includes run_id, canonical_key
func EnrichLogger(logger *slog.Logger, runID, canonicalKey string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("canonical_key", canonicalKey),
	)
}

// LogRunStart logs the start of a pipeline run.
func LogRunStart(logger *slog.Logger, runID, canonicalKey string) {
	if logger == nil {
		return
	}
	logger.Info("pipeline run starting",
		slog.String("run_id", runID),
		slog.String("canonical_key", canonicalKey),
	)
}

// LogRunComplete logs successful pipeline run completion.
func LogRunComplete(logger *slog.Logger, runID string, durationMs float64, prNumber int) {
	if logger == nil {
		return
	}
	logger.Info("pipeline run completed",
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("pr_number", prNumber),
	)
}

// LogRunError logs pipeline run failure.
func LogRunError(logger *slog.Logger, runID string, err error, durationMs float64, stage string) {
	if logger == nil {
		return
	}
	logger.Error("pipeline run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("stage", stage),
	)
}

// LogStageStart logs pipeline stage start.
func LogStageStart(logger *slog.Logger, stage string) {
	if logger == nil {
		return
	}
	logger.Debug("stage starting",
		slog.String("stage", stage),
	)
}

// LogStageComplete logs successful stage completion.
func LogStageComplete(logger *slog.Logger, stage string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("stage completed",
		slog.String("stage", stage),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDuplicate logs that a run was skipped because the event is
// already recorded or published.
func LogDuplicate(logger *slog.Logger, canonicalKey, reason string) {
	if logger == nil {
		return
	}
	logger.Info("duplicate event skipped",
		slog.String("canonical_key", canonicalKey),
		slog.String("reason", reason),
	)
}

// LogCompensation logs a compensating status write after a failed
// publication (non-fatal when the write itself fails).
func LogCompensation(logger *slog.Logger, canonicalKey string, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("compensating status write failed",
			slog.String("canonical_key", canonicalKey),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("event marked failed",
		slog.String("canonical_key", canonicalKey),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
