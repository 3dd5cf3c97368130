package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/ayatsuji/collabpress/pkg/collabpress/store"
)

// DefaultSweepAge is the minimum record age before a sweep touches it.
// Younger pending records may belong to an in-flight run.
const DefaultSweepAge = 10 * time.Minute

// SweepReport summarizes one reconciliation pass over pending records.
type SweepReport struct {
	Examined int
	// Settled counts pending records whose publication turned out to
	// exist and were marked generated.
	Settled int
	// Requeued counts pending records with no publication, marked
	// retryable for a later run.
	Requeued int
	Skipped  int
}

// SweepPending reconciles records stuck in pending, typically left by
// a cancelled or crashed run. A pending record with an open pull
// request, or whose content already merged to the base branch, had its
// publish succeed and is settled to generated; one with neither is
// marked retryable. Records younger than olderThan are skipped.
//
// Per-record failures are logged and the sweep continues; only listing
// failures abort the pass.
func (o *Orchestrator) SweepPending(ctx context.Context, olderThan time.Duration) (SweepReport, error) {
	if olderThan <= 0 {
		olderThan = DefaultSweepAge
	}

	records, err := o.events.QueryByStatus(ctx, store.StatusPending)
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	cutoff := time.Now().UTC().Add(-olderThan)

	for _, rec := range records {
		report.Examined++
		if rec.CreatedAt.After(cutoff) {
			report.Skipped++
			continue
		}

		logger := o.logger.With(
			slog.String("canonical_key", rec.CanonicalKey),
			slog.String("post_id", rec.PostID),
		)

		published, err := o.publisher.HasOpenRequest(ctx, rec.PostID)
		if err != nil {
			logger.Warn("sweep could not probe pull requests",
				slog.String("error", err.Error()),
			)
			report.Skipped++
			continue
		}
		if !published {
			published, err = o.publisher.ContentExists(ctx, rec.PostID)
			if err != nil {
				logger.Warn("sweep could not probe published content",
					slog.String("error", err.Error()),
				)
				report.Skipped++
				continue
			}
		}

		status := store.StatusRetryable
		message := "no publication found by reconciliation sweep"
		if published {
			status = store.StatusGenerated
			message = ""
		}

		if err := o.events.UpdateStatus(ctx, rec.CanonicalKey, status, message); err != nil {
			logger.Warn("sweep status write failed",
				slog.String("error", err.Error()),
			)
			report.Skipped++
			continue
		}

		if published {
			report.Settled++
			logger.Info("stale pending record settled to generated")
		} else {
			report.Requeued++
			logger.Info("stale pending record marked retryable")
		}
	}

	return report, nil
}
