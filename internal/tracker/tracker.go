// Package tracker moves studies through the PRISMA stages and derives the
// flow-diagram statistics of a review.
package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helixir/prisma-review-service/internal/config"
	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/observability"
	"github.com/helixir/prisma-review-service/internal/repository"
)

// Transition describes an applied status change.
type Transition struct {
	StudyID  int64
	ReviewID int64
	From     domain.StudyStatus
	To       domain.StudyStatus
	// Suspect is set when the change does not follow the PRISMA stage graph.
	Suspect bool
}

// Tracker applies study status changes and computes review statistics.
type Tracker struct {
	tx      repository.TxRunner
	strict  bool
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// New creates a Tracker. cfg.Mode selects permissive or strict transition
// checking; anything but "strict" is permissive. metrics may be nil.
func New(tx repository.TxRunner, cfg config.TrackerConfig, metrics *observability.Metrics, logger zerolog.Logger) *Tracker {
	return &Tracker{
		tx:      tx,
		strict:  strings.EqualFold(cfg.Mode, config.TrackerModeStrict),
		metrics: metrics,
		logger:  observability.WithComponent(logger, "tracker"),
	}
}

// Advance sets the status of a study. Notes go to screening_notes for the
// screened_* statuses, to eligibility_notes for eligible and not_eligible, and
// are dropped for the others.
//
// A change outside the stage graph is applied with a warning in permissive mode
// and rejected with a *domain.TransitionError in strict mode.
func (t *Tracker) Advance(ctx context.Context, studyID int64, status domain.StudyStatus, notes string) (Transition, error) {
	if !status.IsValid() {
		return Transition{}, domain.NewValidationError("status", fmt.Sprintf("unknown study status: %q", status))
	}

	var (
		tr         Transition
		externalID string
	)
	err := t.tx.InTx(ctx, func(s repository.Store) error {
		study, err := s.Studies.Get(ctx, studyID)
		if err != nil {
			return err
		}
		if err := s.Studies.LockReview(ctx, study.ReviewID); err != nil {
			return err
		}
		// Re-read under the lock so a concurrent dedup run cannot slip in between.
		study, err = s.Studies.Get(ctx, studyID)
		if err != nil {
			return err
		}

		externalID = study.ExternalID
		tr = Transition{
			StudyID:  studyID,
			ReviewID: study.ReviewID,
			From:     study.Status,
			To:       status,
			Suspect:  !study.Status.CanTransitionTo(status),
		}
		if tr.Suspect && t.strict {
			return &domain.TransitionError{StudyID: studyID, From: study.Status, To: status}
		}

		return s.Studies.UpdateStatus(ctx, studyID, status, notes)
	})
	if err != nil {
		if tr.Suspect && t.strict && t.metrics != nil {
			t.metrics.RecordTransitionRejected()
		}
		return Transition{}, fmt.Errorf("advance study %d: %w", studyID, err)
	}

	logger := observability.WithStudyContext(observability.WithReviewContext(t.logger, tr.ReviewID), studyID, externalID)
	if tr.Suspect {
		logger.Warn().
			Str("from", string(tr.From)).
			Str("to", string(tr.To)).
			Msg("study moved outside the PRISMA stage graph")
	} else {
		logger.Debug().
			Str("from", string(tr.From)).
			Str("to", string(tr.To)).
			Msg("study status changed")
	}
	if t.metrics != nil {
		t.metrics.RecordTransition(string(status), tr.Suspect)
	}

	return tr, nil
}

// Stats computes the PRISMA flow-diagram statistics of a review from a single
// consistent snapshot. Negative pending values are returned as they are and
// logged as data-integrity warnings.
func (t *Tracker) Stats(ctx context.Context, reviewID int64) (domain.PrismaStats, error) {
	var counts map[domain.StudyStatus]int
	err := t.tx.InSnapshot(ctx, func(s repository.Store) error {
		if _, err := s.Reviews.Get(ctx, reviewID); err != nil {
			return err
		}
		var err error
		counts, err = s.Studies.CountByStatus(ctx, reviewID)
		return err
	})
	if err != nil {
		return domain.PrismaStats{}, fmt.Errorf("statistics of review %d: %w", reviewID, err)
	}

	stats := domain.NewPrismaStats(counts)
	if anomalies := stats.Anomalies(); len(anomalies) > 0 {
		logger := observability.WithReviewContext(t.logger, reviewID)
		logger.Warn().
			Strs("anomalies", anomalies).
			Msg("inconsistent PRISMA statistics")
		if t.metrics != nil {
			t.metrics.RecordStatsAnomaly()
		}
	}

	return stats, nil
}
