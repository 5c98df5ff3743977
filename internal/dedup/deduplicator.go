// Package dedup marks duplicate studies within a review so they drop out of screening.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/observability"
	"github.com/helixir/prisma-review-service/internal/repository"
)

// keyPrefixRunes is how much of the title and of the abstract goes into a
// title_abstract key.
const keyPrefixRunes = 100

// Deduplicator finds duplicate studies among those still in status identified and
// excludes every occurrence after the first.
type Deduplicator struct {
	tx      repository.TxRunner
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// New creates a Deduplicator. metrics may be nil.
func New(tx repository.TxRunner, metrics *observability.Metrics, logger zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		tx:      tx,
		metrics: metrics,
		logger:  observability.WithComponent(logger, "deduplicator"),
	}
}

// Deduplicate marks the duplicates of a review and returns how many it marked.
//
// Only studies in status identified take part, in store order; the first study of
// each collision group is kept and the rest move to screened_excluded with the
// screening note domain.DuplicateNote. Everything happens in one transaction that
// holds an advisory lock on the review, so a concurrent run waits and then finds
// nothing left to mark. Running it twice therefore returns 0 the second time.
func (d *Deduplicator) Deduplicate(ctx context.Context, reviewID int64, method domain.DedupMethod) (int, error) {
	method, err := domain.ParseDedupMethod(string(method))
	if err != nil {
		return 0, err
	}

	start := time.Now()
	logger := observability.WithReviewContext(d.logger, reviewID)

	var marked int
	err = d.tx.InTx(ctx, func(s repository.Store) error {
		if _, err := s.Reviews.Get(ctx, reviewID); err != nil {
			return err
		}
		if err := s.Studies.LockReview(ctx, reviewID); err != nil {
			return err
		}

		identified := domain.StudyStatusIdentified
		studies, err := s.Studies.List(ctx, reviewID, &identified)
		if err != nil {
			return fmt.Errorf("failed to load identified studies: %w", err)
		}

		dups := FindDuplicates(studies, method)
		if len(dups) == 0 {
			return nil
		}

		marked, err = s.Studies.MarkDuplicates(ctx, dups, domain.DuplicateNote)
		if err != nil {
			return err
		}
		return s.Reviews.Touch(ctx, reviewID)
	})
	if err != nil {
		return 0, fmt.Errorf("deduplicate review %d: %w", reviewID, err)
	}

	if d.metrics != nil {
		d.metrics.RecordDuplicates(string(method), marked)
	}
	logger.Info().
		Str("method", string(method)).
		Int("duplicates", marked).
		Dur("duration", time.Since(start)).
		Msg("deduplication finished")

	return marked, nil
}

// FindDuplicates returns the ids of studies whose key was already seen earlier in
// studies. Studies without a key never collide.
func FindDuplicates(studies []domain.Study, method domain.DedupMethod) []int64 {
	seen := make(map[string]struct{}, len(studies))
	var dups []int64

	for _, s := range studies {
		key, ok := Key(s, method)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			dups = append(dups, s.ID)
			continue
		}
		seen[key] = struct{}{}
	}

	return dups
}

// Key returns the collision key of a study under method, and false when the study
// has no key (an external_id study without an external id).
func Key(s domain.Study, method domain.DedupMethod) (string, bool) {
	switch method {
	case domain.DedupMethodExternalID:
		if s.ExternalID == "" {
			return "", false
		}
		return s.ExternalID, true
	case domain.DedupMethodTitleAbstract:
		return prefix(strings.ToLower(s.Title)) + "_" + prefix(strings.ToLower(s.Abstract)), true
	}
	return "", false
}

// prefix returns the first keyPrefixRunes runes of s.
func prefix(s string) string {
	n := 0
	for i := range s {
		if n == keyPrefixRunes {
			return s[:i]
		}
		n++
	}
	return s
}
