package repository

import (
	"context"

	"github.com/helixir/prisma-review-service/internal/domain"
)

// StudyRepository handles persistence of the studies that belong to a review.
// Studies are never deleted; duplicates are marked, not removed.
type StudyRepository interface {
	// InsertBatch inserts candidates in status identified and returns how many rows
	// were written. Candidates are normalized first, so a missing title is stored as
	// domain.PlaceholderTitle. Intended to run inside a caller-managed transaction.
	// Returns domain.ErrNotFound if the review does not exist.
	InsertBatch(ctx context.Context, reviewID int64, candidates []domain.Candidate) (int, error)

	// ExternalIDs returns the set of non-empty external ids stored for the review.
	ExternalIDs(ctx context.Context, reviewID int64) (map[string]struct{}, error)

	// List returns the review's studies in store order, optionally filtered by status.
	List(ctx context.Context, reviewID int64, status *domain.StudyStatus) ([]domain.Study, error)

	// Get retrieves a study by id.
	// Returns domain.ErrNotFound if no matching study exists.
	Get(ctx context.Context, id int64) (*domain.Study, error)

	// UpdateStatus sets the study status. Notes are written to the column that belongs
	// to the target status (see domain.StudyStatus.NotesColumn) and ignored otherwise.
	// Returns domain.ErrNotFound if no matching study exists.
	UpdateStatus(ctx context.Context, id int64, status domain.StudyStatus, notes string) error

	// MarkDuplicates moves the given studies to screened_excluded with note as the
	// screening note and returns how many rows changed. Only studies still in
	// identified are changed.
	MarkDuplicates(ctx context.Context, ids []int64, note string) (int, error)

	// CountByStatus returns the number of studies per status for the review.
	// Statuses without studies are absent from the map.
	CountByStatus(ctx context.Context, reviewID int64) (map[domain.StudyStatus]int, error)

	// Count returns the number of studies in the given status for the review.
	Count(ctx context.Context, reviewID int64, status domain.StudyStatus) (int, error)

	// LockReview takes a transaction-scoped advisory lock keyed on the review id.
	// Only meaningful inside a transaction.
	LockReview(ctx context.Context, reviewID int64) error
}
