package repository

import (
	"context"

	"github.com/helixir/prisma-review-service/internal/domain"
)

// ReviewRepository handles systematic review persistence.
// Reviews are never hard-deleted.
type ReviewRepository interface {
	// Create inserts a review in status identification with the default config
	// and returns the assigned id.
	// Returns domain.ErrInvalidInput if owner, title or question is empty.
	Create(ctx context.Context, review domain.NewReview) (int64, error)

	// ListByOwner returns the owner's reviews, most recently updated first (ties by id desc).
	ListByOwner(ctx context.Context, owner string) ([]domain.ReviewSummary, error)

	// Get retrieves a review by id.
	// Returns domain.ErrNotFound if no matching review exists.
	Get(ctx context.Context, id int64) (*domain.Review, error)

	// UpdateStatus sets the review stage label and refreshes updated_at.
	// Returns domain.ErrNotFound if no matching review exists.
	UpdateStatus(ctx context.Context, id int64, status domain.ReviewStatus) error

	// UpdateSearchStrategy stores the search strategy text and refreshes updated_at.
	// Returns domain.ErrNotFound if no matching review exists.
	UpdateSearchStrategy(ctx context.Context, id int64, strategy string) error

	// Touch refreshes updated_at after a mutation of the review's studies.
	// Returns domain.ErrNotFound if no matching review exists.
	Touch(ctx context.Context, id int64) error
}
