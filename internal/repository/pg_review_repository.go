package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/helixir/prisma-review-service/internal/domain"
)

// Compile-time interface verification.
var _ ReviewRepository = (*PgReviewRepository)(nil)

const reviewColumns = `id, owner, title, question, status, config, search_strategy,
			inclusion_criteria, exclusion_criteria, created_at, updated_at`

// PgReviewRepository is a PostgreSQL implementation of ReviewRepository.
type PgReviewRepository struct {
	db DBTX
}

// NewPgReviewRepository creates a new PostgreSQL review repository.
func NewPgReviewRepository(db DBTX) *PgReviewRepository {
	return &PgReviewRepository{db: db}
}

// Create inserts a new review and returns its id.
func (r *PgReviewRepository) Create(ctx context.Context, review domain.NewReview) (int64, error) {
	if err := review.Validate(); err != nil {
		return 0, err
	}

	configJSON, err := json.Marshal(domain.DefaultReviewConfig())
	if err != nil {
		return 0, fmt.Errorf("failed to marshal config: %w", err)
	}
	inclusionJSON, err := marshalCriteria(review.InclusionCriteria)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal inclusion criteria: %w", err)
	}
	exclusionJSON, err := marshalCriteria(review.ExclusionCriteria)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal exclusion criteria: %w", err)
	}

	query := `
		INSERT INTO prisma_reviews (
			owner, title, question, status, config,
			inclusion_criteria, exclusion_criteria
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	err = r.db.QueryRow(ctx, query,
		review.Owner, review.Title, review.Question, domain.ReviewStatusIdentification, configJSON,
		inclusionJSON, exclusionJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create review: %w", err)
	}

	return id, nil
}

// ListByOwner returns the owner's reviews ordered by last update.
func (r *PgReviewRepository) ListByOwner(ctx context.Context, owner string) ([]domain.ReviewSummary, error) {
	query := `
		SELECT id, title, question, status, created_at, updated_at
		FROM prisma_reviews
		WHERE owner = $1
		ORDER BY updated_at DESC, id DESC`

	rows, err := r.db.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	reviews := make([]domain.ReviewSummary, 0)
	for rows.Next() {
		var s domain.ReviewSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.Question, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		reviews = append(reviews, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reviews: %w", err)
	}

	return reviews, nil
}

// Get retrieves a review by id.
func (r *PgReviewRepository) Get(ctx context.Context, id int64) (*domain.Review, error) {
	query := `SELECT ` + reviewColumns + `
		FROM prisma_reviews
		WHERE id = $1`

	var dest reviewScanDest
	if err := r.db.QueryRow(ctx, query, id).Scan(dest.destinations()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("review", strconv.FormatInt(id, 10))
		}
		return nil, fmt.Errorf("failed to get review: %w", err)
	}

	return dest.finalize()
}

// UpdateStatus sets the review stage label.
func (r *PgReviewRepository) UpdateStatus(ctx context.Context, id int64, status domain.ReviewStatus) error {
	if !status.IsValid() {
		return domain.NewValidationError("status", fmt.Sprintf("unknown review status %q", status))
	}

	query := `
		UPDATE prisma_reviews
		SET status = $1, updated_at = now()
		WHERE id = $2`

	return r.execOne(ctx, "update review status", query, status, id)
}

// UpdateSearchStrategy stores the search strategy text.
func (r *PgReviewRepository) UpdateSearchStrategy(ctx context.Context, id int64, strategy string) error {
	query := `
		UPDATE prisma_reviews
		SET search_strategy = $1, updated_at = now()
		WHERE id = $2`

	return r.execOne(ctx, "update search strategy", query, strategy, id)
}

// Touch refreshes updated_at.
func (r *PgReviewRepository) Touch(ctx context.Context, id int64) error {
	query := `UPDATE prisma_reviews SET updated_at = now() WHERE id = $1`

	return r.execOne(ctx, "touch review", query, id)
}

// execOne runs an UPDATE that must affect the review row and maps zero rows to NotFound.
func (r *PgReviewRepository) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("review", fmt.Sprint(args[len(args)-1]))
	}

	return nil
}

// reviewScanDest holds the destination pointers for scanning a review row.
type reviewScanDest struct {
	review        domain.Review
	configJSON    []byte
	inclusionJSON []byte
	exclusionJSON []byte
}

// destinations returns the slice of pointers for Scan, in reviewColumns order.
func (d *reviewScanDest) destinations() []interface{} {
	return []interface{}{
		&d.review.ID, &d.review.Owner, &d.review.Title, &d.review.Question, &d.review.Status,
		&d.configJSON, &d.review.SearchStrategy,
		&d.inclusionJSON, &d.exclusionJSON, &d.review.CreatedAt, &d.review.UpdatedAt,
	}
}

// finalize unmarshals the JSONB columns.
func (d *reviewScanDest) finalize() (*domain.Review, error) {
	d.review.Config = domain.DefaultReviewConfig()
	if len(d.configJSON) > 0 {
		if err := json.Unmarshal(d.configJSON, &d.review.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	d.review.InclusionCriteria = []string{}
	if len(d.inclusionJSON) > 0 {
		if err := json.Unmarshal(d.inclusionJSON, &d.review.InclusionCriteria); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inclusion criteria: %w", err)
		}
	}

	d.review.ExclusionCriteria = []string{}
	if len(d.exclusionJSON) > 0 {
		if err := json.Unmarshal(d.exclusionJSON, &d.review.ExclusionCriteria); err != nil {
			return nil, fmt.Errorf("failed to unmarshal exclusion criteria: %w", err)
		}
	}

	review := d.review
	return &review, nil
}

// marshalCriteria encodes a criteria list, storing nil as an empty array.
func marshalCriteria(criteria []string) ([]byte, error) {
	if criteria == nil {
		criteria = []string{}
	}
	return json.Marshal(criteria)
}
