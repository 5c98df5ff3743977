package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/helixir/prisma-review-service/internal/database"
	"github.com/helixir/prisma-review-service/internal/domain"
)

// Compile-time interface verification.
var _ StudyRepository = (*PgStudyRepository)(nil)

const studyColumns = `id, review_id, pmid, title, authors, journal, pub_date, abstract,
			status, screening_notes, eligibility_notes, COALESCE(data_extracted, '')`

// PgStudyRepository is a PostgreSQL implementation of StudyRepository.
type PgStudyRepository struct {
	db DBTX
}

// NewPgStudyRepository creates a new PostgreSQL study repository.
func NewPgStudyRepository(db DBTX) *PgStudyRepository {
	return &PgStudyRepository{db: db}
}

// InsertBatch inserts candidates in status identified.
// Uses pgx.Batch to send every insert in a single network roundtrip.
func (r *PgStudyRepository) InsertBatch(ctx context.Context, reviewID int64, candidates []domain.Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO prisma_studies (
			review_id, pmid, title, authors, journal, pub_date, abstract, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	batch := &pgx.Batch{}
	for _, c := range candidates {
		c = c.Normalized()
		batch.Queue(query,
			reviewID, c.ExternalID, c.Title, c.Authors, c.Journal, c.PubDate, c.Abstract,
			domain.StudyStatusIdentified,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for i := range candidates {
		if _, err := br.Exec(); err != nil {
			if isPgForeignKeyViolation(err) {
				return inserted, domain.NewNotFoundError("review", strconv.FormatInt(reviewID, 10))
			}
			return inserted, fmt.Errorf("failed to insert study at index %d: %w", i, err)
		}
		inserted++
	}

	return inserted, nil
}

// ExternalIDs returns the non-empty external ids stored for the review.
func (r *PgStudyRepository) ExternalIDs(ctx context.Context, reviewID int64) (map[string]struct{}, error) {
	query := `
		SELECT DISTINCT pmid
		FROM prisma_studies
		WHERE review_id = $1 AND pmid <> ''`

	rows, err := r.db.Query(ctx, query, reviewID)
	if err != nil {
		return nil, fmt.Errorf("failed to load external ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan external id: %w", err)
		}
		ids[id] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating external ids: %w", err)
	}

	return ids, nil
}

// List returns the review's studies ordered by id, optionally filtered by status.
func (r *PgStudyRepository) List(ctx context.Context, reviewID int64, status *domain.StudyStatus) ([]domain.Study, error) {
	query := `SELECT ` + studyColumns + `
		FROM prisma_studies
		WHERE review_id = $1`
	args := []interface{}{reviewID}

	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list studies: %w", err)
	}
	defer rows.Close()

	studies := make([]domain.Study, 0)
	for rows.Next() {
		var s domain.Study
		if err := rows.Scan(studyDestinations(&s)...); err != nil {
			return nil, fmt.Errorf("failed to scan study: %w", err)
		}
		studies = append(studies, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating studies: %w", err)
	}

	return studies, nil
}

// Get retrieves a study by id.
func (r *PgStudyRepository) Get(ctx context.Context, id int64) (*domain.Study, error) {
	query := `SELECT ` + studyColumns + `
		FROM prisma_studies
		WHERE id = $1`

	var s domain.Study
	if err := r.db.QueryRow(ctx, query, id).Scan(studyDestinations(&s)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("study", strconv.FormatInt(id, 10))
		}
		return nil, fmt.Errorf("failed to get study: %w", err)
	}

	return &s, nil
}

// UpdateStatus sets the study status and routes notes to the matching column.
func (r *PgStudyRepository) UpdateStatus(ctx context.Context, id int64, status domain.StudyStatus, notes string) error {
	if !status.IsValid() {
		return domain.NewValidationError("status", fmt.Sprintf("unknown study status %q", status))
	}

	var (
		query string
		args  []interface{}
	)
	switch status.NotesColumn() {
	case domain.NotesFieldScreening:
		query = `UPDATE prisma_studies SET status = $1, screening_notes = $2 WHERE id = $3`
		args = []interface{}{status, notes, id}
	case domain.NotesFieldEligibility:
		query = `UPDATE prisma_studies SET status = $1, eligibility_notes = $2 WHERE id = $3`
		args = []interface{}{status, notes, id}
	default:
		query = `UPDATE prisma_studies SET status = $1 WHERE id = $2`
		args = []interface{}{status, id}
	}

	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update study status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("study", strconv.FormatInt(id, 10))
	}

	return nil
}

// MarkDuplicates moves the given studies to screened_excluded with the note.
// Studies that already left identified are not touched.
func (r *PgStudyRepository) MarkDuplicates(ctx context.Context, ids []int64, note string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `
		UPDATE prisma_studies
		SET status = $1, screening_notes = $2
		WHERE id = ANY($3) AND status = $4`

	result, err := r.db.Exec(ctx, query, domain.StudyStatusScreenedExcluded, note, ids, domain.StudyStatusIdentified)
	if err != nil {
		return 0, fmt.Errorf("failed to mark duplicates: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// CountByStatus returns study counts per status in one grouped query.
func (r *PgStudyRepository) CountByStatus(ctx context.Context, reviewID int64) (map[domain.StudyStatus]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM prisma_studies
		WHERE review_id = $1
		GROUP BY status`

	rows, err := r.db.Query(ctx, query, reviewID)
	if err != nil {
		return nil, fmt.Errorf("failed to count studies: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.StudyStatus]int)
	for rows.Next() {
		var (
			status domain.StudyStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan study count: %w", err)
		}
		counts[status] = int(n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating study counts: %w", err)
	}

	return counts, nil
}

// Count returns the number of studies in one status.
func (r *PgStudyRepository) Count(ctx context.Context, reviewID int64, status domain.StudyStatus) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM prisma_studies
		WHERE review_id = $1 AND status = $2`

	var n int64
	if err := r.db.QueryRow(ctx, query, reviewID, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count studies: %w", err)
	}

	return int(n), nil
}

// LockReview takes a transaction-scoped advisory lock on the review.
func (r *PgStudyRepository) LockReview(ctx context.Context, reviewID int64) error {
	if err := database.AcquireAdvisoryLockTx(ctx, r.db, reviewID); err != nil {
		return fmt.Errorf("failed to lock review %d: %w", reviewID, err)
	}
	return nil
}

// studyDestinations returns the Scan pointers for a study row, in studyColumns order.
func studyDestinations(s *domain.Study) []interface{} {
	return []interface{}{
		&s.ID, &s.ReviewID, &s.ExternalID, &s.Title, &s.Authors, &s.Journal, &s.PubDate, &s.Abstract,
		&s.Status, &s.ScreeningNotes, &s.EligibilityNotes, &s.DataExtracted,
	}
}
