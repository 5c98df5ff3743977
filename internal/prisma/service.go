// Package prisma is the application service of the review workflow. It composes
// the importer, deduplicator, stage tracker and exporter behind owner checks and
// publishes a domain event for every change.
package prisma

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/prisma-review-service/internal/archive"
	"github.com/helixir/prisma-review-service/internal/dedup"
	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/events"
	"github.com/helixir/prisma-review-service/internal/export"
	"github.com/helixir/prisma-review-service/internal/importer"
	"github.com/helixir/prisma-review-service/internal/observability"
	"github.com/helixir/prisma-review-service/internal/papersources"
	"github.com/helixir/prisma-review-service/internal/repository"
	"github.com/helixir/prisma-review-service/internal/tracker"
)

// publishTimeout bounds event delivery after the change it describes committed.
const publishTimeout = 5 * time.Second

// ErrSourceUnavailable is returned when a candidate source is missing or disabled.
var ErrSourceUnavailable = errors.New("candidate source unavailable")

// Deps are the collaborators of a Service. Archive and Source may be nil.
type Deps struct {
	Tx           repository.TxRunner
	Importer     *importer.Importer
	Deduplicator *dedup.Deduplicator
	Tracker      *tracker.Tracker
	Exporter     *export.Exporter
	Archive      *archive.Archive
	Source       papersources.CandidateSource
	Publisher    events.Publisher
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

// Service runs review operations on behalf of an owner. A review owned by
// someone else is reported as not found.
type Service struct {
	tx        repository.TxRunner
	importer  *importer.Importer
	dedup     *dedup.Deduplicator
	tracker   *tracker.Tracker
	exporter  *export.Exporter
	archive   *archive.Archive
	source    papersources.CandidateSource
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	if d.Publisher == nil {
		d.Publisher = events.NopPublisher{}
	}
	return &Service{
		tx:        d.Tx,
		importer:  d.Importer,
		dedup:     d.Deduplicator,
		tracker:   d.Tracker,
		exporter:  d.Exporter,
		archive:   d.Archive,
		source:    d.Source,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		logger:    observability.WithComponent(d.Logger, "prisma_service"),
	}
}

// CreateReview stores a new review in stage identification with the default config.
func (s *Service) CreateReview(ctx context.Context, nr domain.NewReview) (int64, error) {
	var id int64
	err := s.tx.InTx(ctx, func(st repository.Store) error {
		var err error
		id, err = st.Reviews.Create(ctx, nr)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create review: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordReviewCreated()
	}
	logger := observability.WithReviewContext(s.logger, id)
	logger.Info().Str("owner", nr.Owner).Msg("review created")
	s.publish(ctx, nr.Owner, id, domain.EventTypeReviewCreated, domain.ReviewCreatedPayload{
		ReviewID: id, Owner: nr.Owner, Title: nr.Title,
	})
	return id, nil
}

// ListReviews returns the reviews of owner, most recently updated first.
func (s *Service) ListReviews(ctx context.Context, owner string) ([]domain.ReviewSummary, error) {
	var out []domain.ReviewSummary
	err := s.tx.InSnapshot(ctx, func(st repository.Store) error {
		var err error
		out, err = st.Reviews.ListByOwner(ctx, owner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	if out == nil {
		out = []domain.ReviewSummary{}
	}
	return out, nil
}

// GetReview returns a review of owner.
func (s *Service) GetReview(ctx context.Context, owner string, reviewID int64) (*domain.Review, error) {
	return s.authorize(ctx, owner, reviewID)
}

// UpdateReviewStatus sets the workflow stage label of a review.
func (s *Service) UpdateReviewStatus(ctx context.Context, owner string, reviewID int64, status domain.ReviewStatus) error {
	if !status.IsValid() {
		return domain.NewValidationError("status", fmt.Sprintf("unknown review status: %q", status))
	}
	if err := s.inOwnedTx(ctx, owner, reviewID, func(st repository.Store) error {
		return st.Reviews.UpdateStatus(ctx, reviewID, status)
	}); err != nil {
		return fmt.Errorf("update status of review %d: %w", reviewID, err)
	}

	s.publish(ctx, owner, reviewID, domain.EventTypeReviewStatusChanged, domain.ReviewStatusChangedPayload{
		ReviewID: reviewID, Status: status,
	})
	return nil
}

// UpdateSearchStrategy records the search strategy of a review.
func (s *Service) UpdateSearchStrategy(ctx context.Context, owner string, reviewID int64, strategy string) error {
	if err := s.inOwnedTx(ctx, owner, reviewID, func(st repository.Store) error {
		return st.Reviews.UpdateSearchStrategy(ctx, reviewID, strategy)
	}); err != nil {
		return fmt.Errorf("update search strategy of review %d: %w", reviewID, err)
	}
	return nil
}

// ImportOptions tunes an import request. Zero values use the configured sizes.
type ImportOptions struct {
	BatchSize int
	ChunkSize int
}

// ImportStudies bulk-loads candidates into a review. A cancelled import returns
// the partial result together with an error wrapping domain.ErrCancelled.
func (s *Service) ImportStudies(ctx context.Context, owner string, reviewID int64, candidates []domain.Candidate, opts ImportOptions) (domain.ImportResult, error) {
	return s.importCandidates(ctx, owner, reviewID, "upload", candidates, opts)
}

// ImportFromSource searches the configured candidate source and imports what it
// returns. A failing source aborts the request before anything is written.
func (s *Service) ImportFromSource(ctx context.Context, owner string, reviewID int64, query string, maxResults int, opts ImportOptions) (domain.ImportResult, error) {
	if s.source == nil || !s.source.IsEnabled() {
		return domain.ImportResult{}, ErrSourceUnavailable
	}
	if _, err := s.authorize(ctx, owner, reviewID); err != nil {
		return domain.ImportResult{}, err
	}

	found, err := s.source.Search(ctx, papersources.SearchParams{Query: query, MaxResults: maxResults})
	if err != nil {
		return domain.ImportResult{}, fmt.Errorf("search %s: %w", s.source.Name(), err)
	}
	logger := observability.WithReviewContext(s.logger, reviewID)
	logger.Info().
		Str("source", found.Source).
		Str("query", query).
		Int("found", len(found.Candidates)).
		Int("total_results", found.TotalResults).
		Msg("candidate search finished")

	return s.importCandidates(ctx, owner, reviewID, s.source.Name(), found.Candidates, opts)
}

func (s *Service) importCandidates(ctx context.Context, owner string, reviewID int64, source string, candidates []domain.Candidate, opts ImportOptions) (domain.ImportResult, error) {
	if _, err := s.authorize(ctx, owner, reviewID); err != nil {
		return domain.ImportResult{}, err
	}

	logger := observability.WithReviewContext(s.logger, reviewID)
	result, err := s.importer.Import(ctx, reviewID, candidates, importer.Options{
		BatchSize: opts.BatchSize,
		ChunkSize: opts.ChunkSize,
		Progress: func(u importer.ProgressUpdate) {
			logger.Debug().
				Int("inserted", u.Inserted).
				Int("total", u.Total).
				Float64("rate", u.Rate).
				Dur("eta", u.ETA).
				Msg("import progress")
		},
	})
	if result.Inserted > 0 {
		s.publish(ctx, owner, reviewID, domain.EventTypeStudiesImported, domain.StudiesImportedPayload{
			ReviewID:      reviewID,
			Source:        source,
			Total:         result.Total,
			Inserted:      result.Inserted,
			Skipped:       result.Skipped,
			Failed:        result.Failed,
			FailedBatches: len(result.FailedBatches),
		})
	}
	return result, err
}

// Deduplicate marks duplicate studies. An empty method uses the review's
// configured duplicate detection.
func (s *Service) Deduplicate(ctx context.Context, owner string, reviewID int64, method string) (int, error) {
	review, err := s.authorize(ctx, owner, reviewID)
	if err != nil {
		return 0, err
	}

	m := review.Config.DuplicateDetection
	if strings.TrimSpace(method) != "" {
		m = domain.DedupMethod(strings.TrimSpace(method))
	}
	m, err = domain.ParseDedupMethod(string(m))
	if err != nil {
		return 0, err
	}

	n, err := s.dedup.Deduplicate(ctx, reviewID, m)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(ctx, owner, reviewID, domain.EventTypeStudiesDeduplicated, domain.StudiesDeduplicatedPayload{
			ReviewID: reviewID, Method: m, Duplicates: n,
		})
	}
	return n, nil
}

// ListStudies returns the studies of a review in import order, optionally
// filtered by status.
func (s *Service) ListStudies(ctx context.Context, owner string, reviewID int64, status *domain.StudyStatus) ([]domain.Study, error) {
	if status != nil && !status.IsValid() {
		return nil, domain.NewValidationError("status", fmt.Sprintf("unknown study status: %q", *status))
	}

	var out []domain.Study
	err := s.tx.InSnapshot(ctx, func(st repository.Store) error {
		if err := ownedBy(ctx, st, owner, reviewID); err != nil {
			return err
		}
		var err error
		out, err = st.Studies.List(ctx, reviewID, status)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list studies of review %d: %w", reviewID, err)
	}
	if out == nil {
		out = []domain.Study{}
	}
	return out, nil
}

// UpdateStudyStatus moves a study to status and records notes for the stage.
func (s *Service) UpdateStudyStatus(ctx context.Context, owner string, studyID int64, status domain.StudyStatus, notes string) error {
	err := s.tx.InSnapshot(ctx, func(st repository.Store) error {
		study, err := st.Studies.Get(ctx, studyID)
		if err != nil {
			return err
		}
		return ownedBy(ctx, st, owner, study.ReviewID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewNotFoundError("study", strconv.FormatInt(studyID, 10))
		}
		return fmt.Errorf("update study %d: %w", studyID, err)
	}

	tr, err := s.tracker.Advance(ctx, studyID, status, notes)
	if err != nil {
		return err
	}

	s.publish(ctx, owner, tr.ReviewID, domain.EventTypeStudyStatusChanged, domain.StudyStatusChangedPayload{
		ReviewID: tr.ReviewID,
		StudyID:  tr.StudyID,
		From:     tr.From,
		To:       tr.To,
		Suspect:  tr.Suspect,
	})
	return nil
}

// Stats returns the PRISMA flow-diagram statistics of a review.
func (s *Service) Stats(ctx context.Context, owner string, reviewID int64) (domain.PrismaStats, error) {
	if _, err := s.authorize(ctx, owner, reviewID); err != nil {
		return domain.PrismaStats{}, err
	}
	return s.tracker.Stats(ctx, reviewID)
}

// Export renders a review in format.
func (s *Service) Export(ctx context.Context, owner string, reviewID int64, format export.Format) ([]byte, error) {
	if _, err := s.authorize(ctx, owner, reviewID); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, reviewID, format)
}

// ArchiveExport renders a review and stores it in the export archive.
func (s *Service) ArchiveExport(ctx context.Context, owner string, reviewID int64, format export.Format) (*archive.Object, error) {
	if s.archive == nil {
		return nil, archive.ErrDisabled
	}
	f, err := export.ParseFormat(string(format))
	if err != nil {
		return nil, err
	}

	data, err := s.Export(ctx, owner, reviewID, f)
	if err != nil {
		return nil, err
	}

	obj, err := s.archive.Put(ctx, reviewID, f.Extension(), f.ContentType(), data)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordExportArchived()
	}
	return obj, nil
}

// authorize loads a review and hides it from anyone but its owner.
func (s *Service) authorize(ctx context.Context, owner string, reviewID int64) (*domain.Review, error) {
	var review *domain.Review
	err := s.tx.InSnapshot(ctx, func(st repository.Store) error {
		r, err := st.Reviews.Get(ctx, reviewID)
		if err != nil {
			return err
		}
		if r.Owner != owner {
			return reviewNotFound(reviewID)
		}
		review = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return review, nil
}

func (s *Service) inOwnedTx(ctx context.Context, owner string, reviewID int64, fn func(st repository.Store) error) error {
	return s.tx.InTx(ctx, func(st repository.Store) error {
		if err := ownedBy(ctx, st, owner, reviewID); err != nil {
			return err
		}
		return fn(st)
	})
}

func ownedBy(ctx context.Context, st repository.Store, owner string, reviewID int64) error {
	r, err := st.Reviews.Get(ctx, reviewID)
	if err != nil {
		return err
	}
	if r.Owner != owner {
		return reviewNotFound(reviewID)
	}
	return nil
}

func reviewNotFound(id int64) error {
	return domain.NewNotFoundError("review", strconv.FormatInt(id, 10))
}

// publish delivers an event after the change it describes has committed. A
// delivery failure is logged and counted; it never fails the operation.
func (s *Service) publish(ctx context.Context, owner string, reviewID int64, eventType string, payload any) {
	logger := observability.WithReviewContext(s.logger, reviewID)

	event, err := domain.NewEvent(eventType, reviewID, payload)
	if err != nil {
		logger.Error().Err(err).Str("event_type", eventType).Msg("failed to build event")
		return
	}
	event.WithOwner(owner)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(pubCtx, event); err != nil {
		logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish event")
		if s.metrics != nil {
			s.metrics.RecordEventFailed(eventType)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecordEventPublished(eventType)
	}
}
