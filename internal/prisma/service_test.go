package prisma

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/prisma-review-service/internal/archive"
	"github.com/helixir/prisma-review-service/internal/config"
	"github.com/helixir/prisma-review-service/internal/dedup"
	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/export"
	"github.com/helixir/prisma-review-service/internal/importer"
	"github.com/helixir/prisma-review-service/internal/observability"
	"github.com/helixir/prisma-review-service/internal/papersources"
	"github.com/helixir/prisma-review-service/internal/repository/memstore"
	"github.com/helixir/prisma-review-service/internal/tracker"
)

type healthy struct{}

func (healthy) Sample(context.Context) domain.ResourceSample {
	return domain.ResourceSample{Healthy: true}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events ...*domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeSource struct {
	enabled    bool
	candidates []domain.Candidate
	err        error
	params     papersources.SearchParams
}

func (s *fakeSource) Name() string    { return "fake" }
func (s *fakeSource) IsEnabled() bool { return s.enabled }

func (s *fakeSource) Search(_ context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return &papersources.SearchResult{
		Candidates:   s.candidates,
		TotalResults: len(s.candidates),
		Source:       "fake",
	}, nil
}

type memPutter struct {
	keys []string
}

func (p *memPutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if _, err := io.Copy(io.Discard, in.Body); err != nil {
		return nil, err
	}
	p.keys = append(p.keys, *in.Key)
	return &s3.PutObjectOutput{}, nil
}

type harness struct {
	store     *memstore.Store
	publisher *recordingPublisher
	source    *fakeSource
	svc       *Service
}

func newHarness(t *testing.T, metrics *observability.Metrics, arch *archive.Archive) *harness {
	t.Helper()
	logger := zerolog.Nop()

	h := &harness{
		store:     memstore.New(),
		publisher: &recordingPublisher{},
		source:    &fakeSource{enabled: true},
	}
	imp := importer.New(h.store, healthy{}, config.ImporterConfig{BatchSize: 2, ChunkSize: 100}, metrics, logger,
		importer.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	h.svc = NewService(Deps{
		Tx:           h.store,
		Importer:     imp,
		Deduplicator: dedup.New(h.store, metrics, logger),
		Tracker:      tracker.New(h.store, config.TrackerConfig{}, metrics, logger),
		Exporter:     export.New(h.store, metrics, logger),
		Archive:      arch,
		Source:       h.source,
		Publisher:    h.publisher,
		Metrics:      metrics,
		Logger:       logger,
	})
	return h
}

func (h *harness) createReview(t *testing.T, owner string) int64 {
	t.Helper()
	id, err := h.svc.CreateReview(context.Background(), domain.NewReview{
		Owner: owner, Title: "Statins", Question: "Do statins reduce mortality?",
	})
	require.NoError(t, err)
	return id
}

func TestService_ReviewsAreScopedToOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	id := h.createReview(t, "alice")

	review, err := h.svc.GetReview(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewStatusIdentification, review.Status)
	assert.Equal(t, domain.DefaultReviewConfig(), review.Config)

	_, err = h.svc.GetReview(ctx, "bob", id)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := h.svc.ListReviews(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	list, err = h.svc.ListReviews(ctx, "bob")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	err = h.svc.UpdateSearchStrategy(ctx, "bob", id, "statins[tiab]")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.Stats(ctx, "bob", id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.Export(ctx, "bob", id, export.FormatCSV)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.ListStudies(ctx, "bob", id, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, []string{domain.EventTypeReviewCreated}, h.publisher.types())
}

func TestService_CreateReviewValidation(t *testing.T) {
	metrics := observability.NewMetrics("test_prisma_create_validation")
	h := newHarness(t, metrics, nil)

	_, err := h.svc.CreateReview(context.Background(), domain.NewReview{Owner: "alice", Question: "Q?"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, h.publisher.types())
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ReviewsCreated))

	h.createReview(t, "alice")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReviewsCreated))
}

func TestService_UpdateReviewStatusAndStrategy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	id := h.createReview(t, "alice")

	err := h.svc.UpdateReviewStatus(ctx, "alice", id, domain.ReviewStatus("archived"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	err = h.svc.UpdateReviewStatus(ctx, "bob", id, domain.ReviewStatusScreening)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, h.svc.UpdateReviewStatus(ctx, "alice", id, domain.ReviewStatusScreening))
	require.NoError(t, h.svc.UpdateSearchStrategy(ctx, "alice", id, "statins[tiab] AND mortality"))

	review, err := h.svc.GetReview(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewStatusScreening, review.Status)
	require.NotNil(t, review.SearchStrategy)
	assert.Equal(t, "statins[tiab] AND mortality", *review.SearchStrategy)

	assert.Equal(t, []string{domain.EventTypeReviewCreated, domain.EventTypeReviewStatusChanged}, h.publisher.types())
}

func TestService_ImportDeduplicateAndScreen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	id := h.createReview(t, "alice")

	result, err := h.svc.ImportStudies(ctx, "alice", id, []domain.Candidate{
		{ExternalID: "1", Title: "Aspirin"},
		{ExternalID: "1", Title: "Aspirin (reprint)"},
		{ExternalID: "2"},
	}, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Inserted)
	assert.Equal(t, 2, result.Batches)

	_, err = h.svc.ImportStudies(ctx, "bob", id, []domain.Candidate{{ExternalID: "3"}}, ImportOptions{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	marked, err := h.svc.Deduplicate(ctx, "alice", id, "pmid")
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	_, err = h.svc.Deduplicate(ctx, "alice", id, "fuzzy")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	excluded := domain.StudyStatusScreenedExcluded
	dups, err := h.svc.ListStudies(ctx, "alice", id, &excluded)
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, "Aspirin (reprint)", dups[0].Title)
	assert.True(t, dups[0].IsDuplicate())

	studies, err := h.svc.ListStudies(ctx, "alice", id, nil)
	require.NoError(t, err)
	require.Len(t, studies, 3)
	assert.Equal(t, domain.PlaceholderTitle, studies[2].Title)

	err = h.svc.UpdateStudyStatus(ctx, "bob", studies[0].ID, domain.StudyStatusScreenedIncluded, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = h.svc.UpdateStudyStatus(ctx, "alice", 9999, domain.StudyStatusScreenedIncluded, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, h.svc.UpdateStudyStatus(ctx, "alice", studies[0].ID, domain.StudyStatusScreenedIncluded, "population matches"))

	stats, err := h.svc.Stats(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 1, stats.Identified)
	assert.Equal(t, 1, stats.Screened.Included)
	assert.Equal(t, 1, stats.Screened.Excluded)

	assert.Equal(t, []string{
		domain.EventTypeReviewCreated,
		domain.EventTypeStudiesImported,
		domain.EventTypeStudiesDeduplicated,
		domain.EventTypeStudyStatusChanged,
	}, h.publisher.types())
}

func TestService_DeduplicateUsesReviewDefault(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	id := h.createReview(t, "alice")

	_, err := h.svc.ImportStudies(ctx, "alice", id, []domain.Candidate{
		{ExternalID: "1", Title: "Aspirin and stroke", Abstract: "A trial."},
		{ExternalID: "2", Title: "ASPIRIN AND STROKE", Abstract: "A TRIAL."},
	}, ImportOptions{})
	require.NoError(t, err)

	marked, err := h.svc.Deduplicate(ctx, "alice", id, "")
	require.NoError(t, err)
	assert.Equal(t, 1, marked, "title_abstract is the default method")

	marked, err = h.svc.Deduplicate(ctx, "alice", id, "")
	require.NoError(t, err)
	assert.Zero(t, marked)
}

func TestService_ImportFromSource(t *testing.T) {
	ctx := context.Background()

	t.Run("imports search results", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		id := h.createReview(t, "alice")
		h.source.candidates = []domain.Candidate{{ExternalID: "100", Title: "A"}, {ExternalID: "101", Title: "B"}}

		result, err := h.svc.ImportFromSource(ctx, "alice", id, "statins", 50, ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Inserted)
		assert.Equal(t, papersources.SearchParams{Query: "statins", MaxResults: 50}, h.source.params)

		var payload struct {
			Source string `json:"source"`
		}
		h.publisher.mu.Lock()
		last := h.publisher.events[len(h.publisher.events)-1]
		h.publisher.mu.Unlock()
		require.NoError(t, json.Unmarshal(last.Payload, &payload))
		assert.Equal(t, "fake", payload.Source)
	})

	t.Run("source failure writes nothing", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		id := h.createReview(t, "alice")
		h.source.err = domain.NewExternalAPIError("fake", 503, "unavailable", nil)

		_, err := h.svc.ImportFromSource(ctx, "alice", id, "statins", 10, ImportOptions{})
		require.Error(t, err)
		var apiErr *domain.ExternalAPIError
		assert.True(t, errors.As(err, &apiErr))

		studies, err := h.svc.ListStudies(ctx, "alice", id, nil)
		require.NoError(t, err)
		assert.Empty(t, studies)
	})

	t.Run("disabled source", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		id := h.createReview(t, "alice")
		h.source.enabled = false

		_, err := h.svc.ImportFromSource(ctx, "alice", id, "statins", 10, ImportOptions{})
		assert.ErrorIs(t, err, ErrSourceUnavailable)
	})

	t.Run("foreign review", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		id := h.createReview(t, "alice")

		_, err := h.svc.ImportFromSource(ctx, "bob", id, "statins", 10, ImportOptions{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestService_ExportAndArchive(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetrics("test_prisma_archive")

	t.Run("archive disabled", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		id := h.createReview(t, "alice")

		_, err := h.svc.ArchiveExport(ctx, "alice", id, export.FormatCSV)
		assert.ErrorIs(t, err, archive.ErrDisabled)
	})

	t.Run("uploads rendered export", func(t *testing.T) {
		putter := &memPutter{}
		arch := archive.New(putter, config.ArchiveConfig{Bucket: "reviews", Prefix: "exports"}, zerolog.Nop())
		h := newHarness(t, metrics, arch)
		id := h.createReview(t, "alice")

		data, err := h.svc.Export(ctx, "alice", id, export.FormatCSV)
		require.NoError(t, err)
		assert.Contains(t, string(data), "id,pmid,title")

		obj, err := h.svc.ArchiveExport(ctx, "alice", id, export.FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, "reviews", obj.Bucket)
		assert.Equal(t, []string{obj.Key}, putter.keys)
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ExportsArchived))

		_, err = h.svc.ArchiveExport(ctx, "bob", id, export.FormatJSON)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Len(t, putter.keys, 1)

		_, err = h.svc.ArchiveExport(ctx, "alice", id, export.Format("xml"))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestService_PublishFailureDoesNotFailOperation(t *testing.T) {
	metrics := observability.NewMetrics("test_prisma_publish_failure")
	h := newHarness(t, metrics, nil)
	h.publisher.err = errors.New("broker down")

	id := h.createReview(t, "alice")
	assert.Positive(t, id)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EventsFailed.WithLabelValues(domain.EventTypeReviewCreated)))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.EventsPublished.WithLabelValues(domain.EventTypeReviewCreated)))
}
