//go:build integration

package repository_test

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/helixir/prisma-review-service/internal/config"
	"github.com/helixir/prisma-review-service/internal/database"
	"github.com/helixir/prisma-review-service/internal/dedup"
	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/export"
	"github.com/helixir/prisma-review-service/internal/importer"
	"github.com/helixir/prisma-review-service/internal/repository"
	"github.com/helixir/prisma-review-service/internal/tracker"
	"github.com/helixir/prisma-review-service/migrations"
)

var (
	testDB     *database.DB
	testRunner *repository.PgTxRunner
)

func TestMain(m *testing.M) {
	os.Exit(runIntegration(m))
}

func runIntegration(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("prisma_test"),
		postgres.WithUsername("prisma"),
		postgres.WithPassword("prisma"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		return 1
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read connection string: %v\n", err)
		return 1
	}
	u, err := url.Parse(connStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse connection string: %v\n", err)
		return 1
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid port in %q: %v\n", connStr, err)
		return 1
	}

	logger := zerolog.Nop()
	db, err := database.New(ctx, &config.DatabaseConfig{
		Host:           u.Hostname(),
		Port:           port,
		User:           "prisma",
		Password:       "prisma",
		Name:           "prisma_test",
		SSLMode:        "disable",
		MaxConns:       10,
		MinConns:       1,
		ConnectTimeout: 10 * time.Second,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to test database: %v\n", err)
		return 1
	}
	defer db.Close()

	migrator, err := database.NewEmbeddedMigrator(db, migrations.FS, ".", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create migrator: %v\n", err)
		return 1
	}
	if err := migrator.Up(); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		return 1
	}
	_ = migrator.Close()

	testDB = db
	testRunner = repository.NewPgTxRunner(db, logger)
	return m.Run()
}

type healthyHost struct{}

func (healthyHost) Sample(context.Context) domain.ResourceSample {
	return domain.ResourceSample{Healthy: true}
}

func newImporter(batchSize, chunkSize int) *importer.Importer {
	return importer.New(testRunner, healthyHost{}, config.ImporterConfig{
		BatchSize:  batchSize,
		ChunkSize:  chunkSize,
		ChunkPause: time.Millisecond,
	}, nil, zerolog.Nop())
}

func createReview(t *testing.T, owner string) int64 {
	t.Helper()
	var id int64
	err := testRunner.InTx(context.Background(), func(s repository.Store) error {
		var err error
		id, err = s.Reviews.Create(context.Background(), domain.NewReview{
			Owner: owner, Title: "Statins", Question: "Do statins reduce mortality?",
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func listStudies(t *testing.T, reviewID int64, status *domain.StudyStatus) []domain.Study {
	t.Helper()
	var out []domain.Study
	err := testRunner.InSnapshot(context.Background(), func(s repository.Store) error {
		var err error
		out, err = s.Studies.List(context.Background(), reviewID, status)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestIntegration_ReviewLifecycle(t *testing.T) {
	ctx := context.Background()
	id := createReview(t, "alice")
	bobID := createReview(t, "bob")

	err := testRunner.InTx(ctx, func(s repository.Store) error {
		if err := s.Reviews.UpdateStatus(ctx, id, domain.ReviewStatusScreening); err != nil {
			return err
		}
		return s.Reviews.UpdateSearchStrategy(ctx, id, "statins[tiab]")
	})
	require.NoError(t, err)

	err = testRunner.InSnapshot(ctx, func(s repository.Store) error {
		review, err := s.Reviews.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.ReviewStatusScreening, review.Status)
		require.NotNil(t, review.SearchStrategy)
		assert.Equal(t, "statins[tiab]", *review.SearchStrategy)
		assert.Equal(t, domain.DefaultReviewConfig(), review.Config)

		summaries, err := s.Reviews.ListByOwner(ctx, "alice")
		require.NoError(t, err)
		require.NotEmpty(t, summaries)
		assert.Equal(t, id, summaries[0].ID, "most recently updated first")
		for _, r := range summaries {
			assert.NotEqual(t, bobID, r.ID)
		}

		_, err = s.Reviews.Get(ctx, 987654321)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestIntegration_ImportSkipsStoredIDs(t *testing.T) {
	ctx := context.Background()
	id := createReview(t, "alice")
	imp := newImporter(10, 1000)

	result, err := imp.Import(ctx, id, []domain.Candidate{
		{ExternalID: "1", Title: "A"},
		{ExternalID: "1", Title: "A again"},
		{ExternalID: "2"},
	}, importer.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Inserted, "siblings in one chunk are both inserted")

	result, err = imp.Import(ctx, id, []domain.Candidate{{ExternalID: "1"}, {ExternalID: "3", Title: "C"}}, importer.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Skipped)

	studies := listStudies(t, id, nil)
	require.Len(t, studies, 4)
	assert.Equal(t, domain.PlaceholderTitle, studies[2].Title)
	for _, s := range studies {
		assert.Equal(t, domain.StudyStatusIdentified, s.Status)
	}

	_, err = imp.Import(ctx, 987654321, []domain.Candidate{{Title: "x"}}, importer.Options{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIntegration_ImportAcrossChunks(t *testing.T) {
	ctx := context.Background()
	id := createReview(t, "alice")

	candidates := make([]domain.Candidate, 250)
	for i := range candidates {
		candidates[i] = domain.Candidate{ExternalID: fmt.Sprintf("pm%d", i), Title: fmt.Sprintf("Study %d", i)}
	}

	result, err := newImporter(20, 100).Import(ctx, id, candidates, importer.Options{})
	require.NoError(t, err)
	assert.Equal(t, 250, result.Inserted)
	assert.Equal(t, 3, result.Chunks)

	studies := listStudies(t, id, nil)
	require.Len(t, studies, 250)
	for i, s := range studies {
		assert.Equal(t, fmt.Sprintf("pm%d", i), s.ExternalID)
	}
}

func TestIntegration_ConcurrentDeduplication(t *testing.T) {
	ctx := context.Background()
	id := createReview(t, "alice")

	candidates := make([]domain.Candidate, 0, 40)
	for i := 0; i < 20; i++ {
		c := domain.Candidate{ExternalID: fmt.Sprintf("%d", i), Title: fmt.Sprintf("Study %d", i)}
		candidates = append(candidates, c, c)
	}
	_, err := newImporter(100, 1000).Import(ctx, id, candidates, importer.Options{})
	require.NoError(t, err)

	d := dedup.New(testRunner, nil, zerolog.Nop())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := d.Deduplicate(ctx, id, domain.DedupMethodExternalID)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, total, "each duplicate is marked exactly once")

	excluded := domain.StudyStatusScreenedExcluded
	dups := listStudies(t, id, &excluded)
	require.Len(t, dups, 20)
	for _, s := range dups {
		assert.True(t, s.IsDuplicate())
	}
}

func TestIntegration_TrackerAndExport(t *testing.T) {
	ctx := context.Background()
	id := createReview(t, "alice")

	_, err := newImporter(100, 1000).Import(ctx, id, []domain.Candidate{
		{ExternalID: "1", Title: "Aspirin, low dose", Authors: "Jane Doe"},
		{ExternalID: "2", Title: "Statins"},
	}, importer.Options{})
	require.NoError(t, err)
	studies := listStudies(t, id, nil)

	tr := tracker.New(testRunner, config.TrackerConfig{}, nil, zerolog.Nop())
	_, err = tr.Advance(ctx, studies[0].ID, domain.StudyStatusScreenedIncluded, "population matches")
	require.NoError(t, err)
	_, err = tr.Advance(ctx, studies[0].ID, domain.StudyStatusEligible, "full text ok")
	require.NoError(t, err)
	_, err = tr.Advance(ctx, studies[1].ID, domain.StudyStatusScreenedExcluded, "animal study")
	require.NoError(t, err)

	stats, err := tr.Stats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRecords)
	assert.Equal(t, domain.StageCounts{Total: 1, Included: 0, Excluded: 1, Pending: 0}, stats.Screened)
	assert.Equal(t, 1, stats.Eligibility.Included)

	doc, err := export.New(testRunner, nil, zerolog.Nop()).Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, doc.Studies, 2)
	assert.Equal(t, "population matches", doc.Studies[0].ScreeningNotes)
	assert.Equal(t, "full text ok", doc.Studies[0].EligibilityNotes)
	assert.Equal(t, stats, doc.Statistics)

	data, err := export.EncodeCSV(doc.Studies)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Aspirin, low dose"`)
}

func TestIntegration_Health(t *testing.T) {
	health := testDB.Health(context.Background())
	assert.Equal(t, "healthy", health.Status)
}
