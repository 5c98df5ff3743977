// Package importer bulk-loads candidate studies into a review in size-bounded,
// resource-aware batches, one transaction per batch.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/prisma-review-service/internal/config"
	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/observability"
	"github.com/helixir/prisma-review-service/internal/repository"
)

// Defaults used when neither Options nor config set a size.
const (
	DefaultBatchSize = 1000
	DefaultChunkSize = 50000
)

// HealthChecker reports whether the host can take another batch.
type HealthChecker interface {
	Sample(ctx context.Context) domain.ResourceSample
}

// Sleeper pauses for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// ProgressUpdate is reported after every committed batch.
type ProgressUpdate struct {
	// Inserted is the number of studies inserted so far.
	Inserted int
	// Total is the number of candidates in the import.
	Total int
	// Rate is inserted studies per second since the import started.
	Rate float64
	// ETA estimates the time left for the unprocessed candidates at the current rate.
	ETA time.Duration
}

// ProgressFunc receives progress updates. It runs on the importing goroutine.
type ProgressFunc func(ProgressUpdate)

// Options tunes a single import. Zero values fall back to the importer's configuration.
type Options struct {
	BatchSize int
	ChunkSize int
	Progress  ProgressFunc
}

// Importer writes candidates through a repository.TxRunner.
type Importer struct {
	tx      repository.TxRunner
	monitor HealthChecker
	cfg     config.ImporterConfig
	sleep   Sleeper
	now     func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// Option customizes an Importer.
type Option func(*Importer)

// WithSleeper replaces the pause implementation. Tests use it to avoid waiting.
func WithSleeper(s Sleeper) Option {
	return func(i *Importer) { i.sleep = s }
}

// WithClock replaces the clock used for durations and progress rates.
func WithClock(now func() time.Time) Option {
	return func(i *Importer) { i.now = now }
}

// New creates an Importer. metrics may be nil.
func New(tx repository.TxRunner, monitor HealthChecker, cfg config.ImporterConfig, metrics *observability.Metrics, logger zerolog.Logger, opts ...Option) *Importer {
	i := &Importer{
		tx:      tx,
		monitor: monitor,
		cfg:     cfg,
		sleep:   SleepContext,
		now:     time.Now,
		metrics: metrics,
		logger:  observability.WithComponent(logger, "importer"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// run holds the state of one Import call.
type run struct {
	reviewID  int64
	batchSize int
	progress  ProgressFunc
	start     time.Time
	result    domain.ImportResult
	logger    zerolog.Logger
}

// Import inserts candidates into the review and returns what happened.
//
// Candidates are processed in order, in chunks of ChunkSize with a pause between
// chunks, and each chunk in batches of BatchSize. The external ids already stored
// are loaded once per chunk; a candidate whose id is in that set is skipped. The set
// is not updated as batches commit, so two candidates with the same id in one chunk
// are both inserted and left for the Deduplicator.
//
// Before every batch the host is sampled and an unhealthy sample costs one
// UnhealthyPause. A batch that fails is rolled back, recorded in FailedBatches and
// the import moves on; partial failure is not an error. The error is non-nil only
// for invalid options, an unknown review (checked before any insert) or
// cancellation. On cancellation the partial result is returned together with an
// error wrapping domain.ErrCancelled and ctx.Err().
func (i *Importer) Import(ctx context.Context, reviewID int64, candidates []domain.Candidate, opts Options) (domain.ImportResult, error) {
	if len(candidates) == 0 {
		return domain.ImportResult{}, nil
	}

	batchSize, chunkSize, err := i.sizes(opts)
	if err != nil {
		return domain.ImportResult{}, err
	}

	if err := i.tx.InSnapshot(ctx, func(s repository.Store) error {
		_, err := s.Reviews.Get(ctx, reviewID)
		return err
	}); err != nil {
		return domain.ImportResult{}, fmt.Errorf("import into review %d: %w", reviewID, err)
	}

	r := &run{
		reviewID:  reviewID,
		batchSize: batchSize,
		progress:  opts.Progress,
		start:     i.now(),
		result:    domain.ImportResult{Total: len(candidates)},
		logger:    observability.WithReviewContext(i.logger, reviewID),
	}
	if i.metrics != nil {
		i.metrics.RecordImportStarted()
	}
	r.logger.Info().
		Int("total", len(candidates)).
		Int("batch_size", batchSize).
		Int("chunk_size", chunkSize).
		Msg("import started")

	chunks := split(candidates, chunkSize)
	var runErr error
	for ci, chunk := range chunks {
		if ci > 0 {
			if err := i.sleep(ctx, i.cfg.ChunkPause); err != nil {
				runErr = err
				break
			}
		}
		if err := i.importChunk(ctx, r, ci, ci*chunkSize, chunk); err != nil {
			runErr = err
			break
		}
		r.result.Chunks++
	}

	return i.finish(ctx, r, runErr)
}

func (i *Importer) sizes(opts Options) (batchSize, chunkSize int, err error) {
	if opts.BatchSize < 0 {
		return 0, 0, domain.NewValidationError("batch_size", "must be positive")
	}
	if opts.ChunkSize < 0 {
		return 0, 0, domain.NewValidationError("chunk_size", "must be positive")
	}

	batchSize = firstPositive(opts.BatchSize, i.cfg.BatchSize, DefaultBatchSize)
	chunkSize = firstPositive(opts.ChunkSize, i.cfg.ChunkSize, DefaultChunkSize)
	return batchSize, chunkSize, nil
}

// importChunk processes one chunk. It returns an error only on cancellation.
func (i *Importer) importChunk(ctx context.Context, r *run, chunkIndex, chunkOffset int, chunk []domain.Candidate) error {
	batches := split(chunk, r.batchSize)

	var known map[string]struct{}
	err := i.tx.InSnapshot(ctx, func(s repository.Store) error {
		var err error
		known, err = s.Studies.ExternalIDs(ctx, r.reviewID)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Without the id set nothing in this chunk can be filtered safely.
		r.logger.Error().Err(err).Int("chunk", chunkIndex).Msg("failed to load stored external ids, skipping chunk")
		for bi, batch := range batches {
			r.result.Batches++
			r.fail(chunkIndex, bi, chunkOffset+bi*r.batchSize, len(batch), err)
		}
		return nil
	}

	for bi, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}

		if sample := i.monitor.Sample(ctx); !sample.Healthy {
			r.logger.Warn().
				Float64("cpu_percent", sample.CPUPercent).
				Float64("memory_percent", sample.MemoryPercent).
				Dur("pause", i.cfg.UnhealthyPause).
				Msg("host under resource pressure, pausing import")
			if i.metrics != nil {
				i.metrics.RecordUnhealthyPause()
			}
			if err := i.sleep(ctx, i.cfg.UnhealthyPause); err != nil {
				return err
			}
		}

		if err := i.importBatch(ctx, r, chunkIndex, bi, chunkOffset+bi*r.batchSize, batch, known); err != nil {
			return err
		}
	}

	return nil
}

// importBatch writes one batch in its own transaction. It returns an error only on cancellation.
func (i *Importer) importBatch(ctx context.Context, r *run, chunkIndex, batchIndex, offset int, batch []domain.Candidate, known map[string]struct{}) error {
	logger := observability.WithImportContext(r.logger, chunkIndex, batchIndex)
	batchStart := i.now()

	toInsert := make([]domain.Candidate, 0, len(batch))
	skipped := 0
	for _, c := range batch {
		c = c.Normalized()
		if c.ExternalID != "" {
			if _, dup := known[c.ExternalID]; dup {
				skipped++
				continue
			}
		}
		toInsert = append(toInsert, c)
	}

	var inserted int
	err := i.tx.InTx(ctx, func(s repository.Store) error {
		var err error
		inserted, err = s.Studies.InsertBatch(ctx, r.reviewID, toInsert)
		return err
	})
	elapsed := i.now().Sub(batchStart)
	r.result.Batches++

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i.metrics != nil {
			i.metrics.RecordBatchFailed(elapsed.Seconds())
		}
		logger.Error().Err(err).Int("offset", offset).Int("size", len(batch)).Msg("batch rolled back")
		r.result.Skipped += skipped
		r.fail(chunkIndex, batchIndex, offset, len(toInsert), err)
		return nil
	}

	if i.metrics != nil {
		i.metrics.RecordBatchCommitted(elapsed.Seconds())
	}
	r.result.Inserted += inserted
	r.result.Skipped += skipped
	logger.Debug().Int("inserted", inserted).Int("skipped", skipped).Dur("duration", elapsed).Msg("batch committed")

	if r.progress != nil {
		r.progress(r.update(i.now()))
	}
	return nil
}

func (r *run) fail(chunkIndex, batchIndex, offset, size int, err error) {
	r.result.Failed += size
	r.result.FailedBatches = append(r.result.FailedBatches, domain.BatchFailure{
		Chunk:  chunkIndex,
		Batch:  batchIndex,
		Offset: offset,
		Size:   size,
		Error:  err.Error(),
	})
}

func (r *run) update(now time.Time) ProgressUpdate {
	u := ProgressUpdate{Inserted: r.result.Inserted, Total: r.result.Total}

	elapsed := now.Sub(r.start).Seconds()
	if elapsed <= 0 {
		return u
	}
	u.Rate = float64(r.result.Inserted) / elapsed

	remaining := r.result.Total - r.result.Inserted - r.result.Skipped - r.result.Failed
	if u.Rate > 0 && remaining > 0 {
		u.ETA = time.Duration(float64(remaining) / u.Rate * float64(time.Second))
	}
	return u
}

func (i *Importer) finish(ctx context.Context, r *run, runErr error) (domain.ImportResult, error) {
	r.result.Duration = i.now().Sub(r.start)
	cancelled := runErr != nil

	if r.result.Inserted > 0 {
		// The touch must land even when the import itself was cancelled.
		touchCtx := context.WithoutCancel(ctx)
		if err := i.tx.InTx(touchCtx, func(s repository.Store) error {
			return s.Reviews.Touch(touchCtx, r.reviewID)
		}); err != nil {
			r.logger.Warn().Err(err).Msg("failed to refresh review updated_at")
		}
	}

	if i.metrics != nil {
		i.metrics.RecordImportFinished(r.result.Inserted, r.result.Skipped, r.result.Duration.Seconds(), cancelled)
	}

	event := r.logger.Info()
	if r.result.HasFailures() || cancelled {
		event = r.logger.Warn()
	}
	event.
		Int("inserted", r.result.Inserted).
		Int("skipped", r.result.Skipped).
		Int("failed", r.result.Failed).
		Int("failed_batches", len(r.result.FailedBatches)).
		Int("chunks", r.result.Chunks).
		Int("batches", r.result.Batches).
		Dur("duration", r.result.Duration).
		Bool("cancelled", cancelled).
		Msg("import finished")

	if cancelled {
		return r.result, fmt.Errorf("import into review %d: %w: %w", r.reviewID, domain.ErrCancelled, runErr)
	}
	return r.result, nil
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// split cuts s into consecutive slices of at most size elements.
func split[T any](s []T, size int) [][]T {
	out := make([][]T, 0, (len(s)+size-1)/size)
	for start := 0; start < len(s); start += size {
		end := min(start+size, len(s))
		out = append(out, s[start:end])
	}
	return out
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// IsCancelled reports whether err came from a cancelled import.
func IsCancelled(err error) bool {
	return errors.Is(err, domain.ErrCancelled)
}
