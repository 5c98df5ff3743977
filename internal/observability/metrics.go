package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the PRISMA review service.
// Metrics are organized by subsystem: reviews, imports, resources, deduplication,
// stage tracking, exports and candidate sources. All counters and histograms are
// registered via promauto with the default Prometheus registry.
type Metrics struct {
	// ReviewsCreated counts the total number of reviews created.
	ReviewsCreated prometheus.Counter

	// ImportsStarted counts batch imports initiated.
	ImportsStarted prometheus.Counter

	// ImportsCancelled counts batch imports stopped by context cancellation.
	ImportsCancelled prometheus.Counter

	// ImportDuration observes the end-to-end duration of batch imports in seconds.
	ImportDuration prometheus.Histogram

	// StudiesImported counts studies inserted by the batch importer.
	StudiesImported prometheus.Counter

	// StudiesSkipped counts candidates skipped because their external id was already stored.
	StudiesSkipped prometheus.Counter

	// BatchesCommitted counts import batches committed.
	BatchesCommitted prometheus.Counter

	// BatchesFailed counts import batches rolled back.
	BatchesFailed prometheus.Counter

	// BatchDuration observes the duration of a single import batch transaction in seconds.
	BatchDuration prometheus.Histogram

	// UnhealthyPauses counts pauses taken because the host was under resource pressure.
	UnhealthyPauses prometheus.Counter

	// ResourceSampleErrors counts failed CPU or memory probes, labeled by probe.
	ResourceSampleErrors *prometheus.CounterVec

	// DuplicatesMarked counts studies marked as duplicates, labeled by method.
	DuplicatesMarked *prometheus.CounterVec

	// StudyTransitions counts study status changes, labeled by target status and
	// whether the change was outside the PRISMA stage graph.
	StudyTransitions *prometheus.CounterVec

	// TransitionsRejected counts status changes rejected in strict mode.
	TransitionsRejected prometheus.Counter

	// StatsAnomalies counts statistics computations that produced negative pending counts.
	StatsAnomalies prometheus.Counter

	// ExportsTotal counts exports, labeled by format.
	ExportsTotal *prometheus.CounterVec

	// ExportsArchived counts exports uploaded to the archive.
	ExportsArchived prometheus.Counter

	// SourceRequestsTotal counts HTTP requests to candidate source APIs, labeled by source and endpoint.
	SourceRequestsTotal *prometheus.CounterVec

	// SourceRequestsFailed counts failed HTTP requests to candidate source APIs, labeled by source, endpoint, and error type.
	SourceRequestsFailed *prometheus.CounterVec

	// SourceRequestDuration observes HTTP request duration to candidate source APIs in seconds.
	SourceRequestDuration *prometheus.HistogramVec

	// EventsPublished counts domain events published, labeled by event type.
	EventsPublished *prometheus.CounterVec

	// EventsFailed counts domain events that could not be published, labeled by event type.
	EventsFailed *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		// Reviews
		ReviewsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reviews_created_total",
			Help:      "Total number of systematic reviews created",
		}),

		// Imports
		ImportsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_started_total",
			Help:      "Total number of batch imports started",
		}),
		ImportsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_cancelled_total",
			Help:      "Total number of batch imports cancelled before completion",
		}),
		ImportDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "import_duration_seconds",
			Help:      "Duration of batch imports in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		StudiesImported: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "studies_imported_total",
			Help:      "Total number of studies inserted by the batch importer",
		}),
		StudiesSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "studies_skipped_total",
			Help:      "Total number of candidates skipped because their external id was already stored",
		}),
		BatchesCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_batches_committed_total",
			Help:      "Total number of import batches committed",
		}),
		BatchesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_batches_failed_total",
			Help:      "Total number of import batches rolled back",
		}),
		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "import_batch_duration_seconds",
			Help:      "Duration of a single import batch transaction in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// Resources
		UnhealthyPauses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_unhealthy_pauses_total",
			Help:      "Total number of import pauses caused by host resource pressure",
		}),
		ResourceSampleErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_sample_errors_total",
			Help:      "Total number of failed host resource probes",
		}, []string{"probe"}),

		// Deduplication
		DuplicatesMarked: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_marked_total",
			Help:      "Total number of studies marked as duplicates",
		}, []string{"method"}),

		// Stage tracking
		StudyTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "study_transitions_total",
			Help:      "Total number of study status changes",
		}, []string{"status", "suspect"}),
		TransitionsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "study_transitions_rejected_total",
			Help:      "Total number of study status changes rejected outside the stage graph",
		}),
		StatsAnomalies: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_anomalies_total",
			Help:      "Total number of statistics computations with negative pending counts",
		}),

		// Exports
		ExportsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Total number of review exports",
		}, []string{"format"}),
		ExportsArchived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_archived_total",
			Help:      "Total number of review exports uploaded to the archive",
		}),

		// Candidate sources
		SourceRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "Total number of requests to candidate source APIs",
		}, []string{"source", "endpoint"}),
		SourceRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_failed_total",
			Help:      "Total number of failed requests to candidate source APIs",
		}, []string{"source", "endpoint", "error_type"}),
		SourceRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_request_duration_seconds",
			Help:      "Duration of requests to candidate source APIs in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source", "endpoint"}),

		// Events
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of domain events published",
		}, []string{"event_type"}),
		EventsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Total number of domain events that failed to publish",
		}, []string{"event_type"}),
	}
}

// RecordReviewCreated records that a review has been created.
func (m *Metrics) RecordReviewCreated() {
	m.ReviewsCreated.Inc()
}

// RecordImportStarted records that a batch import has started.
func (m *Metrics) RecordImportStarted() {
	m.ImportsStarted.Inc()
}

// RecordImportFinished records the outcome of a batch import.
func (m *Metrics) RecordImportFinished(inserted, skipped int, durationSeconds float64, cancelled bool) {
	m.StudiesImported.Add(float64(inserted))
	m.StudiesSkipped.Add(float64(skipped))
	m.ImportDuration.Observe(durationSeconds)
	if cancelled {
		m.ImportsCancelled.Inc()
	}
}

// RecordBatchCommitted records a committed import batch.
func (m *Metrics) RecordBatchCommitted(durationSeconds float64) {
	m.BatchesCommitted.Inc()
	m.BatchDuration.Observe(durationSeconds)
}

// RecordBatchFailed records a rolled back import batch.
func (m *Metrics) RecordBatchFailed(durationSeconds float64) {
	m.BatchesFailed.Inc()
	m.BatchDuration.Observe(durationSeconds)
}

// RecordUnhealthyPause records a pause taken because of host resource pressure.
func (m *Metrics) RecordUnhealthyPause() {
	m.UnhealthyPauses.Inc()
}

// RecordResourceSampleError records a failed host resource probe ("cpu" or "memory").
func (m *Metrics) RecordResourceSampleError(probe string) {
	m.ResourceSampleErrors.WithLabelValues(probe).Inc()
}

// RecordDuplicates records studies marked as duplicates by a method.
func (m *Metrics) RecordDuplicates(method string, count int) {
	m.DuplicatesMarked.WithLabelValues(method).Add(float64(count))
}

// RecordTransition records a study status change.
func (m *Metrics) RecordTransition(status string, suspect bool) {
	m.StudyTransitions.WithLabelValues(status, strconv.FormatBool(suspect)).Inc()
}

// RecordTransitionRejected records a status change rejected in strict mode.
func (m *Metrics) RecordTransitionRejected() {
	m.TransitionsRejected.Inc()
}

// RecordStatsAnomaly records a statistics computation with negative pending counts.
func (m *Metrics) RecordStatsAnomaly() {
	m.StatsAnomalies.Inc()
}

// RecordExport records an export in the given format.
func (m *Metrics) RecordExport(format string) {
	m.ExportsTotal.WithLabelValues(format).Inc()
}

// RecordExportArchived records an export uploaded to the archive.
func (m *Metrics) RecordExportArchived() {
	m.ExportsArchived.Inc()
}

// RecordSourceRequest records a request to a candidate source.
func (m *Metrics) RecordSourceRequest(source, endpoint string, durationSeconds float64) {
	m.SourceRequestsTotal.WithLabelValues(source, endpoint).Inc()
	m.SourceRequestDuration.WithLabelValues(source, endpoint).Observe(durationSeconds)
}

// RecordSourceRequestFailed records a failed request to a candidate source.
func (m *Metrics) RecordSourceRequestFailed(source, endpoint, errorType string) {
	m.SourceRequestsFailed.WithLabelValues(source, endpoint, errorType).Inc()
}

// RecordEventPublished records a published domain event.
func (m *Metrics) RecordEventPublished(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventFailed records a domain event that could not be published.
func (m *Metrics) RecordEventFailed(eventType string) {
	m.EventsFailed.WithLabelValues(eventType).Inc()
}
