// Package observability provides logging and metrics support for
// the PRISMA review service.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - Prometheus metrics for imports, deduplication, stage transitions and exports
//   - Context helpers for propagating request data
//
// # Logging
//
// Create a logger from configuration:
//
//	cfg := observability.LoggingConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    Output:    "stdout",
//	    AddSource: true,
//	}
//
//	logger := observability.NewLogger(cfg)
//	logger.Info().Int64("review_id", id).Msg("import started")
//
// Add review context to logger:
//
//	logger = observability.WithReviewContext(logger, reviewID)
//
// # Metrics
//
// Initialize metrics once per process:
//
//	metrics := observability.NewMetrics("prisma")
//
//	metrics.StudiesImported.Add(float64(result.Inserted))
//	metrics.DuplicatesMarked.WithLabelValues("title_abstract").Add(3)
//
// # Standard Fields
//
// Common fields used across the service:
//
//   - request_id: HTTP request identifier
//   - owner: Owning user of the review
//   - review_id: Review identifier
//   - study_id: Study identifier
//   - chunk, batch: Batch import position
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
