// Package export renders the full state of a review for download.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/observability"
	"github.com/helixir/prisma-review-service/internal/repository"
)

// Format is an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat validates an export format name. Matching is case-insensitive.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", domain.NewValidationError("format", fmt.Sprintf("unsupported export format: %q", s))
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv; charset=utf-8"
}

// Extension returns the file extension of the format, without the dot.
func (f Format) Extension() string {
	return string(f)
}

// csvHeader is the column order of CSV exports.
var csvHeader = []string{
	"id", "pmid", "title", "authors", "journal", "pub_date", "abstract",
	"status", "screening_notes", "eligibility_notes",
}

// Document is the JSON export layout.
type Document struct {
	Review     *domain.Review     `json:"review"`
	Studies    []domain.Study     `json:"studies"`
	Statistics domain.PrismaStats `json:"statistics"`
}

// Exporter reads a review, its studies and statistics from one snapshot.
type Exporter struct {
	tx      repository.TxRunner
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// New creates an Exporter. metrics may be nil.
func New(tx repository.TxRunner, metrics *observability.Metrics, logger zerolog.Logger) *Exporter {
	return &Exporter{
		tx:      tx,
		metrics: metrics,
		logger:  observability.WithComponent(logger, "exporter"),
	}
}

// Export renders a review in format. An unknown review is a domain.ErrNotFound
// error and an unsupported format a *domain.ValidationError. Nothing is written.
func (e *Exporter) Export(ctx context.Context, reviewID int64, format Format) ([]byte, error) {
	format, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}

	doc, err := e.Load(ctx, reviewID)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch format {
	case FormatCSV:
		data, err = EncodeCSV(doc.Studies)
	case FormatJSON:
		data, err = json.MarshalIndent(doc, "", "    ")
	}
	if err != nil {
		return nil, fmt.Errorf("encode review %d as %s: %w", reviewID, format, err)
	}

	if e.metrics != nil {
		e.metrics.RecordExport(string(format))
	}
	logger := observability.WithReviewContext(e.logger, reviewID)
	logger.Info().
		Str("format", string(format)).
		Int("studies", len(doc.Studies)).
		Int("bytes", len(data)).
		Msg("review exported")

	return data, nil
}

// Load reads everything an export contains.
func (e *Exporter) Load(ctx context.Context, reviewID int64) (*Document, error) {
	doc := &Document{}
	err := e.tx.InSnapshot(ctx, func(s repository.Store) error {
		review, err := s.Reviews.Get(ctx, reviewID)
		if err != nil {
			return err
		}
		doc.Review = review

		doc.Studies, err = s.Studies.List(ctx, reviewID, nil)
		if err != nil {
			return err
		}

		counts, err := s.Studies.CountByStatus(ctx, reviewID)
		if err != nil {
			return err
		}
		doc.Statistics = domain.NewPrismaStats(counts)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load review %d for export: %w", reviewID, err)
	}

	if doc.Studies == nil {
		doc.Studies = []domain.Study{}
	}
	return doc, nil
}

// EncodeCSV writes a header row and one row per study.
func EncodeCSV(studies []domain.Study) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, s := range studies {
		row := []string{
			strconv.FormatInt(s.ID, 10),
			s.ExternalID,
			s.Title,
			s.Authors,
			s.Journal,
			s.PubDate,
			s.Abstract,
			string(s.Status),
			s.ScreeningNotes,
			s.EligibilityNotes,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
