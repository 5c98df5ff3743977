// Package papersources provides clients that supply candidate studies for import
// from external bibliographic databases.
//
// Each database implements CandidateSource. Results are plain domain.Candidate
// values ready to be handed to the batch importer:
//
//	src := pubmed.New(cfg, metrics)
//	result, err := src.Search(ctx, papersources.SearchParams{
//		Query:      "statins AND mortality",
//		MaxResults: 200,
//	})
package papersources

import (
	"context"
	"time"

	"github.com/helixir/prisma-review-service/internal/domain"
)

// SearchParams defines a candidate search.
type SearchParams struct {
	// Query is the search expression in the syntax of the source (required).
	Query string

	// MaxResults limits the number of candidates returned. Zero uses the
	// source default; sources cap it at their own maximum.
	MaxResults int

	// Offset is the position of the first result, for paging.
	Offset int

	// DateFrom and DateTo bound the publication date when set.
	DateFrom *time.Time
	DateTo   *time.Time
}

// SearchResult is one page of candidates.
type SearchResult struct {
	// Candidates in the order the source ranked them.
	Candidates []domain.Candidate

	// TotalResults is the number of records matching the query at the source.
	TotalResults int

	// HasMore is set when records beyond this page exist; NextOffset is the
	// offset of the next page.
	HasMore    bool
	NextOffset int

	// Source is the name of the source that produced the page.
	Source string

	SearchDuration time.Duration
}

// CandidateSource searches an external database for candidate studies.
type CandidateSource interface {
	// Search returns the candidates matching params. Failures of the remote
	// service are returned as *domain.ExternalAPIError.
	Search(ctx context.Context, params SearchParams) (*SearchResult, error)

	// Name identifies the source in logs, metrics and events.
	Name() string

	// IsEnabled reports whether the source may be queried.
	IsEnabled() bool
}
