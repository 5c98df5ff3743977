package domain

import (
	"strings"
	"time"
)

// ReviewConfig holds the per-review settings.
// This struct is stored as JSONB in PostgreSQL.
type ReviewConfig struct {
	// DuplicateDetection is the default deduplication method for the review.
	DuplicateDetection DedupMethod `json:"duplicate_detection"`

	// MinReviewers is the minimum number of reviewers per screening decision.
	MinReviewers int `json:"min_reviewers"`

	// RequireFullText indicates whether eligibility requires full-text review.
	RequireFullText bool `json:"require_full_text"`
}

// DefaultReviewConfig returns the configuration assigned to new reviews.
func DefaultReviewConfig() ReviewConfig {
	return ReviewConfig{
		DuplicateDetection: DedupMethodTitleAbstract,
		MinReviewers:       1,
		RequireFullText:    true,
	}
}

// Review is a systematic review project owned by one user.
type Review struct {
	ID       int64        `json:"id"`
	Owner    string       `json:"owner"`
	Title    string       `json:"title"`
	Question string       `json:"question"`
	Status   ReviewStatus `json:"status"`

	// Config is stored as JSONB.
	Config ReviewConfig `json:"config"`

	// SearchStrategy is nil until set.
	SearchStrategy *string `json:"search_strategy,omitempty"`

	InclusionCriteria []string `json:"inclusion_criteria"`
	ExclusionCriteria []string `json:"exclusion_criteria"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReviewSummary is the list projection of a review.
type ReviewSummary struct {
	ID        int64        `json:"id"`
	Title     string       `json:"title"`
	Question  string       `json:"question"`
	Status    ReviewStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewReview holds the caller-supplied fields of a review to create.
type NewReview struct {
	Owner             string
	Title             string
	Question          string
	InclusionCriteria []string
	ExclusionCriteria []string
}

// Validate checks the required fields of a new review.
func (r NewReview) Validate() error {
	if strings.TrimSpace(r.Owner) == "" {
		return NewValidationError("owner", "must not be empty")
	}
	if strings.TrimSpace(r.Title) == "" {
		return NewValidationError("title", "must not be empty")
	}
	if strings.TrimSpace(r.Question) == "" {
		return NewValidationError("question", "must not be empty")
	}
	return nil
}
