package domain

import "strings"

// Study is one candidate publication tracked within a review.
type Study struct {
	ID               int64       `json:"id"`
	ReviewID         int64       `json:"review_id"`
	ExternalID       string      `json:"pmid"`
	Title            string      `json:"title"`
	Authors          string      `json:"authors"`
	Journal          string      `json:"journal"`
	PubDate          string      `json:"pub_date"`
	Abstract         string      `json:"abstract"`
	Status           StudyStatus `json:"status"`
	ScreeningNotes   string      `json:"screening_notes"`
	EligibilityNotes string      `json:"eligibility_notes"`
	DataExtracted    string      `json:"-"`
}

// IsDuplicate reports whether the study was excluded by automatic deduplication.
func (s *Study) IsDuplicate() bool {
	return s.Status == StudyStatusScreenedExcluded && s.ScreeningNotes == DuplicateNote
}

// Candidate is an import input record. Every field except Title is optional.
type Candidate struct {
	ExternalID string `json:"pmid,omitempty"`
	Title      string `json:"title"`
	Authors    string `json:"authors,omitempty"`
	Journal    string `json:"journal,omitempty"`
	PubDate    string `json:"pub_date,omitempty"`
	Abstract   string `json:"abstract,omitempty"`
}

// Normalized returns a copy with trimmed identifiers and the placeholder title
// applied when the candidate has none.
func (c Candidate) Normalized() Candidate {
	c.ExternalID = strings.TrimSpace(c.ExternalID)
	if strings.TrimSpace(c.Title) == "" {
		c.Title = PlaceholderTitle
	}
	return c
}
