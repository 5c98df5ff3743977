// Package domain provides domain models and business logic for the PRISMA Review Service.
package domain

// ReviewStatus represents the workflow stage label of a systematic review.
type ReviewStatus string

const (
	ReviewStatusIdentification ReviewStatus = "identification"
	ReviewStatusScreening      ReviewStatus = "screening"
	ReviewStatusEligibility    ReviewStatus = "eligibility"
	ReviewStatusIncluded       ReviewStatus = "included"
	ReviewStatusCompleted      ReviewStatus = "completed"
)

// IsValid reports whether s is one of the known review stages.
func (s ReviewStatus) IsValid() bool {
	switch s {
	case ReviewStatusIdentification, ReviewStatusScreening, ReviewStatusEligibility,
		ReviewStatusIncluded, ReviewStatusCompleted:
		return true
	}
	return false
}

// StudyStatus represents the PRISMA stage of a single study within a review.
type StudyStatus string

const (
	StudyStatusIdentified       StudyStatus = "identified"
	StudyStatusScreenedIncluded StudyStatus = "screened_included"
	StudyStatusScreenedExcluded StudyStatus = "screened_excluded"
	StudyStatusEligible         StudyStatus = "eligible"
	StudyStatusNotEligible      StudyStatus = "not_eligible"
	StudyStatusIncluded         StudyStatus = "included"
)

// AllStudyStatuses lists every study status in PRISMA stage order.
var AllStudyStatuses = []StudyStatus{
	StudyStatusIdentified,
	StudyStatusScreenedIncluded,
	StudyStatusScreenedExcluded,
	StudyStatusEligible,
	StudyStatusNotEligible,
	StudyStatusIncluded,
}

// IsValid reports whether s is one of the known study statuses.
func (s StudyStatus) IsValid() bool {
	for _, known := range AllStudyStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// NotesColumn returns which notes field a transition into s records its notes in.
func (s StudyStatus) NotesColumn() NotesField {
	switch s {
	case StudyStatusScreenedIncluded, StudyStatusScreenedExcluded:
		return NotesFieldScreening
	case StudyStatusEligible, StudyStatusNotEligible:
		return NotesFieldEligibility
	default:
		return NotesFieldNone
	}
}

// NotesField identifies the study notes column written by a status change.
type NotesField int

const (
	NotesFieldNone NotesField = iota
	NotesFieldScreening
	NotesFieldEligibility
)

// allowedTransitions is the PRISMA stage graph.
var allowedTransitions = map[StudyStatus][]StudyStatus{
	StudyStatusIdentified:       {StudyStatusScreenedIncluded, StudyStatusScreenedExcluded},
	StudyStatusScreenedIncluded: {StudyStatusEligible, StudyStatusNotEligible},
	StudyStatusEligible:         {StudyStatusIncluded},
}

// CanTransitionTo reports whether moving from s to next follows the PRISMA stage graph.
// Setting a study to its current status is always allowed.
func (s StudyStatus) CanTransitionTo(next StudyStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DedupMethod selects the matching strategy used by the deduplicator.
type DedupMethod string

const (
	DedupMethodExternalID    DedupMethod = "external_id"
	DedupMethodTitleAbstract DedupMethod = "title_abstract"

	// dedupMethodPMID is the legacy name of DedupMethodExternalID.
	dedupMethodPMID DedupMethod = "pmid"
)

// ParseDedupMethod normalizes a method name, accepting "pmid" as an alias for external_id.
func ParseDedupMethod(s string) (DedupMethod, error) {
	switch m := DedupMethod(s); m {
	case DedupMethodExternalID, dedupMethodPMID:
		return DedupMethodExternalID, nil
	case DedupMethodTitleAbstract:
		return DedupMethodTitleAbstract, nil
	default:
		return "", NewValidationError("method", "unknown deduplication method: "+s)
	}
}

// DuplicateNote is the screening note recorded on studies marked as duplicates.
const DuplicateNote = "Automatically marked as duplicate"

// PlaceholderTitle is stored for candidates imported without a title.
const PlaceholderTitle = "No title"

// ResourceSample is a point-in-time reading of host CPU and memory utilisation.
type ResourceSample struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	MemoryAvailable uint64  `json:"memory_available"`
	Healthy         bool    `json:"healthy"`
}
