package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event type constants for published domain events.
const (
	EventTypeReviewCreated       = "review.created"
	EventTypeReviewStatusChanged = "review.status_changed"
	EventTypeStudiesImported     = "review.studies_imported"
	EventTypeStudiesDeduplicated = "review.studies_deduplicated"
	EventTypeStudyStatusChanged  = "study.status_changed"
)

// Event is a domain event ready to be published to the event bus.
type Event struct {
	EventID      string
	EventVersion int
	EventType    string
	ReviewID     int64
	Owner        string
	Payload      []byte
	CreatedAt    time.Time
}

// NewEvent creates a new event for a review.
// The payload is JSON-serialized automatically.
func NewEvent(eventType string, reviewID int64, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		EventID:      uuid.New().String(),
		EventVersion: 1,
		EventType:    eventType,
		ReviewID:     reviewID,
		Payload:      payloadBytes,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// WithOwner sets the owning user on the event.
func (e *Event) WithOwner(owner string) *Event {
	e.Owner = owner
	return e
}

// Key returns the partition key of the event. Events of one review share a key
// so consumers see them in order.
func (e *Event) Key() []byte {
	return []byte(strconv.FormatInt(e.ReviewID, 10))
}

// ReviewCreatedPayload is the payload for review.created events.
type ReviewCreatedPayload struct {
	ReviewID int64  `json:"review_id"`
	Owner    string `json:"owner"`
	Title    string `json:"title"`
}

// ReviewStatusChangedPayload is the payload for review.status_changed events.
type ReviewStatusChangedPayload struct {
	ReviewID int64        `json:"review_id"`
	Status   ReviewStatus `json:"status"`
}

// StudiesImportedPayload is the payload for review.studies_imported events.
type StudiesImportedPayload struct {
	ReviewID      int64  `json:"review_id"`
	Source        string `json:"source"`
	Total         int    `json:"total"`
	Inserted      int    `json:"inserted"`
	Skipped       int    `json:"skipped"`
	Failed        int    `json:"failed"`
	FailedBatches int    `json:"failed_batches"`
}

// StudiesDeduplicatedPayload is the payload for review.studies_deduplicated events.
type StudiesDeduplicatedPayload struct {
	ReviewID   int64       `json:"review_id"`
	Method     DedupMethod `json:"method"`
	Duplicates int         `json:"duplicates"`
}

// StudyStatusChangedPayload is the payload for study.status_changed events.
type StudyStatusChangedPayload struct {
	ReviewID int64       `json:"review_id"`
	StudyID  int64       `json:"study_id"`
	From     StudyStatus `json:"from"`
	To       StudyStatus `json:"to"`
	Suspect  bool        `json:"suspect"`
}
