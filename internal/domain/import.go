package domain

import "time"

// BatchFailure records a batch whose transaction was rolled back during an import.
type BatchFailure struct {
	Chunk  int    `json:"chunk"`
	Batch  int    `json:"batch"`
	Offset int    `json:"offset"`
	Size   int    `json:"size"`
	Error  string `json:"error"`
}

// ImportResult summarizes a batch import run.
type ImportResult struct {
	Total         int            `json:"total"`
	Inserted      int            `json:"inserted"`
	Skipped       int            `json:"skipped"`
	Failed        int            `json:"failed"`
	Chunks        int            `json:"chunks"`
	Batches       int            `json:"batches"`
	FailedBatches []BatchFailure `json:"failed_batches,omitempty"`
	Duration      time.Duration  `json:"duration"`
}

// HasFailures reports whether any batch was rolled back.
func (r ImportResult) HasFailures() bool {
	return len(r.FailedBatches) > 0
}
