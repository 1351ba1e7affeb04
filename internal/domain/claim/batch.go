package claim

import (
	"github.com/google/uuid"

	"github.com/rcm/rcm/internal/platform/apperror"
)

// BatchItem is the outcome of one successful batch entry.
type BatchItem struct {
	ClaimID    uuid.UUID `json:"claim_id"`
	Status     Status    `json:"status"`
	TrackingID string    `json:"tracking_id,omitempty"`
	Warnings   []Issue   `json:"warnings,omitempty"`
}

// BatchError is the outcome of one failed batch entry. Message is the
// client-safe text for the failure.
type BatchError struct {
	ClaimID   uuid.UUID `json:"claim_id"`
	Error     string    `json:"error"`
	Kind      string    `json:"kind"`
	Rule      string    `json:"rule,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

// BatchResult aggregates a batch run. One entry's failure never aborts the
// others.
type BatchResult struct {
	TotalProcessed int          `json:"total_processed"`
	SuccessCount   int          `json:"success_count"`
	ErrorCount     int          `json:"error_count"`
	Errors         []BatchError `json:"errors"`
	Items          []BatchItem  `json:"items"`
}

func NewBatchResult() *BatchResult {
	return &BatchResult{Errors: []BatchError{}, Items: []BatchItem{}}
}

func (b *BatchResult) AddSuccess(item BatchItem) {
	b.TotalProcessed++
	b.SuccessCount++
	b.Items = append(b.Items, item)
}

func (b *BatchResult) AddError(claimID uuid.UUID, err error) {
	b.TotalProcessed++
	b.ErrorCount++
	body := apperror.PublicBody(err)
	msg := body.Message
	if body.Kind == "validation" {
		msg = err.Error()
	}
	b.Errors = append(b.Errors, BatchError{
		ClaimID:   claimID,
		Error:     msg,
		Kind:      body.Kind,
		Rule:      body.Rule,
		Retryable: apperror.IsRetryable(err),
	})
}
