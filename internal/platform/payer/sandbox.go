package payer

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// SandboxAdapter is an in-process payer used in development and tests. It
// acknowledges every claim unless an outcome was scripted for the claim
// number, and reports whatever adjudication status was scripted for a
// tracking id.
type SandboxAdapter struct {
	id string

	mu       sync.Mutex
	seq      int
	outcomes map[string][]error
	statuses map[string]StatusResponse
	down     bool
	calls    map[string]int
}

func NewSandboxAdapter(id string) *SandboxAdapter {
	return &SandboxAdapter{
		id:       id,
		outcomes: make(map[string][]error),
		statuses: make(map[string]StatusResponse),
		calls:    make(map[string]int),
	}
}

// Script queues errors returned by successive submissions of claimNumber.
// A nil entry is a successful submission. The last entry repeats.
func (s *SandboxAdapter) Script(claimNumber string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[claimNumber] = append(s.outcomes[claimNumber], errs...)
}

// Reject makes every submission of claimNumber fail with the HTTP status.
func (s *SandboxAdapter) Reject(claimNumber string, status int) {
	s.Script(claimNumber, Classify(s.id, "/claims", status, http.StatusText(status), nil))
}

// Adjudicate sets the status reported for trackingID.
func (s *SandboxAdapter) Adjudicate(trackingID string, st StatusResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.TrackingID = trackingID
	s.statuses[trackingID] = st
}

// SetDown makes every call fail with a retryable 503.
func (s *SandboxAdapter) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Calls returns how many times op ("submit", "status", "batch", "health") ran.
func (s *SandboxAdapter) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *SandboxAdapter) unavailable(endpoint string) error {
	return Classify(s.id, endpoint, http.StatusServiceUnavailable, "sandbox down", nil)
}

func (s *SandboxAdapter) Connect(ctx context.Context) error {
	_, err := s.CheckHealth(ctx)
	return err
}

func (s *SandboxAdapter) SubmitClaim(ctx context.Context, claim ClaimSubmission) (*SubmitResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(s.id, "/claims", 0, "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["submit"]++
	return s.submitLocked(claim)
}

func (s *SandboxAdapter) submitLocked(claim ClaimSubmission) (*SubmitResponse, error) {
	if s.down {
		return nil, s.unavailable("/claims")
	}
	if queue := s.outcomes[claim.ClaimNumber]; len(queue) > 0 {
		err := queue[0]
		if len(queue) > 1 {
			s.outcomes[claim.ClaimNumber] = queue[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	s.seq++
	tracking := fmt.Sprintf("SBX-%s-%06d", s.id, s.seq)
	s.statuses[tracking] = StatusResponse{TrackingID: tracking, Status: StatusReceived}
	return &SubmitResponse{TrackingID: tracking, Acknowledged: true}, nil
}

func (s *SandboxAdapter) CheckStatus(ctx context.Context, trackingID string) (*StatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["status"]++
	if s.down {
		return nil, s.unavailable("/claims/status")
	}
	st, ok := s.statuses[trackingID]
	if !ok {
		return nil, Classify(s.id, "/claims/status", http.StatusNotFound, "unknown tracking id", nil)
	}
	return &st, nil
}

func (s *SandboxAdapter) SubmitBatch(ctx context.Context, claims []ClaimSubmission) ([]BatchItemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["batch"]++
	if s.down {
		return nil, s.unavailable("/claims/batch")
	}
	results := make([]BatchItemResult, len(claims))
	for i, c := range claims {
		results[i].ClaimID = c.ClaimID
		resp, err := s.submitLocked(c)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].TrackingID = resp.TrackingID
		results[i].Acknowledged = resp.Acknowledged
	}
	return results, nil
}

func (s *SandboxAdapter) CheckHealth(ctx context.Context) (*Health, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["health"]++
	if s.down {
		return &Health{Status: "down", ResponseTimeMs: time.Since(start).Milliseconds()}, s.unavailable("/health")
	}
	return &Health{Status: "up", ResponseTimeMs: time.Since(start).Milliseconds()}, nil
}

var _ Adapter = (*SandboxAdapter)(nil)
var _ Adapter = (*HTTPAdapter)(nil)
