package claim

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcm/rcm/internal/platform/apperror"
)

// MemoryStore implements the claim, service and authorization repositories
// in memory. It takes part in db.MemTx through Snapshot.
type MemoryStore struct {
	mu       sync.RWMutex
	claims   map[uuid.UUID]*Claim
	history  map[uuid.UUID][]*StatusHistory
	services map[uuid.UUID]*Service
	auths    map[uuid.UUID]*Authorization
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:   make(map[uuid.UUID]*Claim),
		history:  make(map[uuid.UUID][]*StatusHistory),
		services: make(map[uuid.UUID]*Service),
		auths:    make(map[uuid.UUID]*Authorization),
	}
}

// Snapshot copies the whole store and returns a function restoring it.
func (m *MemoryStore) Snapshot() func() {
	m.mu.RLock()
	claims := make(map[uuid.UUID]*Claim, len(m.claims))
	for k, v := range m.claims {
		claims[k] = v.Clone()
	}
	history := make(map[uuid.UUID][]*StatusHistory, len(m.history))
	for k, v := range m.history {
		history[k] = append([]*StatusHistory(nil), v...)
	}
	services := make(map[uuid.UUID]*Service, len(m.services))
	for k, v := range m.services {
		services[k] = v.Clone()
	}
	auths := make(map[uuid.UUID]*Authorization, len(m.auths))
	for k, v := range m.auths {
		a := *v
		auths[k] = &a
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.claims, m.history, m.services, m.auths = claims, history, services, auths
	}
}

// now returns strictly increasing timestamps so history order is stable.
func (m *MemoryStore) now() time.Time {
	m.seq++
	return time.Now().UTC().Add(time.Duration(m.seq) * time.Microsecond)
}

// -- Claims --

func (m *MemoryStore) CreateClaim(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if _, ok := m.claims[c.ID]; ok {
		return &apperror.DatabaseError{Op: "create claim", Duplicate: true}
	}
	for _, existing := range m.claims {
		if existing.ClaimNumber == c.ClaimNumber {
			return &apperror.DatabaseError{Op: "create claim", Duplicate: true}
		}
	}
	c.VersionID = 1
	c.CreatedAt = m.now()
	c.UpdatedAt = c.CreatedAt
	m.claims[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) FindClaimByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, apperror.NotFound("claim", id.String())
	}
	return c.Clone(), nil
}

func (m *MemoryStore) FindClaimByNumber(_ context.Context, number string) (*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.claims {
		if c.ClaimNumber == number {
			return c.Clone(), nil
		}
	}
	return nil, apperror.NotFound("claim", number)
}

func (m *MemoryStore) FindClaimByTrackingID(_ context.Context, trackingID string) (*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Claim
	for _, c := range m.claims {
		if c.TrackingID() == trackingID && (found == nil || c.CreatedAt.After(found.CreatedAt)) {
			found = c
		}
	}
	if found == nil {
		return nil, apperror.NotFound("claim", trackingID)
	}
	return found.Clone(), nil
}

func (m *MemoryStore) UpdateClaimStatus(_ context.Context, c *Claim, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.claims[c.ID]
	if !ok || stored.VersionID != expectedVersion {
		return ErrVersionConflict
	}
	next := stored.Clone()
	next.Status = c.Status
	next.PaidAmount = c.PaidAmount
	next.AdjustedAmount = c.AdjustedAmount
	next.SubmissionMethod = clonePtr(c.SubmissionMethod)
	next.SubmissionDate = clonePtr(c.SubmissionDate)
	next.AdjudicationDate = clonePtr(c.AdjudicationDate)
	next.DenialReason = clonePtr(c.DenialReason)
	next.VoidReason = clonePtr(c.VoidReason)
	next.AppealJustification = clonePtr(c.AppealJustification)
	next.AppealArtifacts = append([]string(nil), c.AppealArtifacts...)
	next.ExternalTrackingID = clonePtr(c.ExternalTrackingID)
	next.VersionID = expectedVersion + 1
	next.UpdatedAt = m.now()
	m.claims[c.ID] = next

	c.VersionID = next.VersionID
	c.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryStore) FindOutstandingClaimsByPayer(_ context.Context, payerID string) ([]*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []*Claim
	for _, c := range m.claims {
		if c.PayerID == payerID && c.Status.IsOutstanding() {
			items = append(items, c.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].SubmissionDate, items[j].SubmissionDate
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return items[i].ClaimNumber < items[j].ClaimNumber
	})
	return items, nil
}

func (m *MemoryStore) ListClaims(_ context.Context, f ListFilter, limit, offset int) ([]*Claim, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []*Claim
	for _, c := range m.claims {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.PayerID != "" && c.PayerID != f.PayerID {
			continue
		}
		if f.ClientID != nil && c.ClientID != *f.ClientID {
			continue
		}
		items = append(items, c.Clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	total := len(items)
	if offset >= total {
		return []*Claim{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, h *StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	h.CreatedAt = m.now()
	cp := *h
	m.history[h.ClaimID] = append(m.history[h.ClaimID], &cp)
	return nil
}

func (m *MemoryStore) ListHistory(_ context.Context, claimID uuid.UUID) ([]*StatusHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[claimID]
	out := make([]*StatusHistory, len(entries))
	for i, h := range entries {
		cp := *h
		out[i] = &cp
	}
	return out, nil
}

// -- Services --

func (m *MemoryStore) CreateService(_ context.Context, s *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.VersionID = 1
	s.CreatedAt = m.now()
	s.UpdatedAt = s.CreatedAt
	m.services[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) FindServicesByIDs(_ context.Context, ids []uuid.UUID) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]*Service, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.services[id]; ok {
			items = append(items, s.Clone())
		}
	}
	return items, nil
}

func (m *MemoryStore) UpdateServiceBillingStatus(_ context.Context, id uuid.UUID, status BillingStatus, claimID *uuid.UUID, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[id]
	if !ok || s.VersionID != expectedVersion {
		return ErrVersionConflict
	}
	next := s.Clone()
	next.BillingStatus = status
	next.ClaimID = clonePtr(claimID)
	next.VersionID++
	next.UpdatedAt = m.now()
	m.services[id] = next
	return nil
}

// -- Authorizations --

func (m *MemoryStore) CreateAuthorization(_ context.Context, a *Authorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = m.now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.auths[a.ID] = &cp
	return nil
}

func (m *MemoryStore) FindAuthorizationByID(_ context.Context, id uuid.UUID) (*Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auths[id]
	if !ok {
		return nil, apperror.NotFound("authorization", id.String())
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) AdjustUsedUnits(_ context.Context, id uuid.UUID, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auths[id]
	if !ok {
		return ErrUnitsUnavailable
	}
	used := a.UsedUnits + delta
	if used < 0 || used > a.AuthorizedUnits {
		return ErrUnitsUnavailable
	}
	cp := *a
	cp.UsedUnits = used
	cp.UpdatedAt = m.now()
	m.auths[id] = &cp
	return nil
}

var (
	_ ClaimRepository         = (*MemoryStore)(nil)
	_ ServiceRepository       = (*MemoryStore)(nil)
	_ AuthorizationRepository = (*MemoryStore)(nil)
)
