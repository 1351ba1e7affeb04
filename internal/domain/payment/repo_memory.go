package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcm/rcm/internal/platform/apperror"
)

// MemoryStore implements Repository in memory. It takes part in db.MemTx
// through Snapshot.
type MemoryStore struct {
	mu          sync.RWMutex
	payments    map[uuid.UUID]*Payment
	allocations []*ClaimPayment
	seq         int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[uuid.UUID]*Payment)}
}

// Snapshot copies the store and returns a function restoring it.
func (m *MemoryStore) Snapshot() func() {
	m.mu.RLock()
	payments := make(map[uuid.UUID]*Payment, len(m.payments))
	for k, v := range m.payments {
		payments[k] = v.Clone()
	}
	allocations := make([]*ClaimPayment, len(m.allocations))
	for i, cp := range m.allocations {
		allocations[i] = cloneClaimPayment(cp)
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.payments, m.allocations = payments, allocations
	}
}

func cloneClaimPayment(cp *ClaimPayment) *ClaimPayment {
	out := *cp
	out.Adjustments = append([]Adjustment(nil), cp.Adjustments...)
	if cp.ReversedAt != nil {
		t := *cp.ReversedAt
		out.ReversedAt = &t
	}
	return &out
}

func (m *MemoryStore) now() time.Time {
	m.seq++
	return time.Now().UTC().Add(time.Duration(m.seq) * time.Microsecond)
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	for _, existing := range m.payments {
		if existing.ID == p.ID || (existing.PayerID == p.PayerID && existing.ReferenceNumber == p.ReferenceNumber) {
			return &apperror.DatabaseError{Op: "create payment", Duplicate: true}
		}
	}
	p.VersionID = 1
	p.CreatedAt = m.now()
	p.UpdatedAt = p.CreatedAt
	m.payments[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) FindPaymentByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, apperror.NotFound("payment", id.String())
	}
	return p.Clone(), nil
}

func (m *MemoryStore) FindPaymentByReference(_ context.Context, payerID, reference string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.PayerID == payerID && p.ReferenceNumber == reference {
			return p.Clone(), nil
		}
	}
	return nil, apperror.NotFound("payment", payerID+"/"+reference)
}

func (m *MemoryStore) UpdatePayment(_ context.Context, p *Payment, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.payments[p.ID]
	if !ok || stored.VersionID != expectedVersion {
		return ErrVersionConflict
	}
	next := stored.Clone()
	next.Status = p.Status
	next.Difference = p.Difference
	next.ReconciliationID = nil
	if p.ReconciliationID != nil {
		id := *p.ReconciliationID
		next.ReconciliationID = &id
	}
	next.VersionID = expectedVersion + 1
	next.UpdatedAt = m.now()
	m.payments[p.ID] = next

	p.VersionID = next.VersionID
	p.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryStore) ListPayments(_ context.Context, f ListFilter, limit, offset int) ([]*Payment, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []*Payment
	for _, p := range m.payments {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.PayerID != "" && p.PayerID != f.PayerID {
			continue
		}
		items = append(items, p.Clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	total := len(items)
	if offset >= total {
		return []*Payment{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (m *MemoryStore) CreateClaimPayment(_ context.Context, cp *ClaimPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[cp.PaymentID]; !ok {
		return &apperror.DatabaseError{Op: "create claim payment", Err: apperror.NotFound("payment", cp.PaymentID.String())}
	}
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = m.now()
	m.allocations = append(m.allocations, cloneClaimPayment(cp))
	return nil
}

func (m *MemoryStore) ListClaimPayments(_ context.Context, reconciliationID uuid.UUID) ([]*ClaimPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []*ClaimPayment
	for _, cp := range m.allocations {
		if cp.ReconciliationID == reconciliationID && cp.ReversedAt == nil {
			items = append(items, cloneClaimPayment(cp))
		}
	}
	return items, nil
}

func (m *MemoryStore) ReverseClaimPayments(_ context.Context, reconciliationID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.allocations {
		if cp.ReconciliationID == reconciliationID && cp.ReversedAt == nil {
			t := at
			cp.ReversedAt = &t
		}
	}
	return nil
}
