package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrVersionConflict is returned by UpdatePayment when the stored version no
// longer matches the expected one.
var ErrVersionConflict = errors.New("payment version conflict")

// ListFilter narrows ListPayments. Empty fields match everything.
type ListFilter struct {
	Status  Status
	PayerID string
}

type Repository interface {
	// CreatePayment fails with a duplicate DatabaseError when the payer
	// already has a payment with the same reference number.
	CreatePayment(ctx context.Context, p *Payment) error
	FindPaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	FindPaymentByReference(ctx context.Context, payerID, reference string) (*Payment, error)
	// UpdatePayment writes status, difference and reconciliation id when the
	// stored version equals expectedVersion.
	UpdatePayment(ctx context.Context, p *Payment, expectedVersion int) error
	ListPayments(ctx context.Context, filter ListFilter, limit, offset int) ([]*Payment, int, error)

	CreateClaimPayment(ctx context.Context, cp *ClaimPayment) error
	// ListClaimPayments returns the allocations of a reconciliation that have
	// not been reversed, oldest first.
	ListClaimPayments(ctx context.Context, reconciliationID uuid.UUID) ([]*ClaimPayment, error)
	ReverseClaimPayments(ctx context.Context, reconciliationID uuid.UUID, at time.Time) error
}
