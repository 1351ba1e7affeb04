package claim

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrVersionConflict is returned by optimistic updates when the stored
// version no longer matches the expected one.
var ErrVersionConflict = errors.New("version conflict")

// ErrUnitsUnavailable is returned when an authorization cannot absorb a
// change in used units.
var ErrUnitsUnavailable = errors.New("authorization units unavailable")

// ListFilter narrows ListClaims. Empty fields match everything.
type ListFilter struct {
	Status   Status
	PayerID  string
	ClientID *uuid.UUID
}

type ClaimRepository interface {
	CreateClaim(ctx context.Context, c *Claim) error
	FindClaimByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	FindClaimByNumber(ctx context.Context, number string) (*Claim, error)
	FindClaimByTrackingID(ctx context.Context, trackingID string) (*Claim, error)
	// UpdateClaimStatus writes c's mutable fields if the stored version equals
	// expectedVersion, then sets c.VersionID to the new version.
	UpdateClaimStatus(ctx context.Context, c *Claim, expectedVersion int) error
	FindOutstandingClaimsByPayer(ctx context.Context, payerID string) ([]*Claim, error)
	ListClaims(ctx context.Context, filter ListFilter, limit, offset int) ([]*Claim, int, error)
	// History
	AppendHistory(ctx context.Context, h *StatusHistory) error
	ListHistory(ctx context.Context, claimID uuid.UUID) ([]*StatusHistory, error)
}

type ServiceRepository interface {
	CreateService(ctx context.Context, s *Service) error
	FindServicesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Service, error)
	// UpdateServiceBillingStatus is optimistic on the service version.
	UpdateServiceBillingStatus(ctx context.Context, id uuid.UUID, status BillingStatus, claimID *uuid.UUID, expectedVersion int) error
}

type AuthorizationRepository interface {
	CreateAuthorization(ctx context.Context, a *Authorization) error
	FindAuthorizationByID(ctx context.Context, id uuid.UUID) (*Authorization, error)
	// AdjustUsedUnits adds delta to used units; it fails with
	// ErrUnitsUnavailable if the result would leave [0, authorized].
	AdjustUsedUnits(ctx context.Context, id uuid.UUID, delta int) error
}
