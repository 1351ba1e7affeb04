package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcm/rcm/internal/platform/apperror"
	"github.com/rcm/rcm/internal/platform/db"
)

func notFoundOr(err error, entity, key, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.NotFound(entity, key)
	}
	return db.WrapError(op, err)
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pool: pool} }

func (r *claimRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

const claimCols = `id, claim_number, status, claim_type, original_claim_id, client_id, payer_id,
	integration_id, service_ids, billed_amount, paid_amount, adjusted_amount,
	submission_method, submission_date, adjudication_date, denial_reason, void_reason,
	appeal_justification, appeal_artifacts, external_tracking_id, earliest_service_date,
	version_id, created_by, created_at, updated_at`

func (r *claimRepoPG) scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.Status, &c.ClaimType, &c.OriginalClaimID, &c.ClientID, &c.PayerID,
		&c.IntegrationID, &c.ServiceIDs, &c.BilledAmount, &c.PaidAmount, &c.AdjustedAmount,
		&c.SubmissionMethod, &c.SubmissionDate, &c.AdjudicationDate, &c.DenialReason, &c.VoidReason,
		&c.AppealJustification, &c.AppealArtifacts, &c.ExternalTrackingID, &c.EarliestServiceDate,
		&c.VersionID, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *claimRepoPG) CreateClaim(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.AppealArtifacts == nil {
		c.AppealArtifacts = []string{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claims (id, claim_number, status, claim_type, original_claim_id, client_id, payer_id,
			integration_id, service_ids, billed_amount, paid_amount, adjusted_amount,
			submission_method, submission_date, adjudication_date, denial_reason, void_reason,
			appeal_justification, appeal_artifacts, external_tracking_id, earliest_service_date,
			version_id, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,1,$22)
		RETURNING version_id, created_at, updated_at`,
		c.ID, c.ClaimNumber, c.Status, c.ClaimType, c.OriginalClaimID, c.ClientID, c.PayerID,
		c.IntegrationID, c.ServiceIDs, c.BilledAmount, c.PaidAmount, c.AdjustedAmount,
		c.SubmissionMethod, c.SubmissionDate, c.AdjudicationDate, c.DenialReason, c.VoidReason,
		c.AppealJustification, c.AppealArtifacts, c.ExternalTrackingID, c.EarliestServiceDate,
		c.CreatedBy).Scan(&c.VersionID, &c.CreatedAt, &c.UpdatedAt)
	return db.WrapError("create claim", err)
}

func (r *claimRepoPG) FindClaimByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := r.scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "claim", id.String(), "find claim")
	}
	return c, nil
}

func (r *claimRepoPG) FindClaimByNumber(ctx context.Context, number string) (*Claim, error) {
	c, err := r.scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE claim_number = $1`, number))
	if err != nil {
		return nil, notFoundOr(err, "claim", number, "find claim by number")
	}
	return c, nil
}

func (r *claimRepoPG) FindClaimByTrackingID(ctx context.Context, trackingID string) (*Claim, error) {
	c, err := r.scanClaim(r.conn(ctx).QueryRow(ctx, `
		SELECT `+claimCols+` FROM claims WHERE external_tracking_id = $1
		ORDER BY created_at DESC LIMIT 1`, trackingID))
	if err != nil {
		return nil, notFoundOr(err, "claim", trackingID, "find claim by tracking id")
	}
	return c, nil
}

func (r *claimRepoPG) UpdateClaimStatus(ctx context.Context, c *Claim, expectedVersion int) error {
	if c.AppealArtifacts == nil {
		c.AppealArtifacts = []string{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE claims SET status=$3, paid_amount=$4, adjusted_amount=$5,
			submission_method=$6, submission_date=$7, adjudication_date=$8,
			denial_reason=$9, void_reason=$10, appeal_justification=$11, appeal_artifacts=$12,
			external_tracking_id=$13, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		c.ID, expectedVersion, c.Status, c.PaidAmount, c.AdjustedAmount,
		c.SubmissionMethod, c.SubmissionDate, c.AdjudicationDate,
		c.DenialReason, c.VoidReason, c.AppealJustification, c.AppealArtifacts,
		c.ExternalTrackingID).Scan(&c.VersionID, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	return db.WrapError("update claim status", err)
}

func (r *claimRepoPG) queryClaims(ctx context.Context, sql string, args ...any) ([]*Claim, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, db.WrapError("query claims", err)
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, db.WrapError("scan claim", err)
		}
		items = append(items, c)
	}
	return items, db.WrapError("query claims", rows.Err())
}

func (r *claimRepoPG) FindOutstandingClaimsByPayer(ctx context.Context, payerID string) ([]*Claim, error) {
	statuses := make([]string, len(OutstandingStatuses))
	for i, s := range OutstandingStatuses {
		statuses[i] = string(s)
	}
	return r.queryClaims(ctx, `
		SELECT `+claimCols+` FROM claims
		WHERE payer_id = $1 AND status = ANY($2)
		ORDER BY submission_date ASC NULLS LAST, claim_number`, payerID, statuses)
}

func (r *claimRepoPG) ListClaims(ctx context.Context, f ListFilter, limit, offset int) ([]*Claim, int, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.PayerID != "" {
		add("payer_id = $%d", f.PayerID)
	}
	if f.ClientID != nil {
		add("client_id = $%d", *f.ClientID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claims`+clause, args...).Scan(&total); err != nil {
		return nil, 0, db.WrapError("count claims", err)
	}
	args = append(args, limit, offset)
	items, err := r.queryClaims(ctx, fmt.Sprintf(`SELECT `+claimCols+` FROM claims`+clause+
		` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	return items, total, err
}

func (r *claimRepoPG) AppendHistory(ctx context.Context, h *StatusHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim_status_history (id, claim_id, from_status, to_status, actor_id, reason, notes, source_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		h.ID, h.ClaimID, h.FromStatus, h.ToStatus, h.ActorID, h.Reason, h.Notes, h.SourceRef).Scan(&h.CreatedAt)
	return db.WrapError("append claim history", err)
}

func (r *claimRepoPG) ListHistory(ctx context.Context, claimID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, from_status, to_status, actor_id, reason, notes, source_ref, created_at
		FROM claim_status_history WHERE claim_id = $1 ORDER BY created_at, id`, claimID)
	if err != nil {
		return nil, db.WrapError("list claim history", err)
	}
	defer rows.Close()
	var items []*StatusHistory
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.ClaimID, &h.FromStatus, &h.ToStatus, &h.ActorID,
			&h.Reason, &h.Notes, &h.SourceRef, &h.CreatedAt); err != nil {
			return nil, db.WrapError("scan claim history", err)
		}
		items = append(items, &h)
	}
	return items, db.WrapError("list claim history", rows.Err())
}

// =========== Service Repository ===========

type serviceRepoPG struct{ pool *pgxpool.Pool }

func NewServiceRepoPG(pool *pgxpool.Pool) ServiceRepository { return &serviceRepoPG{pool: pool} }

func (r *serviceRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

const serviceCols = `id, client_id, payer_id, service_code, service_date, units, rate,
	billing_status, documentation_status, authorization_id, rendering_provider_id, claim_id,
	version_id, created_at, updated_at`

func (r *serviceRepoPG) CreateService(ctx context.Context, s *Service) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO services (id, client_id, payer_id, service_code, service_date, units, rate,
			billing_status, documentation_status, authorization_id, rendering_provider_id, claim_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING version_id, created_at, updated_at`,
		s.ID, s.ClientID, s.PayerID, s.ServiceCode, s.ServiceDate, s.Units, s.Rate,
		s.BillingStatus, s.DocumentationStatus, s.AuthorizationID, s.RenderingProviderID, s.ClaimID,
	).Scan(&s.VersionID, &s.CreatedAt, &s.UpdatedAt)
	return db.WrapError("create service", err)
}

// FindServicesByIDs returns the services in the order of ids. Missing ids
// are simply absent from the result.
func (r *serviceRepoPG) FindServicesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Service, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+serviceCols+` FROM services WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, db.WrapError("find services", err)
	}
	defer rows.Close()
	byID := make(map[uuid.UUID]*Service, len(ids))
	for rows.Next() {
		var s Service
		if err := rows.Scan(&s.ID, &s.ClientID, &s.PayerID, &s.ServiceCode, &s.ServiceDate, &s.Units, &s.Rate,
			&s.BillingStatus, &s.DocumentationStatus, &s.AuthorizationID, &s.RenderingProviderID, &s.ClaimID,
			&s.VersionID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, db.WrapError("scan service", err)
		}
		byID[s.ID] = &s
	}
	if err := rows.Err(); err != nil {
		return nil, db.WrapError("find services", err)
	}
	items := make([]*Service, 0, len(byID))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			items = append(items, s)
		}
	}
	return items, nil
}

func (r *serviceRepoPG) UpdateServiceBillingStatus(ctx context.Context, id uuid.UUID, status BillingStatus, claimID *uuid.UUID, expectedVersion int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE services SET billing_status = $3, claim_id = $4, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2`, id, expectedVersion, status, claimID)
	if err != nil {
		return db.WrapError("update service billing status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// =========== Authorization Repository ===========

type authorizationRepoPG struct{ pool *pgxpool.Pool }

func NewAuthorizationRepoPG(pool *pgxpool.Pool) AuthorizationRepository {
	return &authorizationRepoPG{pool: pool}
}

func (r *authorizationRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

func (r *authorizationRepoPG) CreateAuthorization(ctx context.Context, a *Authorization) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO authorizations (id, client_id, payer_id, service_code, authorized_units, used_units, start_date, end_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		a.ID, a.ClientID, a.PayerID, a.ServiceCode, a.AuthorizedUnits, a.UsedUnits, a.StartDate, a.EndDate,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	return db.WrapError("create authorization", err)
}

func (r *authorizationRepoPG) FindAuthorizationByID(ctx context.Context, id uuid.UUID) (*Authorization, error) {
	var a Authorization
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, client_id, payer_id, service_code, authorized_units, used_units, start_date, end_date, created_at, updated_at
		FROM authorizations WHERE id = $1`, id).Scan(
		&a.ID, &a.ClientID, &a.PayerID, &a.ServiceCode, &a.AuthorizedUnits, &a.UsedUnits,
		&a.StartDate, &a.EndDate, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "authorization", id.String(), "find authorization")
	}
	return &a, nil
}

func (r *authorizationRepoPG) AdjustUsedUnits(ctx context.Context, id uuid.UUID, delta int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE authorizations SET used_units = used_units + $2, updated_at = NOW()
		WHERE id = $1 AND used_units + $2 BETWEEN 0 AND authorized_units`, id, delta)
	if err != nil {
		return db.WrapError("adjust authorization units", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnitsUnavailable
	}
	return nil
}
