package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcm/rcm/internal/platform/apperror"
	"github.com/rcm/rcm/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

const paymentCols = `id, payer_id, payment_date, total_amount, method, reference_number, status,
	difference, adjustments, remit_claims, client_id, service_date, reconciliation_id,
	source_file, version_id, created_at, updated_at`

func (r *repoPG) scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.PayerID, &p.PaymentDate, &p.TotalAmount, &p.Method, &p.ReferenceNumber, &p.Status,
		&p.Difference, &p.Adjustments, &p.RemitClaims, &p.ClientID, &p.ServiceDate, &p.ReconciliationID,
		&p.SourceFile, &p.VersionID, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *repoPG) CreatePayment(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Adjustments == nil {
		p.Adjustments = []Adjustment{}
	}
	if p.RemitClaims == nil {
		p.RemitClaims = []RemitClaim{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payments (id, payer_id, payment_date, total_amount, method, reference_number, status,
			difference, adjustments, remit_claims, client_id, service_date, reconciliation_id, source_file, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,1)
		RETURNING version_id, created_at, updated_at`,
		p.ID, p.PayerID, p.PaymentDate, p.TotalAmount, p.Method, p.ReferenceNumber, p.Status,
		p.Difference, p.Adjustments, p.RemitClaims, p.ClientID, p.ServiceDate, p.ReconciliationID,
		p.SourceFile).Scan(&p.VersionID, &p.CreatedAt, &p.UpdatedAt)
	return db.WrapError("create payment", err)
}

func (r *repoPG) find(ctx context.Context, key, where string, args ...any) (*Payment, error) {
	p, err := r.scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("payment", key)
	}
	if err != nil {
		return nil, db.WrapError("find payment", err)
	}
	return p, nil
}

func (r *repoPG) FindPaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return r.find(ctx, id.String(), `id = $1`, id)
}

func (r *repoPG) FindPaymentByReference(ctx context.Context, payerID, reference string) (*Payment, error) {
	return r.find(ctx, payerID+"/"+reference, `payer_id = $1 AND reference_number = $2`, payerID, reference)
}

func (r *repoPG) UpdatePayment(ctx context.Context, p *Payment, expectedVersion int) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE payments SET status=$3, difference=$4, reconciliation_id=$5,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		p.ID, expectedVersion, p.Status, p.Difference, p.ReconciliationID).Scan(&p.VersionID, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	return db.WrapError("update payment", err)
}

func (r *repoPG) ListPayments(ctx context.Context, f ListFilter, limit, offset int) ([]*Payment, int, error) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.PayerID != "" {
		args = append(args, f.PayerID)
		where = append(where, fmt.Sprintf("payer_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM payments`+clause, args...).Scan(&total); err != nil {
		return nil, 0, db.WrapError("count payments", err)
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT `+paymentCols+` FROM payments`+clause+
		` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, db.WrapError("list payments", err)
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := r.scanPayment(rows)
		if err != nil {
			return nil, 0, db.WrapError("scan payment", err)
		}
		items = append(items, p)
	}
	return items, total, db.WrapError("list payments", rows.Err())
}

func (r *repoPG) CreateClaimPayment(ctx context.Context, cp *ClaimPayment) error {
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.Adjustments == nil {
		cp.Adjustments = []Adjustment{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim_payments (id, payment_id, claim_id, reconciliation_id, amount, adjustments,
			prior_status, result_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		cp.ID, cp.PaymentID, cp.ClaimID, cp.ReconciliationID, cp.Amount, cp.Adjustments,
		cp.PriorStatus, cp.ResultStatus).Scan(&cp.CreatedAt)
	return db.WrapError("create claim payment", err)
}

func (r *repoPG) ListClaimPayments(ctx context.Context, reconciliationID uuid.UUID) ([]*ClaimPayment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, payment_id, claim_id, reconciliation_id, amount, adjustments, prior_status,
			result_status, created_at, reversed_at
		FROM claim_payments WHERE reconciliation_id = $1 AND reversed_at IS NULL
		ORDER BY created_at, id`, reconciliationID)
	if err != nil {
		return nil, db.WrapError("list claim payments", err)
	}
	defer rows.Close()
	var items []*ClaimPayment
	for rows.Next() {
		var cp ClaimPayment
		if err := rows.Scan(&cp.ID, &cp.PaymentID, &cp.ClaimID, &cp.ReconciliationID, &cp.Amount, &cp.Adjustments,
			&cp.PriorStatus, &cp.ResultStatus, &cp.CreatedAt, &cp.ReversedAt); err != nil {
			return nil, db.WrapError("scan claim payment", err)
		}
		items = append(items, &cp)
	}
	return items, db.WrapError("list claim payments", rows.Err())
}

func (r *repoPG) ReverseClaimPayments(ctx context.Context, reconciliationID uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim_payments SET reversed_at = $2
		WHERE reconciliation_id = $1 AND reversed_at IS NULL`, reconciliationID, at)
	return db.WrapError("reverse claim payments", err)
}
