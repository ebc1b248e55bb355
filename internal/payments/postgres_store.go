package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/guildbill/internal/plans"
)

const (
	orderConstraint          = "uq_payments_gateway_order_id"
	gatewayPaymentConstraint = "uq_payments_gateway_payment_id"
)

// PostgresStore persists payments in PostgreSQL.
//
// Unique constraints on gateway_order_id and gateway_payment_id back the
// idempotency of verification at the storage layer. Status transitions are
// single conditional UPDATEs, so concurrent verifiers of the same order
// serialize on the row lock and exactly one sees a returned row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, client_id, user_id, purpose, subscription_id, invoice_id, plan_id, billing_cycle,
	amount, currency, status, gateway, gateway_order_id, gateway_payment_id, receipt, description,
	signature_verified, failure_code, failure_reason, metadata, paid_at, reconciled_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	meta, err := marshalMetadata(pay.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		pay.ID, pay.ClientID, nullString(pay.UserID), string(pay.Purpose), nullString(pay.SubscriptionID),
		nullString(pay.InvoiceID), nullString(pay.PlanID), nullString(string(pay.BillingCycle)),
		pay.Amount, pay.Currency, string(pay.Status), pay.Gateway, pay.GatewayOrderID,
		nullString(pay.GatewayPaymentID), pay.Receipt, nullString(pay.Description), pay.SignatureVerified,
		nullString(pay.FailureCode), nullString(pay.FailureReason), meta,
		nullTime(pay.PaidAt), nullTime(pay.ReconciledAt), pay.CreatedAt, pay.UpdatedAt,
	)
	return mapUniqueViolation(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	pay, err := scanPayment(p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	pay, err := scanPayment(p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE gateway_order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) ListByClient(ctx context.Context, clientID string, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

func (p *PostgresStore) MarkCompleted(ctx context.Context, orderID, gatewayPaymentID string, at time.Time) (*Payment, bool, error) {
	pay, err := scanPayment(p.db.QueryRowContext(ctx, `
		UPDATE payments SET
			status = 'COMPLETED', gateway_payment_id = $2, signature_verified = TRUE,
			failure_code = NULL, failure_reason = NULL, paid_at = $3, updated_at = $3
		WHERE gateway_order_id = $1 AND status IN ('PENDING', 'FAILED')
		RETURNING `+paymentColumns, orderID, gatewayPaymentID, at))
	if err == nil {
		return pay, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, mapUniqueViolation(err)
	}
	current, err := p.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (p *PostgresStore) MarkFailed(ctx context.Context, orderID, code, reason string, at time.Time) (*Payment, bool, error) {
	pay, err := scanPayment(p.db.QueryRowContext(ctx, `
		UPDATE payments SET status = 'FAILED', failure_code = $2, failure_reason = $3, updated_at = $4
		WHERE gateway_order_id = $1 AND status = 'PENDING'
		RETURNING `+paymentColumns, orderID, nullString(code), nullString(reason), at))
	if err == nil {
		return pay, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	current, err := p.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) LinkSubscription(ctx context.Context, id, subscriptionID string) error {
	return p.exec(ctx, `UPDATE payments SET subscription_id = $2, updated_at = NOW() WHERE id = $1`, id, subscriptionID)
}

func (p *PostgresStore) LinkInvoice(ctx context.Context, id, invoiceID string) error {
	return p.exec(ctx, `UPDATE payments SET invoice_id = $2, updated_at = NOW() WHERE id = $1`, id, invoiceID)
}

func (p *PostgresStore) MarkReconciled(ctx context.Context, id string, at time.Time) error {
	return p.exec(ctx, `UPDATE payments SET reconciled_at = $2, updated_at = $2 WHERE id = $1`, id, at)
}

func (p *PostgresStore) ListUnreconciled(ctx context.Context, paidBefore time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'COMPLETED' AND reconciled_at IS NULL AND paid_at < $1
		ORDER BY paid_at
		LIMIT $2`, paidBefore, limit)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

const webhookColumns = `id, gateway, event_type, order_id, payment_id, payload, status, attempts, last_error, received_at, processed_at`

func (p *PostgresStore) RecordWebhookEvent(ctx context.Context, ev *WebhookEvent) (*WebhookEvent, bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Gateway, ev.Type, nullString(ev.OrderID), nullString(ev.PaymentID), payloadJSON(ev.Payload),
		string(ev.Status), ev.Attempts, nullString(ev.LastError), ev.ReceivedAt, nullTime(ev.ProcessedAt),
	)
	if err != nil {
		return nil, false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	stored, err := p.GetWebhookEvent(ctx, ev.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, rows == 1, nil
}

func (p *PostgresStore) FinishWebhookEvent(ctx context.Context, id string, status EventStatus, lastError string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = $2, last_error = $3, processed_at = $4, attempts = attempts + 1
		WHERE id = $1`, id, string(status), nullString(lastError), at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWebhookEventNotFound
	}
	return nil
}

func (p *PostgresStore) GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	ev := &WebhookEvent{}
	var (
		status                        string
		orderID, paymentID, lastError sql.NullString
		payload                       []byte
		processedAt                   sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`, id).Scan(
		&ev.ID, &ev.Gateway, &ev.Type, &orderID, &paymentID, &payload, &status, &ev.Attempts,
		&lastError, &ev.ReceivedAt, &processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWebhookEventNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.OrderID = orderID.String
	ev.PaymentID = paymentID.String
	ev.Payload = payload
	ev.Status = EventStatus(status)
	ev.LastError = lastError.String
	ev.ProcessedAt = timePtr(processedAt)
	return ev, nil
}

// Migrate creates the payments and webhook_events tables (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			id                 TEXT PRIMARY KEY,
			client_id          TEXT NOT NULL,
			user_id            TEXT,
			purpose            TEXT NOT NULL,
			subscription_id    TEXT REFERENCES subscriptions(id),
			invoice_id         TEXT REFERENCES invoices(id),
			plan_id            TEXT REFERENCES plans(id),
			billing_cycle      TEXT,
			amount             NUMERIC(14,2) NOT NULL,
			currency           CHAR(3) NOT NULL,
			status             TEXT NOT NULL,
			gateway            TEXT NOT NULL,
			gateway_order_id   TEXT NOT NULL,
			gateway_payment_id TEXT,
			receipt            TEXT NOT NULL,
			description        TEXT,
			signature_verified BOOLEAN NOT NULL DEFAULT FALSE,
			failure_code       TEXT,
			failure_reason     TEXT,
			metadata           JSONB,
			paid_at            TIMESTAMPTZ,
			reconciled_at      TIMESTAMPTZ,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_payments_gateway_order_id UNIQUE (gateway_order_id),
			CONSTRAINT uq_payments_gateway_payment_id UNIQUE (gateway_payment_id)
		);
		CREATE INDEX IF NOT EXISTS idx_payments_client ON payments(client_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_payments_unreconciled ON payments(paid_at)
			WHERE status = 'COMPLETED' AND reconciled_at IS NULL;

		CREATE TABLE IF NOT EXISTS webhook_events (
			id           TEXT PRIMARY KEY,
			gateway      TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			order_id     TEXT,
			payment_id   TEXT,
			payload      JSONB,
			status       TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT,
			received_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON webhook_events(status, received_at);
	`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		purpose, status                     string
		userID, subID, invID, planID, cycle sql.NullString
		gwPaymentID, description            sql.NullString
		failureCode, failureReason          sql.NullString
		meta                                []byte
		paidAt, reconciledAt                sql.NullTime
	)
	err := s.Scan(
		&pay.ID, &pay.ClientID, &userID, &purpose, &subID, &invID, &planID, &cycle,
		&pay.Amount, &pay.Currency, &status, &pay.Gateway, &pay.GatewayOrderID, &gwPaymentID, &pay.Receipt, &description,
		&pay.SignatureVerified, &failureCode, &failureReason, &meta, &paidAt, &reconciledAt, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pay.UserID = userID.String
	pay.Purpose = Purpose(purpose)
	pay.SubscriptionID = subID.String
	pay.InvoiceID = invID.String
	pay.PlanID = planID.String
	pay.BillingCycle = plans.BillingCycle(cycle.String)
	pay.Status = Status(status)
	pay.GatewayPaymentID = gwPaymentID.String
	pay.Description = description.String
	pay.FailureCode = failureCode.String
	pay.FailureReason = failureReason.String
	pay.PaidAt = timePtr(paidAt)
	pay.ReconciledAt = timePtr(reconciledAt)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &pay.Metadata); err != nil {
			return nil, fmt.Errorf("payments: decode metadata: %w", err)
		}
	}
	return pay, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	defer func() { _ = rows.Close() }()
	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case gatewayPaymentConstraint:
		return ErrDuplicateGatewayPay
	case orderConstraint:
		return ErrDuplicateOrder
	default:
		return ErrDuplicateOrder
	}
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("payments: marshal metadata: %w", err)
	}
	return b, nil
}

// payloadJSON keeps the raw webhook body when it is valid JSON.
func payloadJSON(b []byte) []byte {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return b
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

var _ Store = (*PostgresStore)(nil)
