package invoices

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	numberConstraint  = "uq_invoices_number"
	paymentConstraint = "uq_invoices_payment_id"
)

// PostgresStore persists invoices in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `id, invoice_number, client_id, subscription_id, payment_id, line_items,
	subtotal, tax_rate, tax_amount, total, currency, period_start, period_end, status, due_date,
	paid_at, pdf_url, notes, cancelled_at, cancel_reason, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	items, err := json.Marshal(inv.LineItems)
	if err != nil {
		return fmt.Errorf("invoices: marshal line items: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		inv.ID, inv.Number, inv.ClientID, nullString(inv.SubscriptionID), nullString(inv.PaymentID), items,
		inv.Subtotal, inv.TaxRate, inv.TaxAmount, inv.Total, inv.Currency,
		nullTime(inv.PeriodStart), nullTime(inv.PeriodEnd), string(inv.Status), inv.DueDate,
		nullTime(inv.PaidAt), nullString(inv.PdfURL), nullString(inv.Notes),
		nullTime(inv.CancelledAt), nullString(inv.CancelReason), inv.Version, inv.CreatedAt, inv.UpdatedAt,
	)
	return mapUniqueViolation(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	inv, err := scanInvoice(p.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (p *PostgresStore) GetByPaymentID(ctx context.Context, paymentID string) (*Invoice, error) {
	inv, err := scanInvoice(p.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE payment_id = $1`, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (p *PostgresStore) ListByClient(ctx context.Context, clientID string, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

// Update writes the mutable fields when the stored version still matches.
// Line items and totals are fixed at creation and never rewritten.
func (p *PostgresStore) Update(ctx context.Context, inv *Invoice) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET
			status = $1, payment_id = $2, paid_at = $3, pdf_url = $4, notes = $5,
			cancelled_at = $6, cancel_reason = $7, updated_at = $8,
			version = version + 1
		WHERE id = $9 AND version = $10`,
		string(inv.Status), nullString(inv.PaymentID), nullTime(inv.PaidAt), nullString(inv.PdfURL),
		nullString(inv.Notes), nullTime(inv.CancelledAt), nullString(inv.CancelReason), inv.UpdatedAt,
		inv.ID, inv.Version,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConcurrentUpdate
	}
	inv.Version++
	return nil
}

// NextSequence increments the counter atomically; concurrent callers never
// observe the same value.
func (p *PostgresStore) NextSequence(ctx context.Context, key string) (int64, error) {
	var next int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO invoice_sequences (series, last_value) VALUES ($1, 1)
		ON CONFLICT (series) DO UPDATE SET last_value = invoice_sequences.last_value + 1
		RETURNING last_value`, key).Scan(&next)
	return next, err
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status = 'SENT' AND due_date < $1
		ORDER BY due_date
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

// Migrate creates the invoice tables (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS invoices (
			id              TEXT PRIMARY KEY,
			invoice_number  TEXT NOT NULL,
			client_id       TEXT NOT NULL,
			subscription_id TEXT,
			payment_id      TEXT,
			line_items      JSONB NOT NULL,
			subtotal        NUMERIC(14,2) NOT NULL,
			tax_rate        NUMERIC(5,2) NOT NULL,
			tax_amount      NUMERIC(14,2) NOT NULL,
			total           NUMERIC(14,2) NOT NULL,
			currency        CHAR(3) NOT NULL,
			period_start    TIMESTAMPTZ,
			period_end      TIMESTAMPTZ,
			status          TEXT NOT NULL,
			due_date        TIMESTAMPTZ NOT NULL,
			paid_at         TIMESTAMPTZ,
			pdf_url         TEXT,
			notes           TEXT,
			cancelled_at    TIMESTAMPTZ,
			cancel_reason   TEXT,
			version         BIGINT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_invoices_number UNIQUE (invoice_number),
			CONSTRAINT uq_invoices_payment_id UNIQUE (payment_id)
		);
		CREATE INDEX IF NOT EXISTS idx_invoices_client ON invoices(client_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_invoices_overdue ON invoices(due_date) WHERE status = 'SENT';

		CREATE TABLE IF NOT EXISTS invoice_sequences (
			series     TEXT PRIMARY KEY,
			last_value BIGINT NOT NULL
		);
	`)
	return err
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	if pqErr.Constraint == paymentConstraint {
		return ErrPaymentAlreadyInvoiced
	}
	return ErrInvoiceNumberTaken
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvoice(s scanner) (*Invoice, error) {
	inv := &Invoice{}
	var (
		subscriptionID, paymentID, pdfURL sql.NullString
		notes, cancelReason               sql.NullString
		periodStart, periodEnd            sql.NullTime
		paidAt, cancelledAt               sql.NullTime
		status                            string
		items                             []byte
	)
	err := s.Scan(
		&inv.ID, &inv.Number, &inv.ClientID, &subscriptionID, &paymentID, &items,
		&inv.Subtotal, &inv.TaxRate, &inv.TaxAmount, &inv.Total, &inv.Currency,
		&periodStart, &periodEnd, &status, &inv.DueDate,
		&paidAt, &pdfURL, &notes, &cancelledAt, &cancelReason, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &inv.LineItems); err != nil {
		return nil, fmt.Errorf("invoices: decode line items of %s: %w", inv.ID, err)
	}
	inv.SubscriptionID = subscriptionID.String
	inv.PaymentID = paymentID.String
	inv.PdfURL = pdfURL.String
	inv.Notes = notes.String
	inv.CancelReason = cancelReason.String
	inv.Status = Status(status)
	inv.PeriodStart = timePtr(periodStart)
	inv.PeriodEnd = timePtr(periodEnd)
	inv.PaidAt = timePtr(paidAt)
	inv.CancelledAt = timePtr(cancelledAt)
	return inv, nil
}

func scanInvoices(rows *sql.Rows) ([]*Invoice, error) {
	defer func() { _ = rows.Close() }()
	var result []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
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
