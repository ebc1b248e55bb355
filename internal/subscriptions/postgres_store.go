package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/guildbill/internal/plans"
)

// PostgresStore persists subscriptions in PostgreSQL.
//
// The partial unique index uq_subscriptions_live_client enforces one live
// subscription per client; version guards every update.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, client_id, plan_id, plan_code, plan_name, billing_cycle, amount, currency,
	status, start_date, end_date, trial_ends_at, grace_ends_at, auto_renew, max_users, storage_quota_mb,
	last_renewal_at, last_payment_id, cancelled_at, cancel_reason, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		sub.ID, sub.ClientID, sub.PlanID, sub.PlanCode, sub.PlanName, string(sub.BillingCycle),
		sub.Amount, sub.Currency, string(sub.Status), sub.StartDate, sub.EndDate,
		nullTime(sub.TrialEndsAt), nullTime(sub.GraceEndsAt), sub.AutoRenew, sub.MaxUsers, sub.StorageQuotaMB,
		nullTime(sub.LastRenewalAt), nullString(sub.LastPaymentID), nullTime(sub.CancelledAt),
		nullString(sub.CancelReason), sub.Version, sub.CreatedAt, sub.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateActiveSubscription
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) FindActive(ctx context.Context, clientID string) (*Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE client_id = $1 AND status IN ('TRIAL', 'ACTIVE', 'GRACE_PERIOD')`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveSubscription
	}
	return sub, err
}

func (p *PostgresStore) ListByClient(ctx context.Context, clientID string, limit int) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	return scanSubscriptions(rows)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			plan_id = $1, plan_code = $2, plan_name = $3, billing_cycle = $4, amount = $5,
			status = $6, start_date = $7, end_date = $8, trial_ends_at = $9, grace_ends_at = $10,
			auto_renew = $11, max_users = $12, storage_quota_mb = $13, last_renewal_at = $14,
			last_payment_id = $15, cancelled_at = $16, cancel_reason = $17, updated_at = $18,
			version = version + 1
		WHERE id = $19 AND version = $20`,
		sub.PlanID, sub.PlanCode, sub.PlanName, string(sub.BillingCycle), sub.Amount,
		string(sub.Status), sub.StartDate, sub.EndDate, nullTime(sub.TrialEndsAt), nullTime(sub.GraceEndsAt),
		sub.AutoRenew, sub.MaxUsers, sub.StorageQuotaMB, nullTime(sub.LastRenewalAt),
		nullString(sub.LastPaymentID), nullTime(sub.CancelledAt), nullString(sub.CancelReason), sub.UpdatedAt,
		sub.ID, sub.Version,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateActiveSubscription
	}
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConcurrentUpdate
	}
	sub.Version++
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE (status = 'ACTIVE' AND end_date <= $1)
		   OR (status = 'GRACE_PERIOD' AND grace_ends_at <= $1)
		   OR (status = 'TRIAL' AND trial_ends_at <= $1)
		ORDER BY end_date
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanSubscriptions(rows)
}

// Migrate creates the subscriptions table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id               TEXT PRIMARY KEY,
			client_id        TEXT NOT NULL,
			plan_id          TEXT NOT NULL REFERENCES plans(id),
			plan_code        TEXT NOT NULL,
			plan_name        TEXT NOT NULL,
			billing_cycle    TEXT NOT NULL,
			amount           NUMERIC(14,2) NOT NULL,
			currency         CHAR(3) NOT NULL,
			status           TEXT NOT NULL,
			start_date       TIMESTAMPTZ NOT NULL,
			end_date         TIMESTAMPTZ NOT NULL,
			trial_ends_at    TIMESTAMPTZ,
			grace_ends_at    TIMESTAMPTZ,
			auto_renew       BOOLEAN NOT NULL DEFAULT TRUE,
			max_users        INTEGER NOT NULL DEFAULT 0,
			storage_quota_mb INTEGER NOT NULL DEFAULT 0,
			last_renewal_at  TIMESTAMPTZ,
			last_payment_id  TEXT,
			cancelled_at     TIMESTAMPTZ,
			cancel_reason    TEXT,
			version          BIGINT NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT subscriptions_period_check CHECK (end_date > start_date)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_subscriptions_live_client
			ON subscriptions(client_id) WHERE status IN ('TRIAL', 'ACTIVE', 'GRACE_PERIOD');
		CREATE INDEX IF NOT EXISTS idx_subscriptions_client ON subscriptions(client_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions(status, end_date);
	`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	sub := &Subscription{}
	var (
		cycle, status                     string
		trialEnds, graceEnds, lastRenewal sql.NullTime
		cancelledAt                       sql.NullTime
		lastPaymentID, cancelReason       sql.NullString
	)
	err := s.Scan(
		&sub.ID, &sub.ClientID, &sub.PlanID, &sub.PlanCode, &sub.PlanName, &cycle, &sub.Amount, &sub.Currency,
		&status, &sub.StartDate, &sub.EndDate, &trialEnds, &graceEnds, &sub.AutoRenew, &sub.MaxUsers, &sub.StorageQuotaMB,
		&lastRenewal, &lastPaymentID, &cancelledAt, &cancelReason, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.BillingCycle = plans.BillingCycle(cycle)
	sub.Status = Status(status)
	sub.TrialEndsAt = timePtr(trialEnds)
	sub.GraceEndsAt = timePtr(graceEnds)
	sub.LastRenewalAt = timePtr(lastRenewal)
	sub.CancelledAt = timePtr(cancelledAt)
	sub.LastPaymentID = lastPaymentID.String
	sub.CancelReason = cancelReason.String
	return sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	defer func() { _ = rows.Close() }()
	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
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
