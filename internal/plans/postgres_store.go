package plans

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists plans in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed plan store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const planColumns = `id, code, name, description, currency, price_monthly, price_quarterly, price_yearly,
	max_users, storage_quota_mb, features, trial_days, is_active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pl *Plan) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		pl.ID, pl.Code, pl.Name, pl.Description, pl.Currency,
		priceArg(pl, Monthly), priceArg(pl, Quarterly), priceArg(pl, Yearly),
		pl.MaxUsers, pl.StorageQuotaMB, pq.Array(pl.Features), pl.TrialDays, pl.IsActive,
		pl.CreatedAt, pl.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrPlanCodeTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Plan, error) {
	return scanPlan(p.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

func (p *PostgresStore) GetByCode(ctx context.Context, code string) (*Plan, error) {
	return scanPlan(p.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE code = $1`, code))
}

func (p *PostgresStore) List(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE ($1 = FALSE OR is_active = TRUE)
		ORDER BY code`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Plan
	for rows.Next() {
		pl, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

// Update rewrites every mutable column. The code column is never touched.
func (p *PostgresStore) Update(ctx context.Context, pl *Plan) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE plans SET name = $1, description = $2, currency = $3,
			price_monthly = $4, price_quarterly = $5, price_yearly = $6,
			max_users = $7, storage_quota_mb = $8, features = $9, trial_days = $10,
			is_active = $11, updated_at = $12
		WHERE id = $13`,
		pl.Name, pl.Description, pl.Currency,
		priceArg(pl, Monthly), priceArg(pl, Quarterly), priceArg(pl, Yearly),
		pl.MaxUsers, pl.StorageQuotaMB, pq.Array(pl.Features), pl.TrialDays,
		pl.IsActive, pl.UpdatedAt, pl.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPlanNotFound
	}
	return nil
}

func priceArg(pl *Plan, c BillingCycle) decimal.NullDecimal {
	v, ok := pl.Prices[c]
	return decimal.NullDecimal{Decimal: v, Valid: ok}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (*Plan, error) {
	pl := &Plan{Prices: make(map[BillingCycle]decimal.Decimal)}
	var (
		description                string
		monthly, quarterly, yearly decimal.NullDecimal
	)
	err := row.Scan(&pl.ID, &pl.Code, &pl.Name, &description, &pl.Currency,
		&monthly, &quarterly, &yearly,
		&pl.MaxUsers, &pl.StorageQuotaMB, pq.Array(&pl.Features), &pl.TrialDays, &pl.IsActive,
		&pl.CreatedAt, &pl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	pl.Description = description
	for c, v := range map[BillingCycle]decimal.NullDecimal{Monthly: monthly, Quarterly: quarterly, Yearly: yearly} {
		if v.Valid {
			pl.Prices[c] = v.Decimal
		}
	}
	return pl, nil
}

// Migrate creates the plans table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS plans (
			id               TEXT PRIMARY KEY,
			code             TEXT NOT NULL UNIQUE,
			name             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			currency         CHAR(3) NOT NULL,
			price_monthly    NUMERIC(14,2),
			price_quarterly  NUMERIC(14,2),
			price_yearly     NUMERIC(14,2),
			max_users        INTEGER NOT NULL DEFAULT 0,
			storage_quota_mb INTEGER NOT NULL DEFAULT 0,
			features         TEXT[] NOT NULL DEFAULT '{}',
			trial_days       INTEGER NOT NULL DEFAULT 0,
			is_active        BOOLEAN NOT NULL DEFAULT TRUE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_plans_active ON plans(is_active);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
