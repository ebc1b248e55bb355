package outbox

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists outbox events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed outbox store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, topic, key, dedup_key, payload, status, attempts, next_attempt_at,
	last_error, created_at, delivered_at`

func (p *PostgresStore) Insert(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO outbox_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Topic, e.Key, nullString(e.DedupKey), []byte(e.Payload), string(e.Status),
		e.Attempts, e.NextAttemptAt, nullString(e.LastError), e.CreatedAt, nullTime(e.DeliveredAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// ClaimDue uses FOR UPDATE SKIP LOCKED so several server instances can run
// relays against the same table without delivering an event twice per lease.
func (p *PostgresStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE outbox_events SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return p.exec(ctx, `
		UPDATE outbox_events SET status = 'delivered', delivered_at = $1,
			attempts = attempts + 1, last_error = NULL
		WHERE id = $2`, at, id)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	return p.exec(ctx, `
		UPDATE outbox_events SET attempts = $1, next_attempt_at = $2, last_error = $3, status = $4
		WHERE id = $5`, attempts, next, lastErr, string(status), id)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM outbox_events
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
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
		return ErrEventNotFound
	}
	return nil
}

// Migrate creates the outbox table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS outbox_events (
			id              TEXT PRIMARY KEY,
			topic           TEXT NOT NULL,
			key             TEXT NOT NULL,
			dedup_key       TEXT UNIQUE,
			payload         JSONB NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			attempts        INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_error      TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			delivered_at    TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_events(next_attempt_at) WHERE status = 'pending';
	`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*Event, error) {
	e := &Event{}
	var (
		dedupKey, lastError sql.NullString
		deliveredAt         sql.NullTime
		status              string
		payload             []byte
	)
	if err := s.Scan(&e.ID, &e.Topic, &e.Key, &dedupKey, &payload, &status, &e.Attempts,
		&e.NextAttemptAt, &lastError, &e.CreatedAt, &deliveredAt); err != nil {
		return nil, err
	}
	e.DedupKey = dedupKey.String
	e.LastError = lastError.String
	e.Status = Status(status)
	e.Payload = payload
	if deliveredAt.Valid {
		t := deliveredAt.Time
		e.DeliveredAt = &t
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	defer func() { _ = rows.Close() }()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
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

var _ Store = (*PostgresStore)(nil)
