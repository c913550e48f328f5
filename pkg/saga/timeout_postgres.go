package saga

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresTimeoutStore persists timeouts in Postgres so delivery survives
// process restarts.
type PostgresTimeoutStore struct {
	db *sql.DB
}

// NewPostgresTimeoutStore wraps an open database handle.
func NewPostgresTimeoutStore(db *sql.DB) *PostgresTimeoutStore {
	return &PostgresTimeoutStore{db: db}
}

// Migrate creates the timeout table when it does not exist.
func (s *PostgresTimeoutStore) Migrate(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS saga_timeouts (
			timeout_id TEXT PRIMARY KEY,
			saga_id TEXT NOT NULL,
			saga_type TEXT NOT NULL,
			timeout_type TEXT NOT NULL,
			payload BYTEA,
			due_at TIMESTAMPTZ NOT NULL,
			scheduled_at TIMESTAMPTZ NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("timeout migrate: %w", err)
	}
	const index = `CREATE INDEX IF NOT EXISTS idx_saga_timeouts_due ON saga_timeouts (due_at)`
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("timeout migrate: %w", err)
	}
	return nil
}

// Schedule implements TimeoutStore. Upsert keyed by timeout id.
func (s *PostgresTimeoutStore) Schedule(ctx context.Context, timeout *Timeout) error {
	if err := timeout.Validate(); err != nil {
		return err
	}
	scheduledAt := timeout.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO saga_timeouts (timeout_id, saga_id, saga_type, timeout_type, payload, due_at, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (timeout_id) DO UPDATE SET
			saga_id = EXCLUDED.saga_id,
			saga_type = EXCLUDED.saga_type,
			timeout_type = EXCLUDED.timeout_type,
			payload = EXCLUDED.payload,
			due_at = EXCLUDED.due_at,
			scheduled_at = EXCLUDED.scheduled_at`
	_, err := s.db.ExecContext(ctx, query,
		timeout.TimeoutID, timeout.SagaID, timeout.SagaType, timeout.TimeoutType,
		timeout.Payload, timeout.DueAt, scheduledAt)
	if err != nil {
		return fmt.Errorf("schedule timeout %s: %w", timeout.TimeoutID, err)
	}
	return nil
}

// Cancel implements TimeoutStore.
func (s *PostgresTimeoutStore) Cancel(ctx context.Context, sagaID, timeoutID string) error {
	const query = `DELETE FROM saga_timeouts WHERE timeout_id = $1 AND saga_id = $2`
	if _, err := s.db.ExecContext(ctx, query, timeoutID, sagaID); err != nil {
		return fmt.Errorf("cancel timeout %s: %w", timeoutID, err)
	}
	return nil
}

// CancelAll implements TimeoutStore.
func (s *PostgresTimeoutStore) CancelAll(ctx context.Context, sagaID string) error {
	const query = `DELETE FROM saga_timeouts WHERE saga_id = $1`
	if _, err := s.db.ExecContext(ctx, query, sagaID); err != nil {
		return fmt.Errorf("cancel timeouts for saga %s: %w", sagaID, err)
	}
	return nil
}

// GetDue implements TimeoutStore.
func (s *PostgresTimeoutStore) GetDue(ctx context.Context, now time.Time, limit int) ([]*Timeout, error) {
	query := `
		SELECT timeout_id, saga_id, saga_type, timeout_type, payload, due_at, scheduled_at
		FROM saga_timeouts
		WHERE due_at <= $1
		ORDER BY due_at ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("due timeouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Timeout
	for rows.Next() {
		var t Timeout
		if err := rows.Scan(&t.TimeoutID, &t.SagaID, &t.SagaType, &t.TimeoutType,
			&t.Payload, &t.DueAt, &t.ScheduledAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// MarkDelivered implements TimeoutStore.
func (s *PostgresTimeoutStore) MarkDelivered(ctx context.Context, timeoutID string) error {
	const query = `DELETE FROM saga_timeouts WHERE timeout_id = $1`
	if _, err := s.db.ExecContext(ctx, query, timeoutID); err != nil {
		return fmt.Errorf("mark timeout delivered %s: %w", timeoutID, err)
	}
	return nil
}
