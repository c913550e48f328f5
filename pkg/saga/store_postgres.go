package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStateStore persists saga instances in Postgres. Conditional
// updates use the version column for optimistic concurrency.
type PostgresStateStore struct {
	db *sql.DB
}

// NewPostgresStateStore wraps an open database handle.
func NewPostgresStateStore(db *sql.DB) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

// Migrate creates the saga table when it does not exist.
func (s *PostgresStateStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS saga_instances (
			saga_id TEXT PRIMARY KEY,
			saga_type TEXT NOT NULL,
			state BYTEA,
			is_completed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			failure_reason TEXT,
			version BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_saga_type_completed
			ON saga_instances (saga_type, is_completed)`,
		`CREATE INDEX IF NOT EXISTS idx_saga_updated
			ON saga_instances (updated_at) WHERE NOT is_completed`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("saga migrate: %w", err)
		}
	}
	return nil
}

const sagaColumns = `saga_id, saga_type, state, is_completed, created_at, updated_at, completed_at, failure_reason, version`

// Load implements StateStore.
func (s *PostgresStateStore) Load(ctx context.Context, sagaID string) (*Instance, error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_instances WHERE saga_id = $1`
	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return inst, err
}

// Save implements StateStore. Upsert that always bumps the version.
func (s *PostgresStateStore) Save(ctx context.Context, instance *Instance) error {
	if err := instance.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	const query = `
		INSERT INTO saga_instances (` + sagaColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		ON CONFLICT (saga_id) DO UPDATE SET
			state = EXCLUDED.state,
			is_completed = EXCLUDED.is_completed,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at,
			failure_reason = EXCLUDED.failure_reason,
			version = saga_instances.version + 1
		RETURNING version, created_at`
	createdAt := instance.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	row := s.db.QueryRowContext(ctx, query,
		instance.SagaID, instance.SagaType, instance.State, instance.IsCompleted,
		createdAt, now, nullTimePtr(instance.CompletedAt), nullStr(instance.FailureReason))
	if err := row.Scan(&instance.Version, &instance.CreatedAt); err != nil {
		return fmt.Errorf("save saga %s: %w", instance.SagaID, err)
	}
	instance.UpdatedAt = now
	return nil
}

// UpdateConditional implements StateStore.
func (s *PostgresStateStore) UpdateConditional(ctx context.Context, instance *Instance, expectedVersion int64) error {
	if err := instance.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	const query = `
		UPDATE saga_instances SET
			state = $1,
			is_completed = $2,
			updated_at = $3,
			completed_at = $4,
			failure_reason = $5,
			version = version + 1
		WHERE saga_id = $6 AND version = $7`
	res, err := s.db.ExecContext(ctx, query,
		instance.State, instance.IsCompleted, now,
		nullTimePtr(instance.CompletedAt), nullStr(instance.FailureReason),
		instance.SagaID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update saga %s: %w", instance.SagaID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish missing row from stale version.
		if _, loadErr := s.Load(ctx, instance.SagaID); loadErr != nil {
			return loadErr
		}
		return fmt.Errorf("%w: saga %s, expected version %d", ErrVersionConflict, instance.SagaID, expectedVersion)
	}
	instance.UpdatedAt = now
	instance.Version = expectedVersion + 1
	return nil
}

// ListByType implements StateStore.
func (s *PostgresStateStore) ListByType(ctx context.Context, sagaType, cursor string, limit int) ([]*Instance, error) {
	query := `SELECT ` + sagaColumns + `
		FROM saga_instances
		WHERE saga_type = $1 AND saga_id > $2
		ORDER BY saga_id ASC
		LIMIT $3`
	return s.queryInstances(ctx, query, sagaType, cursor, limit)
}

// QueryStuck implements StateStore.
func (s *PostgresStateStore) QueryStuck(ctx context.Context, threshold time.Duration, limit int) ([]*Instance, error) {
	query := `SELECT ` + sagaColumns + `
		FROM saga_instances
		WHERE NOT is_completed AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	return s.queryInstances(ctx, query, time.Now().UTC().Add(-threshold), limit)
}

// QueryFailed implements StateStore.
func (s *PostgresStateStore) QueryFailed(ctx context.Context, limit int) ([]*Instance, error) {
	query := `SELECT ` + sagaColumns + `
		FROM saga_instances
		WHERE is_completed AND failure_reason IS NOT NULL AND failure_reason <> ''
		ORDER BY completed_at DESC
		LIMIT $1`
	return s.queryInstances(ctx, query, limit)
}

// RunningCount implements StateStore.
func (s *PostgresStateStore) RunningCount(ctx context.Context, sagaType string) (int, error) {
	var count int
	var err error
	if sagaType == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM saga_instances WHERE NOT is_completed`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM saga_instances WHERE NOT is_completed AND saga_type = $1`, sagaType).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("running saga count: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var completedAt sql.NullTime
	var failureReason sql.NullString
	if err := row.Scan(&inst.SagaID, &inst.SagaType, &inst.State, &inst.IsCompleted,
		&inst.CreatedAt, &inst.UpdatedAt, &completedAt, &failureReason, &inst.Version); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		inst.CompletedAt = &t
	}
	inst.FailureReason = failureReason.String
	return &inst, nil
}

func (s *PostgresStateStore) queryInstances(ctx context.Context, query string, args ...any) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
