package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Postgres driver registration.
	_ "github.com/lib/pq"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// PostgresStore implements Store on a Postgres database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the outbox tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS outbox_messages (
			id TEXT PRIMARY KEY,
			message_type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			destination TEXT NOT NULL,
			headers JSONB,
			correlation_id TEXT,
			scheduled_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			last_attempt_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status_created
			ON outbox_messages (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS outbox_transport_deliveries (
			message_id TEXT NOT NULL REFERENCES outbox_messages(id),
			transport_name TEXT NOT NULL,
			destination TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			last_error TEXT,
			PRIMARY KEY (message_id, transport_name)
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("outbox migrate: %w", err)
		}
	}
	return nil
}

// Stage implements Store.
func (s *PostgresStore) Stage(ctx context.Context, msg *OutboundMessage) error {
	return s.StageWithTransports(ctx, msg, nil)
}

// StageWithTransports implements Store. The message row and its delivery
// rows are inserted in one transaction so fan-out is never partial.
func (s *PostgresStore) StageWithTransports(ctx context.Context, msg *OutboundMessage, transports []TransportDelivery) error {
	if msg == nil {
		return fmt.Errorf("%w: message", contracts.ErrNilArgument)
	}
	if msg.ID == "" {
		return fmt.Errorf("%w: message id", contracts.ErrNilArgument)
	}

	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.ScheduledAt != nil && msg.ScheduledAt.After(now) {
		msg.Status = StatusScheduled
	} else if msg.Status == "" || msg.Status == StatusScheduled {
		msg.Status = StatusStaged
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stage: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	headers, err := encodeHeaders(msg.Headers)
	if err != nil {
		return err
	}

	const insertMsg = `
		INSERT INTO outbox_messages
			(id, message_type, payload, destination, headers, correlation_id,
			 scheduled_at, status, retry_count, last_error, created_at, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if _, err := tx.ExecContext(ctx, insertMsg,
		msg.ID, msg.MessageType, msg.Payload, msg.Destination, headers,
		nullString(msg.CorrelationID), nullTime(msg.ScheduledAt), string(msg.Status),
		msg.RetryCount, nullString(msg.LastError), msg.CreatedAt, nullTime(msg.LastAttemptAt),
	); err != nil {
		return fmt.Errorf("stage message %s: %w", msg.ID, err)
	}

	const insertDelivery = `
		INSERT INTO outbox_transport_deliveries
			(message_id, transport_name, destination, status, retry_count, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, t := range transports {
		status := t.Status
		if status == "" {
			status = TransportPending
		}
		if _, err := tx.ExecContext(ctx, insertDelivery,
			msg.ID, t.TransportName, t.Destination, string(status), t.RetryCount, nullString(t.LastError),
		); err != nil {
			return fmt.Errorf("stage delivery %s/%s: %w", msg.ID, t.TransportName, err)
		}
	}

	return tx.Commit()
}

// GetUnsent implements Store.
func (s *PostgresStore) GetUnsent(ctx context.Context, limit int) ([]*OutboundMessage, error) {
	const query = `
		SELECT id, message_type, payload, destination, headers, correlation_id,
		       scheduled_at, status, retry_count, last_error, created_at, last_attempt_at
		FROM outbox_messages
		WHERE (status = $1 OR (status = $2 AND scheduled_at <= $3))
		  AND NOT EXISTS (
			SELECT 1 FROM outbox_transport_deliveries d WHERE d.message_id = outbox_messages.id
		  )
		ORDER BY created_at ASC
		LIMIT $4`
	return s.queryMessages(ctx, query, string(StatusStaged), string(StatusScheduled), time.Now().UTC(), limit)
}

// GetScheduledDue implements Store.
func (s *PostgresStore) GetScheduledDue(ctx context.Context, now time.Time, limit int) ([]*OutboundMessage, error) {
	const query = `
		SELECT id, message_type, payload, destination, headers, correlation_id,
		       scheduled_at, status, retry_count, last_error, created_at, last_attempt_at
		FROM outbox_messages
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at ASC
		LIMIT $3`
	return s.queryMessages(ctx, query, string(StatusScheduled), now, limit)
}

// MarkSent implements Store. The status guard keeps Published terminal.
func (s *PostgresStore) MarkSent(ctx context.Context, id string) error {
	const query = `
		UPDATE outbox_messages
		SET status = $1, last_attempt_at = $2, last_error = NULL
		WHERE id = $3 AND status <> $1`
	_, err := s.db.ExecContext(ctx, query, string(StatusPublished), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	return nil
}

// MarkFailed implements Store.
func (s *PostgresStore) MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) error {
	const query = `
		UPDATE outbox_messages
		SET status = $1, last_error = $2, retry_count = GREATEST(retry_count, $3), last_attempt_at = $4
		WHERE id = $5 AND status <> $6`
	_, err := s.db.ExecContext(ctx, query,
		string(StatusFailed), errMsg, retryCount, time.Now().UTC(), id, string(StatusPublished))
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// GetFailed implements Store.
func (s *PostgresStore) GetFailed(ctx context.Context, maxRetries int, since *time.Time, limit int) ([]*OutboundMessage, error) {
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: maxRetries must be >= 0", contracts.ErrInvalidArgument)
	}
	query := `
		SELECT id, message_type, payload, destination, headers, correlation_id,
		       scheduled_at, status, retry_count, last_error, created_at, last_attempt_at
		FROM outbox_messages
		WHERE status = $1 AND retry_count < $2`
	args := []any{string(StatusFailed), maxRetries}
	if since != nil {
		query += ` AND last_attempt_at >= $3 ORDER BY created_at ASC LIMIT $4`
		args = append(args, *since, limit)
	} else {
		query += ` ORDER BY created_at ASC LIMIT $3`
		args = append(args, limit)
	}
	return s.queryMessages(ctx, query, args...)
}

// GetPendingTransportDeliveries implements Store.
func (s *PostgresStore) GetPendingTransportDeliveries(ctx context.Context, transportName string, limit int) ([]*TransportDelivery, error) {
	const query = `
		SELECT d.message_id, d.transport_name, d.destination, d.status, d.retry_count, d.last_error
		FROM outbox_transport_deliveries d
		JOIN outbox_messages m ON m.id = d.message_id
		WHERE d.transport_name = $1 AND d.status IN ($2, $3)
		ORDER BY m.created_at ASC
		LIMIT $4`
	rows, err := s.db.QueryContext(ctx, query, transportName, string(TransportPending), string(TransportFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("pending deliveries for %s: %w", transportName, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TransportDelivery
	for rows.Next() {
		var d TransportDelivery
		var status string
		var lastErr sql.NullString
		if err := rows.Scan(&d.MessageID, &d.TransportName, &d.Destination, &status, &d.RetryCount, &lastErr); err != nil {
			return nil, err
		}
		d.Status = TransportStatus(status)
		d.LastError = lastErr.String
		out = append(out, &d)
	}
	return out, rows.Err()
}

// MarkTransportSent implements Store. Parent promotion to Published happens
// in the same transaction as the row update.
func (s *PostgresStore) MarkTransportSent(ctx context.Context, messageID, transportName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark transport sent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const update = `
		UPDATE outbox_transport_deliveries
		SET status = $1, last_error = NULL
		WHERE message_id = $2 AND transport_name = $3`
	if _, err := tx.ExecContext(ctx, update, string(TransportSent), messageID, transportName); err != nil {
		return fmt.Errorf("mark transport sent %s/%s: %w", messageID, transportName, err)
	}

	const promote = `
		UPDATE outbox_messages
		SET status = $1
		WHERE id = $2 AND NOT EXISTS (
			SELECT 1 FROM outbox_transport_deliveries
			WHERE message_id = $2 AND status <> $3
		)`
	if _, err := tx.ExecContext(ctx, promote, string(StatusPublished), messageID, string(TransportSent)); err != nil {
		return fmt.Errorf("promote message %s: %w", messageID, err)
	}

	return tx.Commit()
}

// MarkTransportFailed implements Store.
func (s *PostgresStore) MarkTransportFailed(ctx context.Context, messageID, transportName, errMsg string) error {
	const query = `
		UPDATE outbox_transport_deliveries
		SET status = $1, retry_count = retry_count + 1, last_error = $2
		WHERE message_id = $3 AND transport_name = $4`
	_, err := s.db.ExecContext(ctx, query, string(TransportFailed), errMsg, messageID, transportName)
	if err != nil {
		return fmt.Errorf("mark transport failed %s/%s: %w", messageID, transportName, err)
	}
	return nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]*OutboundMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []*OutboundMessage
	for rows.Next() {
		var m OutboundMessage
		var headers []byte
		var correlationID, lastErr sql.NullString
		var scheduledAt, lastAttemptAt sql.NullTime
		var status string
		if err := rows.Scan(&m.ID, &m.MessageType, &m.Payload, &m.Destination, &headers,
			&correlationID, &scheduledAt, &status, &m.RetryCount, &lastErr,
			&m.CreatedAt, &lastAttemptAt); err != nil {
			return nil, err
		}
		m.Status = MessageStatus(status)
		m.CorrelationID = correlationID.String
		m.LastError = lastErr.String
		if scheduledAt.Valid {
			t := scheduledAt.Time
			m.ScheduledAt = &t
		}
		if lastAttemptAt.Valid {
			t := lastAttemptAt.Time
			m.LastAttemptAt = &t
		}
		if len(headers) > 0 {
			h, err := decodeHeaders(headers)
			if err != nil {
				return nil, fmt.Errorf("corrupt headers in outbox row %s: %w", m.ID, err)
			}
			m.Headers = h
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one message row by id. Satisfies the publisher's lookup
// interface for fan-out delivery.
func (s *PostgresStore) Get(messageID string) (*OutboundMessage, bool) {
	const query = `
		SELECT id, message_type, payload, destination, headers, correlation_id,
		       scheduled_at, status, retry_count, last_error, created_at, last_attempt_at
		FROM outbox_messages
		WHERE id = $1`
	msgs, err := s.queryMessages(context.Background(), query, messageID)
	if err != nil || len(msgs) == 0 {
		return nil, false
	}
	return msgs[0], true
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
