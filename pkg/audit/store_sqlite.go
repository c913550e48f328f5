package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	// SQLite driver registration.
	_ "modernc.org/sqlite"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// SQLiteStore is the embedded-deployment audit log. The append critical
// section lives in Go, not SQL: SQLite serialises writers anyway and the
// mutex keeps sequence allocation and the previous-hash read atomic.
type SQLiteStore struct {
	db   *sql.DB
	hash contracts.HashFunction

	mu       sync.Mutex
	nextSeq  int64
	lastHash string
	loaded   bool

	requireContiguous bool

	handlerMu sync.RWMutex
	handlers  []EntryHandler
}

// SQLiteStoreOption configures the store.
type SQLiteStoreOption func(*SQLiteStore)

// WithSQLiteHashFunction overrides the default SHA-256 chain hash.
func WithSQLiteHashFunction(h contracts.HashFunction) SQLiteStoreOption {
	return func(s *SQLiteStore) { s.hash = h }
}

// RequireContiguousSQLiteChain makes retention fail rather than anchor.
func RequireContiguousSQLiteChain() SQLiteStoreOption {
	return func(s *SQLiteStore) { s.requireContiguous = true }
}

// NewSQLiteStore wraps an open database handle and migrates the schema.
func NewSQLiteStore(db *sql.DB, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, hash: DefaultHashFunction}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			sequence_number INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			actor_id TEXT NOT NULL,
			actor_type TEXT,
			resource_id TEXT,
			resource_type TEXT,
			resource_classification TEXT,
			tenant_id TEXT,
			correlation_id TEXT,
			session_id TEXT,
			ip_address TEXT,
			user_agent TEXT,
			reason TEXT,
			metadata JSON,
			previous_event_hash TEXT NOT NULL DEFAULT '',
			event_hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_events (actor_id)`,
		`CREATE TABLE IF NOT EXISTS audit_chain_anchor (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			anchor_sequence INTEGER NOT NULL,
			anchor_hash TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("audit migrate: %w", err)
		}
	}
	return nil
}

// loadTail reads the chain tail once. Caller holds s.mu.
func (s *SQLiteStore) loadTail(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence_number, event_hash FROM audit_events ORDER BY sequence_number DESC LIMIT 1`)
	var seq int64
	var hash string
	err := row.Scan(&seq, &hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.nextSeq, s.lastHash = 0, ""
	case err != nil:
		return fmt.Errorf("load chain tail: %w", err)
	default:
		s.nextSeq, s.lastHash = seq+1, hash
	}
	s.loaded = true
	return nil
}

// RegisterHandler adds a synchronous append observer.
func (s *SQLiteStore) RegisterHandler(h EntryHandler) {
	if h == nil {
		return
	}
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *SQLiteStore) notify(event *Event) {
	s.handlerMu.RLock()
	handlers := append([]EntryHandler(nil), s.handlers...)
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }()
			h(event.Clone())
		}()
	}
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, event *Event) (*AppendReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.loadTail(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	stored := event.Clone()
	stored.SequenceNumber = s.nextSeq
	stored.PreviousEventHash = s.lastHash

	hash, err := ComputeEventHash(stored, stored.PreviousEventHash, s.hash)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	stored.EventHash = hash

	var metadata []byte
	if len(stored.Metadata) > 0 {
		metadata, err = json.Marshal(stored.Metadata)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	const insert = `
		INSERT INTO audit_events (
			sequence_number, event_id, event_type, action, outcome, timestamp,
			actor_id, actor_type, resource_id, resource_type, resource_classification,
			tenant_id, correlation_id, session_id, ip_address, user_agent, reason,
			metadata, previous_event_hash, event_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, insert,
		stored.SequenceNumber, stored.EventID, string(stored.EventType), stored.Action,
		string(stored.Outcome), stored.Timestamp.UTC().Format(time.RFC3339Nano),
		stored.ActorID, stored.ActorType, stored.ResourceID, stored.ResourceType,
		string(stored.ResourceClassification), stored.TenantID, stored.CorrelationID,
		stored.SessionID, stored.IPAddress, stored.UserAgent, stored.Reason,
		metadata, stored.PreviousEventHash, stored.EventHash)
	if err != nil {
		s.mu.Unlock()
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, stored.EventID)
		}
		return nil, fmt.Errorf("append audit event: %w", err)
	}

	s.nextSeq++
	s.lastHash = stored.EventHash
	recordedAt := time.Now().UTC()
	s.mu.Unlock()

	s.notify(stored)

	event.SequenceNumber = stored.SequenceNumber
	event.PreviousEventHash = stored.PreviousEventHash
	event.EventHash = stored.EventHash
	return &AppendReceipt{
		EventID:        stored.EventID,
		EventHash:      stored.EventHash,
		SequenceNumber: stored.SequenceNumber,
		RecordedAt:     recordedAt,
	}, nil
}

const auditColumns = `sequence_number, event_id, event_type, action, outcome, timestamp,
	actor_id, actor_type, resource_id, resource_type, resource_classification,
	tenant_id, correlation_id, session_id, ip_address, user_agent, reason,
	metadata, previous_event_hash, event_hash`

// GetByID implements Store.
func (s *SQLiteStore) GetByID(ctx context.Context, eventID string) (*Event, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id", contracts.ErrNilArgument)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_events WHERE event_id = ?`, eventID)
	event, err := scanAuditEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return event, err
}

// Query implements Store. Filters compose into one WHERE clause; the
// classification minimum filters in Go because rank order is not textual.
func (s *SQLiteStore) Query(ctx context.Context, query *Query) ([]*Event, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	var conds []string
	var args []any
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if query.From != nil {
		add(`timestamp >= ?`, query.From.UTC().Format(time.RFC3339Nano))
	}
	if query.To != nil {
		add(`timestamp <= ?`, query.To.UTC().Format(time.RFC3339Nano))
	}
	if len(query.EventTypes) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(query.EventTypes)), ",")
		conds = append(conds, `event_type IN (`+placeholders+`)`)
		for _, t := range query.EventTypes {
			args = append(args, string(t))
		}
	}
	if len(query.Outcomes) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(query.Outcomes)), ",")
		conds = append(conds, `outcome IN (`+placeholders+`)`)
		for _, o := range query.Outcomes {
			args = append(args, string(o))
		}
	}
	if query.ActorID != "" {
		add(`actor_id = ?`, query.ActorID)
	}
	if query.ResourceID != "" {
		add(`resource_id = ?`, query.ResourceID)
	}
	if query.ResourceType != "" {
		add(`resource_type = ?`, query.ResourceType)
	}
	if query.TenantID != "" {
		add(`tenant_id = ?`, query.TenantID)
	}
	if query.CorrelationID != "" {
		add(`correlation_id = ?`, query.CorrelationID)
	}
	if query.ActionContains != "" {
		add(`action LIKE ?`, "%"+query.ActionContains+"%")
	}
	if query.IPAddress != "" {
		add(`ip_address = ?`, query.IPAddress)
	}

	sqlQuery := `SELECT ` + auditColumns + ` FROM audit_events`
	if len(conds) > 0 {
		sqlQuery += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	if query.Ascending {
		sqlQuery += ` ORDER BY timestamp ASC, sequence_number ASC`
	} else {
		sqlQuery += ` ORDER BY timestamp DESC, sequence_number DESC`
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	max := query.MaxResults
	if max <= 0 {
		max = DefaultMaxResults
	}

	var out []*Event
	skipped := 0
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		if query.MinimumClassification != "" &&
			classificationRank(event.ResourceClassification) < classificationRank(query.MinimumClassification) {
			continue
		}
		if skipped < query.Skip {
			skipped++
			continue
		}
		out = append(out, event)
		if len(out) >= max {
			break
		}
	}
	return out, rows.Err()
}

// VerifyChainIntegrity implements Store.
func (s *SQLiteStore) VerifyChainIntegrity(ctx context.Context, startSeq, endSeq int64) (*IntegrityResult, error) {
	anchorSeq, anchorHash, err := s.readAnchor(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE sequence_number >= ?`
	args := []any{startSeq}
	if endSeq > 0 {
		query += ` AND sequence_number <= ?`
		args = append(args, endSeq)
	}
	query += ` ORDER BY sequence_number ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("integrity query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := &IntegrityResult{Valid: true, StartSequence: startSeq, EndSequence: endSeq}
	prevHash := ""
	havePrev := false
	var prevSeq int64 = -1
	first := true

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		if first {
			result.StartSequence = e.SequenceNumber
			if e.SequenceNumber == anchorSeq && anchorHash != "" {
				prevHash = anchorHash
				havePrev = true
			}
			first = false
		}
		result.EndSequence = e.SequenceNumber

		violation := ""
		switch {
		case prevSeq >= 0 && e.SequenceNumber != prevSeq+1:
			violation = fmt.Sprintf("sequence gap: %d follows %d", e.SequenceNumber, prevSeq)
		case havePrev && e.PreviousEventHash != prevHash:
			violation = "previous hash linkage broken"
		default:
			recomputed, err := ComputeEventHash(e, e.PreviousEventHash, s.hash)
			if err != nil {
				return nil, err
			}
			if recomputed != e.EventHash {
				violation = "event hash mismatch"
			}
		}

		if violation != "" {
			if result.Valid {
				result.Valid = false
				result.FirstViolationEventID = e.EventID
				result.Description = violation
			}
			result.ViolationCount++
			if result.ViolationCount >= maxViolationScan {
				break
			}
		} else {
			result.EventsVerified++
		}

		prevSeq = e.SequenceNumber
		prevHash = e.EventHash
		havePrev = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) readAnchor(ctx context.Context) (int64, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT anchor_sequence, anchor_hash FROM audit_chain_anchor WHERE id = 1`)
	var seq int64
	var hash string
	err := row.Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("read chain anchor: %w", err)
	}
	return seq, hash, nil
}

// ListOlderThan implements RetentionStore.
func (s *SQLiteStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Event, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events
		WHERE timestamp < ? ORDER BY sequence_number ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeletePrefix implements RetentionStore.
func (s *SQLiteStore) DeletePrefix(ctx context.Context, throughSeq int64) (int, error) {
	if s.requireContiguous {
		return 0, fmt.Errorf("%w: sequences through %d requested", ErrNonContiguousRetention, throughSeq)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM audit_events WHERE sequence_number <= ?`, throughSeq)
	if err != nil {
		return 0, fmt.Errorf("retention delete: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	// Anchor the first surviving event so verification stays possible.
	row := tx.QueryRowContext(ctx,
		`SELECT sequence_number, previous_event_hash FROM audit_events ORDER BY sequence_number ASC LIMIT 1`)
	var anchorSeq int64
	var anchorHash string
	scanErr := row.Scan(&anchorSeq, &anchorHash)
	if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
		return 0, scanErr
	}
	if scanErr == nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_chain_anchor (id, anchor_sequence, anchor_hash) VALUES (1, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET anchor_sequence = excluded.anchor_sequence, anchor_hash = excluded.anchor_hash`,
			anchorSeq, anchorHash); err != nil {
			return 0, fmt.Errorf("write chain anchor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(deleted), nil
}

func scanAuditEvent(row rowScanner) (*Event, error) {
	var e Event
	var eventType, outcome, classification, timestamp string
	var actorType, resourceID, resourceType, tenantID, correlationID sql.NullString
	var sessionID, ipAddress, userAgent, reason sql.NullString
	var metadata []byte
	if err := row.Scan(&e.SequenceNumber, &e.EventID, &eventType, &e.Action, &outcome,
		&timestamp, &e.ActorID, &actorType, &resourceID, &resourceType, &classification,
		&tenantID, &correlationID, &sessionID, &ipAddress, &userAgent, &reason,
		&metadata, &e.PreviousEventHash, &e.EventHash); err != nil {
		return nil, err
	}
	e.EventType = EventType(eventType)
	e.Outcome = Outcome(outcome)
	e.ResourceClassification = Classification(classification)
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("corrupt timestamp on event %s: %w", e.EventID, err)
	}
	e.Timestamp = ts
	e.ActorType = actorType.String
	e.ResourceID = resourceID.String
	e.ResourceType = resourceType.String
	e.TenantID = tenantID.String
	e.CorrelationID = correlationID.String
	e.SessionID = sessionID.String
	e.IPAddress = ipAddress.String
	e.UserAgent = userAgent.String
	e.Reason = reason.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata on event %s: %w", e.EventID, err)
		}
	}
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
