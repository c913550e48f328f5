package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

var (
	// ErrMessageNotFound is returned when a row addressed by id is missing.
	ErrMessageNotFound = errors.New("outbox message not found")
	// ErrDuplicateMessage is returned when staging an id that already exists.
	ErrDuplicateMessage = errors.New("outbox message already staged")
)

// Store is the persistence contract for staged messages and their
// per-transport delivery rows.
type Store interface {
	// Stage inserts a new message. Scheduled status is derived from
	// ScheduledAt lying in the future at stage time.
	Stage(ctx context.Context, msg *OutboundMessage) error

	// StageWithTransports inserts the message plus one pending delivery row
	// per transport.
	StageWithTransports(ctx context.Context, msg *OutboundMessage, transports []TransportDelivery) error

	// GetUnsent returns the oldest Staged rows plus Scheduled rows whose
	// ScheduledAt has passed, oldest first.
	GetUnsent(ctx context.Context, limit int) ([]*OutboundMessage, error)

	// GetScheduledDue returns only Scheduled rows due at or before now.
	GetScheduledDue(ctx context.Context, now time.Time, limit int) ([]*OutboundMessage, error)

	// MarkSent transitions the row to Published.
	MarkSent(ctx context.Context, id string) error

	// MarkFailed records the error and the new retry count.
	MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) error

	// GetFailed returns Failed rows with RetryCount < maxRetries, optionally
	// restricted to failures at or after since.
	GetFailed(ctx context.Context, maxRetries int, since *time.Time, limit int) ([]*OutboundMessage, error)

	// GetPendingTransportDeliveries returns pending and failed-but-retryable
	// rows for one transport.
	GetPendingTransportDeliveries(ctx context.Context, transportName string, limit int) ([]*TransportDelivery, error)

	// MarkTransportSent marks one delivery row Sent. When every row of the
	// message is Sent the parent message becomes Published.
	MarkTransportSent(ctx context.Context, messageID, transportName string) error

	// MarkTransportFailed records a transport delivery failure.
	MarkTransportFailed(ctx context.Context, messageID, transportName, errMsg string) error
}

// InMemoryStore keeps outbox state in process. Used by tests and
// single-process deployments.
type InMemoryStore struct {
	mu         sync.RWMutex
	messages   map[string]*OutboundMessage
	deliveries map[string][]*TransportDelivery // messageID -> rows
	order      []string                        // staging order
	clock      contracts.Clock
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages:   make(map[string]*OutboundMessage),
		deliveries: make(map[string][]*TransportDelivery),
		clock:      contracts.SystemClock,
	}
}

// Stage implements Store.
func (s *InMemoryStore) Stage(ctx context.Context, msg *OutboundMessage) error {
	return s.StageWithTransports(ctx, msg, nil)
}

// StageWithTransports implements Store.
func (s *InMemoryStore) StageWithTransports(ctx context.Context, msg *OutboundMessage, transports []TransportDelivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: message", contracts.ErrNilArgument)
	}
	if msg.ID == "" {
		return fmt.Errorf("%w: message id", contracts.ErrNilArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
	}

	now := s.clock()
	stored := *msg
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.ScheduledAt != nil && stored.ScheduledAt.After(now) {
		stored.Status = StatusScheduled
	} else if stored.Status == "" || stored.Status == StatusScheduled {
		stored.Status = StatusStaged
	}

	s.messages[msg.ID] = &stored
	s.order = append(s.order, msg.ID)

	for _, t := range transports {
		row := t
		row.MessageID = msg.ID
		if row.Status == "" {
			row.Status = TransportPending
		}
		s.deliveries[msg.ID] = append(s.deliveries[msg.ID], &row)
	}

	*msg = stored
	return nil
}

// GetUnsent implements Store.
func (s *InMemoryStore) GetUnsent(ctx context.Context, limit int) ([]*OutboundMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock()
	var out []*OutboundMessage
	for _, id := range s.order {
		m := s.messages[id]
		if len(s.deliveries[id]) > 0 {
			// Fan-out messages drain through the transport delivery path.
			continue
		}
		due := m.Status == StatusStaged ||
			(m.Status == StatusScheduled && m.ScheduledAt != nil && !m.ScheduledAt.After(now))
		if due {
			cp := *m
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// GetScheduledDue implements Store.
func (s *InMemoryStore) GetScheduledDue(ctx context.Context, now time.Time, limit int) ([]*OutboundMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*OutboundMessage
	for _, id := range s.order {
		m := s.messages[id]
		if m.Status == StatusScheduled && m.ScheduledAt != nil && !m.ScheduledAt.After(now) {
			cp := *m
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// MarkSent implements Store. Published rows are never mutated back.
func (s *InMemoryStore) MarkSent(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	now := s.clock()
	m.Status = StatusPublished
	m.LastAttemptAt = &now
	m.LastError = ""
	return nil
}

// MarkFailed implements Store.
func (s *InMemoryStore) MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if m.Status == StatusPublished {
		// Published is terminal.
		return nil
	}
	now := s.clock()
	m.Status = StatusFailed
	m.LastError = errMsg
	if retryCount > m.RetryCount {
		m.RetryCount = retryCount
	}
	m.LastAttemptAt = &now
	return nil
}

// GetFailed implements Store.
func (s *InMemoryStore) GetFailed(ctx context.Context, maxRetries int, since *time.Time, limit int) ([]*OutboundMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: maxRetries must be >= 0", contracts.ErrInvalidArgument)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*OutboundMessage
	for _, id := range s.order {
		m := s.messages[id]
		if m.Status != StatusFailed || m.RetryCount >= maxRetries {
			continue
		}
		if since != nil && (m.LastAttemptAt == nil || m.LastAttemptAt.Before(*since)) {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetPendingTransportDeliveries implements Store.
func (s *InMemoryStore) GetPendingTransportDeliveries(ctx context.Context, transportName string, limit int) ([]*TransportDelivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TransportDelivery
	for _, id := range s.order {
		for _, d := range s.deliveries[id] {
			if d.TransportName == transportName && (d.Status == TransportPending || d.Status == TransportFailed) {
				cp := *d
				out = append(out, &cp)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

// MarkTransportSent implements Store.
func (s *InMemoryStore) MarkTransportSent(ctx context.Context, messageID, transportName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.deliveries[messageID]
	var found bool
	allSent := true
	for _, d := range rows {
		if d.TransportName == transportName {
			d.Status = TransportSent
			d.LastError = ""
			found = true
		}
		if d.Status != TransportSent {
			allSent = false
		}
	}
	if !found {
		return fmt.Errorf("%w: delivery %s/%s", ErrMessageNotFound, messageID, transportName)
	}
	if allSent {
		if m, ok := s.messages[messageID]; ok {
			m.Status = StatusPublished
		}
	}
	return nil
}

// MarkTransportFailed implements Store.
func (s *InMemoryStore) MarkTransportFailed(ctx context.Context, messageID, transportName, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.deliveries[messageID] {
		if d.TransportName == transportName {
			d.Status = TransportFailed
			d.RetryCount++
			d.LastError = errMsg
			return nil
		}
	}
	return fmt.Errorf("%w: delivery %s/%s", ErrMessageNotFound, messageID, transportName)
}

// TransportDeliveries returns a copy of the fan-out rows for one message,
// ordered by transport name. Test and monitoring helper.
func (s *InMemoryStore) TransportDeliveries(messageID string) []*TransportDelivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.deliveries[messageID]
	out := make([]*TransportDelivery, 0, len(rows))
	for _, d := range rows {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransportName < out[j].TransportName })
	return out
}

// Get returns a copy of one message row.
func (s *InMemoryStore) Get(messageID string) (*OutboundMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}
