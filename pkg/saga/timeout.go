package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// Timeout is one scheduled saga timer. Delivered timeouts are removed from
// the store.
type Timeout struct {
	TimeoutID   string    `json:"timeout_id"`
	SagaID      string    `json:"saga_id"`
	SagaType    string    `json:"saga_type"`
	TimeoutType string    `json:"timeout_type"`
	Payload     []byte    `json:"payload,omitempty"`
	DueAt       time.Time `json:"due_at"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Validate rejects rows that break the timeout invariants.
func (t *Timeout) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: timeout", contracts.ErrNilArgument)
	}
	if t.TimeoutID == "" {
		return fmt.Errorf("%w: timeout id", contracts.ErrNilArgument)
	}
	if t.SagaID == "" {
		return fmt.Errorf("%w: saga id", contracts.ErrNilArgument)
	}
	if t.TimeoutType == "" {
		return fmt.Errorf("%w: timeout type", contracts.ErrNilArgument)
	}
	if !t.ScheduledAt.IsZero() && t.DueAt.Before(t.ScheduledAt) {
		return fmt.Errorf("%w: due before scheduled", contracts.ErrInvalidArgument)
	}
	return nil
}

// TimeoutStore persists scheduled timeouts. Cancel and MarkDelivered with an
// unknown id are no-ops.
type TimeoutStore interface {
	// Schedule inserts or replaces the row with the same timeout id.
	Schedule(ctx context.Context, timeout *Timeout) error
	// Cancel removes one row. Only removes when the saga id matches.
	Cancel(ctx context.Context, sagaID, timeoutID string) error
	// CancelAll removes every row for a saga.
	CancelAll(ctx context.Context, sagaID string) error
	// GetDue returns rows with DueAt <= now, ordered by DueAt ascending.
	// limit <= 0 means no limit.
	GetDue(ctx context.Context, now time.Time, limit int) ([]*Timeout, error)
	// MarkDelivered removes a delivered row.
	MarkDelivered(ctx context.Context, timeoutID string) error
}

// MemoryTimeoutStore is the in-process TimeoutStore.
type MemoryTimeoutStore struct {
	mu   sync.RWMutex
	rows map[string]*Timeout
}

// NewMemoryTimeoutStore creates an empty store.
func NewMemoryTimeoutStore() *MemoryTimeoutStore {
	return &MemoryTimeoutStore{rows: make(map[string]*Timeout)}
}

// Schedule implements TimeoutStore.
func (s *MemoryTimeoutStore) Schedule(ctx context.Context, timeout *Timeout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := timeout.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *timeout
	if cp.ScheduledAt.IsZero() {
		cp.ScheduledAt = time.Now().UTC()
	}
	s.rows[cp.TimeoutID] = &cp
	return nil
}

// Cancel implements TimeoutStore.
func (s *MemoryTimeoutStore) Cancel(ctx context.Context, sagaID, timeoutID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[timeoutID]; ok && row.SagaID == sagaID {
		delete(s.rows, timeoutID)
	}
	return nil
}

// CancelAll implements TimeoutStore.
func (s *MemoryTimeoutStore) CancelAll(ctx context.Context, sagaID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range s.rows {
		if row.SagaID == sagaID {
			delete(s.rows, id)
		}
	}
	return nil
}

// GetDue implements TimeoutStore.
func (s *MemoryTimeoutStore) GetDue(ctx context.Context, now time.Time, limit int) ([]*Timeout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var due []*Timeout
	for _, row := range s.rows {
		if !row.DueAt.After(now) {
			cp := *row
			due = append(due, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MarkDelivered implements TimeoutStore.
func (s *MemoryTimeoutStore) MarkDelivered(ctx context.Context, timeoutID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, timeoutID)
	return nil
}

// Len reports outstanding rows. Test helper.
func (s *MemoryTimeoutStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
