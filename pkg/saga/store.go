package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// StateStore persists saga instances.
type StateStore interface {
	// Load returns the instance or ErrSagaNotFound.
	Load(ctx context.Context, sagaID string) (*Instance, error)
	// Save inserts or replaces the instance unconditionally and bumps its
	// version.
	Save(ctx context.Context, instance *Instance) error
	// UpdateConditional replaces the instance only when the stored version
	// equals expectedVersion, otherwise ErrVersionConflict.
	UpdateConditional(ctx context.Context, instance *Instance, expectedVersion int64) error
	// ListByType pages instances of one saga type. cursor is the last saga
	// id of the previous page, empty for the first.
	ListByType(ctx context.Context, sagaType, cursor string, limit int) ([]*Instance, error)
	// QueryStuck returns open instances not updated within threshold.
	QueryStuck(ctx context.Context, threshold time.Duration, limit int) ([]*Instance, error)
	// QueryFailed returns completed instances carrying a failure reason.
	QueryFailed(ctx context.Context, limit int) ([]*Instance, error)
	// RunningCount counts open instances, optionally restricted to one type.
	RunningCount(ctx context.Context, sagaType string) (int, error)
}

// MemoryStateStore is the in-process StateStore.
type MemoryStateStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	clock     contracts.Clock
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		instances: make(map[string]*Instance),
		clock:     contracts.SystemClock,
	}
}

// Load implements StateStore.
func (s *MemoryStateStore) Load(ctx context.Context, sagaID string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sagaID == "" {
		return nil, fmt.Errorf("%w: saga id", contracts.ErrNilArgument)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[sagaID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return inst.Clone(), nil
}

// Save implements StateStore.
func (s *MemoryStateStore) Save(ctx context.Context, instance *Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := instance.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	stored := instance.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Version++
	s.instances[stored.SagaID] = stored
	*instance = *stored.Clone()
	return nil
}

// UpdateConditional implements StateStore.
func (s *MemoryStateStore) UpdateConditional(ctx context.Context, instance *Instance, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := instance.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[instance.SagaID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, instance.SagaID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: saga %s at version %d, expected %d",
			ErrVersionConflict, instance.SagaID, current.Version, expectedVersion)
	}

	stored := instance.Clone()
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = s.clock()
	stored.Version = expectedVersion + 1
	s.instances[stored.SagaID] = stored
	*instance = *stored.Clone()
	return nil
}

// ListByType implements StateStore. Ordered by saga id for stable cursors.
func (s *MemoryStateStore) ListByType(ctx context.Context, sagaType, cursor string, limit int) ([]*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var ids []string
	for id, inst := range s.instances {
		if inst.SagaType == sagaType && id > cursor {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		if inst, ok := s.instances[id]; ok {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

// QueryStuck implements StateStore.
func (s *MemoryStateStore) QueryStuck(ctx context.Context, threshold time.Duration, limit int) ([]*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.clock().Add(-threshold)
	var out []*Instance
	for _, inst := range s.instances {
		if !inst.IsCompleted && inst.UpdatedAt.Before(cutoff) {
			out = append(out, inst.Clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// QueryFailed implements StateStore.
func (s *MemoryStateStore) QueryFailed(ctx context.Context, limit int) ([]*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Instance
	for _, inst := range s.instances {
		if inst.IsCompleted && inst.FailureReason != "" {
			out = append(out, inst.Clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// RunningCount implements StateStore.
func (s *MemoryStateStore) RunningCount(ctx context.Context, sagaType string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, inst := range s.instances {
		if inst.IsCompleted {
			continue
		}
		if sagaType != "" && inst.SagaType != sagaType {
			continue
		}
		count++
	}
	return count, nil
}
