package saga

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/outbox"
)

const lockStripes = 64

// stripedLocks serialises work per saga id without one global lock.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLocks) lock(sagaID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sagaID))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m
}

// Coordinator owns the saga lifecycle: event resolution, idempotency,
// per-instance locking, state persistence and outbox staging.
type Coordinator struct {
	registry    *Registry
	store       StateStore
	timeouts    TimeoutStore
	idempotency IdempotencyProvider
	publisher   *outbox.Publisher
	logger      *slog.Logger
	clock       contracts.Clock
	locks       stripedLocks
}

// CoordinatorOption configures optional collaborators.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorClock overrides time for tests.
func WithCoordinatorClock(c contracts.Clock) CoordinatorOption {
	return func(co *Coordinator) { co.clock = c }
}

// NewCoordinator wires the coordinator. publisher may be nil when sagas
// never emit outbound messages.
func NewCoordinator(registry *Registry, store StateStore, timeouts TimeoutStore, idempotency IdempotencyProvider, publisher *outbox.Publisher, logger *slog.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry", contracts.ErrNilArgument)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: state store", contracts.ErrNilArgument)
	}
	if timeouts == nil {
		return nil, fmt.Errorf("%w: timeout store", contracts.ErrNilArgument)
	}
	if idempotency == nil {
		return nil, fmt.Errorf("%w: idempotency provider", contracts.ErrNilArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		registry:    registry,
		store:       store,
		timeouts:    timeouts,
		idempotency: idempotency,
		publisher:   publisher,
		logger:      logger.With(slog.String("component", "saga")),
		clock:       contracts.SystemClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HandleEvent drives one event through its saga. idempotencyKey deduplicates
// redeliveries; empty means no dedup. The per-instance lock is released
// before outbound messages are staged.
func (c *Coordinator) HandleEvent(ctx context.Context, event any, idempotencyKey, correlationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	handler, sagaID, err := c.registry.Resolve(event)
	if err != nil {
		return err
	}

	outbound, err := c.applyLocked(ctx, handler, sagaID, event, idempotencyKey, correlationID)
	if err != nil {
		return err
	}

	// Outbox staging happens outside the instance lock.
	return c.stageOutbound(ctx, outbound, correlationID)
}

// applyLocked runs the locked section: idempotency, load-or-create, handler,
// persist, timeout mutations, mark processed.
func (c *Coordinator) applyLocked(ctx context.Context, handler Handler, sagaID string, event any, idempotencyKey, correlationID string) ([]Outbound, error) {
	mu := c.locks.lock(sagaID)
	defer mu.Unlock()

	if idempotencyKey != "" {
		seen, err := c.idempotency.IsProcessed(ctx, sagaID, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if seen {
			c.logger.DebugContext(ctx, "duplicate event skipped",
				slog.String("saga_id", sagaID),
				slog.String("idempotency_key", idempotencyKey))
			return nil, nil
		}
	}

	instance, isNew, err := c.loadOrCreate(ctx, handler, sagaID)
	if err != nil {
		return nil, err
	}
	if instance.IsCompleted {
		return nil, fmt.Errorf("%w: %s", ErrSagaCompleted, sagaID)
	}
	expectedVersion := instance.Version

	info := EventInfo{SagaID: sagaID, IsNew: isNew, CorrelationID: correlationID}
	outcome, err := handler.HandleEvent(ctx, info, instance.Clone(), event)
	if err != nil {
		return nil, fmt.Errorf("saga %s handle event: %w", sagaID, err)
	}
	if outcome == nil {
		outcome = &Outcome{}
	}

	c.applyOutcome(instance, outcome)
	if isNew {
		if err := c.store.Save(ctx, instance); err != nil {
			return nil, fmt.Errorf("save saga %s: %w", sagaID, err)
		}
	} else if err := c.store.UpdateConditional(ctx, instance, expectedVersion); err != nil {
		return nil, fmt.Errorf("update saga %s: %w", sagaID, err)
	}

	if err := c.applyTimeouts(ctx, handler, instance, outcome); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		if err := c.idempotency.MarkProcessed(ctx, sagaID, idempotencyKey); err != nil {
			return nil, fmt.Errorf("idempotency mark: %w", err)
		}
	}
	return outcome.Messages, nil
}

func (c *Coordinator) loadOrCreate(ctx context.Context, handler Handler, sagaID string) (*Instance, bool, error) {
	instance, err := c.store.Load(ctx, sagaID)
	if err == nil {
		return instance, false, nil
	}
	if !errors.Is(err, ErrSagaNotFound) {
		return nil, false, fmt.Errorf("load saga %s: %w", sagaID, err)
	}
	now := c.clock()
	return &Instance{
		SagaID:    sagaID,
		SagaType:  handler.SagaType(),
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

func (c *Coordinator) applyOutcome(instance *Instance, outcome *Outcome) {
	if outcome.State != nil {
		instance.State = append([]byte(nil), outcome.State...)
	}
	if outcome.Complete {
		now := c.clock()
		instance.IsCompleted = true
		instance.CompletedAt = &now
		instance.FailureReason = outcome.FailureReason
	}
}

func (c *Coordinator) applyTimeouts(ctx context.Context, handler Handler, instance *Instance, outcome *Outcome) error {
	if outcome.CancelAllTimeouts || outcome.Complete {
		if err := c.timeouts.CancelAll(ctx, instance.SagaID); err != nil {
			return fmt.Errorf("cancel timeouts for saga %s: %w", instance.SagaID, err)
		}
	} else {
		for _, id := range outcome.CancelTimeouts {
			if err := c.timeouts.Cancel(ctx, instance.SagaID, id); err != nil {
				return fmt.Errorf("cancel timeout %s: %w", id, err)
			}
		}
	}
	for i := range outcome.ScheduleTimeouts {
		t := outcome.ScheduleTimeouts[i]
		if t.TimeoutID == "" {
			t.TimeoutID = uuid.NewString()
		}
		t.SagaID = instance.SagaID
		t.SagaType = handler.SagaType()
		if t.ScheduledAt.IsZero() {
			t.ScheduledAt = c.clock()
		}
		if err := c.timeouts.Schedule(ctx, &t); err != nil {
			return fmt.Errorf("schedule timeout %s: %w", t.TimeoutID, err)
		}
	}
	return nil
}

func (c *Coordinator) stageOutbound(ctx context.Context, outbound []Outbound, correlationID string) error {
	if len(outbound) == 0 {
		return nil
	}
	if c.publisher == nil {
		return fmt.Errorf("%w: saga emitted messages but no outbox publisher is configured", contracts.ErrInvalidArgument)
	}
	for _, out := range outbound {
		opts := make([]outbox.PublishOption, 0, 2)
		if len(out.Headers) > 0 {
			opts = append(opts, outbox.WithHeaders(out.Headers))
		}
		if correlationID != "" {
			opts = append(opts, outbox.WithCorrelationID(correlationID))
		}
		if _, err := c.publisher.Publish(ctx, out.Message, out.Destination, opts...); err != nil {
			return fmt.Errorf("stage saga outbound message: %w", err)
		}
	}
	return nil
}

// StuckSagaCount implements the saga health monitor contract.
func (c *Coordinator) StuckSagaCount(ctx context.Context, threshold time.Duration, limit int) (int, error) {
	stuck, err := c.store.QueryStuck(ctx, threshold, limit)
	if err != nil {
		return 0, err
	}
	return len(stuck), nil
}

// FailedSagaCount implements the saga health monitor contract.
func (c *Coordinator) FailedSagaCount(ctx context.Context, limit int) (int, error) {
	failed, err := c.store.QueryFailed(ctx, limit)
	if err != nil {
		return 0, err
	}
	return len(failed), nil
}

// RunningSagaCount implements the saga health monitor contract.
func (c *Coordinator) RunningSagaCount(ctx context.Context, sagaType string) (int, error) {
	return c.store.RunningCount(ctx, sagaType)
}

// GetStuckSagas returns open instances whose last update is older than
// threshold.
func (c *Coordinator) GetStuckSagas(ctx context.Context, threshold time.Duration, limit int) ([]*Instance, error) {
	return c.store.QueryStuck(ctx, threshold, limit)
}

// GetFailedSagas returns completed instances with a failure reason.
func (c *Coordinator) GetFailedSagas(ctx context.Context, limit int) ([]*Instance, error) {
	return c.store.QueryFailed(ctx, limit)
}
