package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/observability"
)

// TimeoutTypeRegistry resolves timeout type tags to message factories. The
// factory returns a fresh instance the payload is deserialized into.
type TimeoutTypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

// NewTimeoutTypeRegistry creates an empty registry.
func NewTimeoutTypeRegistry() *TimeoutTypeRegistry {
	return &TimeoutTypeRegistry{factories: make(map[string]func() any)}
}

// Register binds a timeout type tag to a message factory.
func (r *TimeoutTypeRegistry) Register(timeoutType string, factory func() any) error {
	if timeoutType == "" {
		return fmt.Errorf("%w: timeout type", contracts.ErrNilArgument)
	}
	if factory == nil {
		return fmt.Errorf("%w: factory", contracts.ErrNilArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[timeoutType] = factory
	return nil
}

// Resolve returns a fresh message for the tag.
func (r *TimeoutTypeRegistry) Resolve(timeoutType string) (any, bool) {
	r.mu.RLock()
	factory, ok := r.factories[timeoutType]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// DeliveryOptions tunes the timeout poll loop.
type DeliveryOptions struct {
	// PollInterval between due-timeout scans. Default 100ms.
	PollInterval time.Duration
	// BatchSize caps timeouts per pass. Default 100.
	BatchSize int
	// EnableVerboseLogging logs every delivered timeout at debug level.
	EnableVerboseLogging bool
}

// DefaultDeliveryOptions mirrors the documented defaults.
func DefaultDeliveryOptions() DeliveryOptions {
	return DeliveryOptions{PollInterval: 100 * time.Millisecond, BatchSize: 100}
}

// DeliveryService polls due timeouts and dispatches them as messages.
// Unresolvable timeout types are marked delivered so they never poison the
// queue; dispatcher failures leave the row for the next pass.
type DeliveryService struct {
	store      TimeoutStore
	types      *TimeoutTypeRegistry
	serializer contracts.Serializer
	dispatcher contracts.Dispatcher
	opts       DeliveryOptions
	heartbeats *observability.HeartbeatRegistry
	logger     *slog.Logger
	clock      contracts.Clock

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewDeliveryService wires the service. heartbeats may be nil.
func NewDeliveryService(store TimeoutStore, types *TimeoutTypeRegistry, serializer contracts.Serializer, dispatcher contracts.Dispatcher, opts DeliveryOptions, heartbeats *observability.HeartbeatRegistry, logger *slog.Logger) (*DeliveryService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: timeout store", contracts.ErrNilArgument)
	}
	if types == nil {
		return nil, fmt.Errorf("%w: timeout type registry", contracts.ErrNilArgument)
	}
	if serializer == nil {
		return nil, fmt.Errorf("%w: serializer", contracts.ErrNilArgument)
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher", contracts.ErrNilArgument)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryService{
		store:      store,
		types:      types,
		serializer: serializer,
		dispatcher: dispatcher,
		opts:       opts,
		heartbeats: heartbeats,
		logger:     logger.With(slog.String("component", "timeout-delivery")),
		clock:      contracts.SystemClock,
	}, nil
}

// Start launches the poll loop. Starting twice is a no-op.
func (s *DeliveryService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx)
}

// Stop cancels the loop and waits for the current pass to finish.
func (s *DeliveryService) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *DeliveryService) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.DeliverDue(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// The next tick retries; one bad cycle never stops the loop.
			s.logger.Warn("timeout delivery pass failed", slog.String("error", err.Error()))
			continue
		}
		if s.heartbeats != nil {
			s.heartbeats.Beat("timeout-delivery")
		}
	}
}

// DeliverDue runs one poll pass and returns the number of timeouts
// dispatched successfully.
func (s *DeliveryService) DeliverDue(ctx context.Context) (int, error) {
	due, err := s.store.GetDue(ctx, s.clock(), s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due timeouts: %w", err)
	}

	delivered := 0
	for _, timeout := range due {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if s.deliverOne(ctx, timeout) {
			delivered++
		}
	}
	return delivered, nil
}

// deliverOne handles a single timeout. Returns true on successful dispatch.
func (s *DeliveryService) deliverOne(ctx context.Context, timeout *Timeout) bool {
	message, ok := s.types.Resolve(timeout.TimeoutType)
	if !ok {
		// Undeliverable forever; drop it rather than retry each pass.
		s.logger.Warn("unresolvable timeout type, dropping",
			slog.String("timeout_id", timeout.TimeoutID),
			slog.String("saga_id", timeout.SagaID),
			slog.String("timeout_type", timeout.TimeoutType))
		s.markDelivered(ctx, timeout.TimeoutID)
		return false
	}

	if len(timeout.Payload) > 0 {
		if err := s.serializer.Deserialize(timeout.Payload, message); err != nil {
			// Serializer mismatch is as permanent as an unknown type.
			s.logger.Warn("undecodable timeout payload, dropping",
				slog.String("timeout_id", timeout.TimeoutID),
				slog.String("saga_id", timeout.SagaID),
				slog.String("error", err.Error()))
			s.markDelivered(ctx, timeout.TimeoutID)
			return false
		}
	}

	headers := map[string]string{
		"saga-id":    timeout.SagaID,
		"timeout-id": timeout.TimeoutID,
	}
	result, err := s.dispatcher.Dispatch(ctx, message, headers)
	if err == nil && result.Err != nil {
		err = result.Err
	}
	if err != nil {
		// Transient: leave the row, the next poll retries.
		s.logger.Warn("timeout dispatch failed, will retry",
			slog.String("timeout_id", timeout.TimeoutID),
			slog.String("saga_id", timeout.SagaID),
			slog.String("error", err.Error()))
		return false
	}

	s.markDelivered(ctx, timeout.TimeoutID)
	if s.opts.EnableVerboseLogging {
		s.logger.Debug("timeout delivered",
			slog.String("timeout_id", timeout.TimeoutID),
			slog.String("saga_id", timeout.SagaID),
			slog.String("timeout_type", timeout.TimeoutType))
	}
	return true
}

func (s *DeliveryService) markDelivered(ctx context.Context, timeoutID string) {
	if err := s.store.MarkDelivered(ctx, timeoutID); err != nil {
		s.logger.Error("failed to mark timeout delivered",
			slog.String("timeout_id", timeoutID),
			slog.String("error", err.Error()))
	}
}
