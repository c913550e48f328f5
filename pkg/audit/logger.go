package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// Logger is the write-side facade over a Store: it fills in identity fields
// from providers so call sites only describe what happened.
type Logger struct {
	store Store
	actor contracts.ActorProvider
	clock contracts.Clock
}

// LoggerOption configures the logger.
type LoggerOption func(*Logger)

// WithActorProvider resolves the acting principal per call.
func WithActorProvider(p contracts.ActorProvider) LoggerOption {
	return func(l *Logger) { l.actor = p }
}

// WithLoggerClock overrides time for tests.
func WithLoggerClock(c contracts.Clock) LoggerOption {
	return func(l *Logger) { l.clock = c }
}

// NewLogger wraps a store.
func NewLogger(store Store, opts ...LoggerOption) (*Logger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store", contracts.ErrNilArgument)
	}
	l := &Logger{store: store, clock: contracts.SystemClock}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Record appends one event. Zero EventID, Timestamp and ActorID are filled
// in; everything else passes through unchanged.
func (l *Logger) Record(ctx context.Context, event *Event) (*AppendReceipt, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: event", contracts.ErrNilArgument)
	}
	e := event.Clone()
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock()
	}
	if e.ActorID == "" && l.actor != nil {
		actorID, err := l.actor.CurrentActorID(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve actor: %w", err)
		}
		e.ActorID = actorID
	}
	return l.store.Append(ctx, e)
}

// Success records a successful action against a resource.
func (l *Logger) Success(ctx context.Context, eventType EventType, action, resourceID string) (*AppendReceipt, error) {
	return l.Record(ctx, &Event{
		EventType:  eventType,
		Action:     action,
		Outcome:    OutcomeSuccess,
		ResourceID: resourceID,
	})
}

// Failure records a failed action with the reason.
func (l *Logger) Failure(ctx context.Context, eventType EventType, action, resourceID, reason string) (*AppendReceipt, error) {
	return l.Record(ctx, &Event{
		EventType:  eventType,
		Action:     action,
		Outcome:    OutcomeFailure,
		ResourceID: resourceID,
		Reason:     reason,
	})
}

// systemActor is the fixed actor id for events the runtime emits about
// itself.
const systemActor = "system"

// RecordSystem appends a system-originated event with a fixed actor.
func (l *Logger) RecordSystem(ctx context.Context, action string, metadata map[string]string) (*AppendReceipt, error) {
	return l.Record(ctx, &Event{
		EventType: EventTypeSystem,
		Action:    action,
		Outcome:   OutcomeSuccess,
		ActorID:   systemActor,
		Timestamp: l.clock(),
		Metadata:  metadata,
	})
}
