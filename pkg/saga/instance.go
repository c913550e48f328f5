// Package saga implements the saga coordinator: durable per-instance state
// with a TTL cache overlay, scheduled timeouts with poll delivery, per-saga
// idempotency, and monitoring queries for health checks.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

var (
	// ErrSagaNotFound is returned when no instance exists for a saga id.
	ErrSagaNotFound = errors.New("saga instance not found")
	// ErrVersionConflict is returned by conditional updates when the stored
	// version moved.
	ErrVersionConflict = errors.New("saga version conflict")
	// ErrSagaCompleted is returned when an event targets a completed saga.
	ErrSagaCompleted = errors.New("saga already completed")
)

// Instance is one persisted saga. State is an opaque payload owned by the
// saga type; the coordinator never interprets it.
type Instance struct {
	SagaID        string     `json:"saga_id"`
	SagaType      string     `json:"saga_type"`
	State         []byte     `json:"state"`
	IsCompleted   bool       `json:"is_completed"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Version       int64      `json:"version"`
}

// Validate rejects instances that would corrupt the store.
func (i *Instance) Validate() error {
	if i == nil {
		return fmt.Errorf("%w: instance", contracts.ErrNilArgument)
	}
	if i.SagaID == "" {
		return fmt.Errorf("%w: saga id", contracts.ErrNilArgument)
	}
	if i.SagaType == "" {
		return fmt.Errorf("%w: saga type", contracts.ErrNilArgument)
	}
	if i.IsCompleted && i.CompletedAt == nil {
		return fmt.Errorf("%w: completed instance missing completion time", contracts.ErrInvalidArgument)
	}
	return nil
}

// Clone returns a deep copy so cached instances never alias caller state.
func (i *Instance) Clone() *Instance {
	cp := *i
	if i.State != nil {
		cp.State = append([]byte(nil), i.State...)
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Outbound is one message a saga emits for outbox staging.
type Outbound struct {
	Message     any
	Destination string
	Headers     map[string]string
}

// Outcome is the effect set produced by one HandleEvent call. The
// coordinator applies it atomically: state first, then timeout mutations,
// then outbox staging.
type Outcome struct {
	// State replaces the instance payload when non-nil.
	State []byte
	// Complete closes the saga. FailureReason marks it failed as well.
	Complete      bool
	FailureReason string
	// ScheduleTimeouts are new or replaced timeout rows.
	ScheduleTimeouts []Timeout
	// CancelTimeouts removes individual rows by timeout id.
	CancelTimeouts []string
	// CancelAllTimeouts removes every outstanding timeout for the saga.
	CancelAllTimeouts bool
	// Messages are staged into the outbox after the state is persisted.
	Messages []Outbound
}

// Handler is the application-facing saga contract. Implementations hold no
// per-instance state of their own; everything lives in Instance.State.
type Handler interface {
	// SagaType names the saga. Stored on every instance.
	SagaType() string
	// HandleEvent applies one event and returns the effects. The instance
	// is a private copy; mutating it directly has no effect, return State
	// in the outcome instead.
	HandleEvent(ctx context.Context, info EventInfo, instance *Instance, event any) (*Outcome, error)
}

// EventInfo carries per-dispatch values into a handler.
type EventInfo struct {
	// SagaID of the instance being driven.
	SagaID string
	// IsNew is true when this event opened the saga.
	IsNew bool
	// CorrelationID propagated from the inbound event, may be empty.
	CorrelationID string
}
