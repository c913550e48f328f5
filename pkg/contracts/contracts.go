// Package contracts defines the collaborator interfaces the dispatch core
// consumes and the shared error kinds crossing its public boundary.
package contracts

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNilArgument is returned when a required argument is nil or empty.
	ErrNilArgument = errors.New("argument must not be nil")
	// ErrInvalidArgument is returned when an argument is present but out of range.
	ErrInvalidArgument = errors.New("argument is invalid")
	// ErrPermissionDenied is returned when the caller's role does not permit the operation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound is returned when a row addressed by identity does not exist.
	ErrNotFound = errors.New("not found")
)

// Serializer converts application objects to and from wire bytes.
// Implementations must be deterministic enough to round-trip outbox payloads.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
}

// TransportAdapter sends a raw message to a broker destination.
// An error return means the transport rejected or lost the message.
type TransportAdapter interface {
	Send(ctx context.Context, payload []byte, destination string, headers map[string]string) error
}

// DispatchResult reports the outcome of an in-process dispatch.
type DispatchResult struct {
	Handled bool
	Err     error
}

// Dispatcher is the in-process bus used for saga event and timeout delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, message any, headers map[string]string) (DispatchResult, error)
}

// HashFunction produces a hex digest of the given bytes.
// Must be deterministic and collision resistant.
type HashFunction func(data []byte) string

// RoleProvider resolves the role of the current caller.
type RoleProvider interface {
	CurrentRole(ctx context.Context) (string, error)
}

// ActorProvider resolves the identity of the current caller.
type ActorProvider interface {
	CurrentActorID(ctx context.Context) (string, error)
}

// Clock abstracts time for stores and loops so tests can pin it.
type Clock func() time.Time

// SystemClock returns the current UTC time.
func SystemClock() time.Time { return time.Now().UTC() }
