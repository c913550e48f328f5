package saga

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// IDExtractor pulls the saga id out of an inbound event. ok=false means the
// event does not target this saga type.
type IDExtractor func(event any) (sagaID string, ok bool)

// Registry resolves inbound events to their saga handler and instance id.
// Event types are keyed by reflect.Type, so pointer and value receivers
// register independently.
type Registry struct {
	mu       sync.RWMutex
	byEvent  map[reflect.Type]*registration
	handlers map[string]Handler // by saga type
}

type registration struct {
	handler Handler
	extract IDExtractor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byEvent:  make(map[reflect.Type]*registration),
		handlers: make(map[string]Handler),
	}
}

// RegisterEvent binds one event type (given by example value) to a handler.
// Re-registering an event type replaces the binding.
func (r *Registry) RegisterEvent(example any, handler Handler, extract IDExtractor) error {
	if example == nil {
		return fmt.Errorf("%w: event example", contracts.ErrNilArgument)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler", contracts.ErrNilArgument)
	}
	if extract == nil {
		return fmt.Errorf("%w: id extractor", contracts.ErrNilArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEvent[reflect.TypeOf(example)] = &registration{handler: handler, extract: extract}
	r.handlers[handler.SagaType()] = handler
	return nil
}

// Resolve maps an event to its handler and saga id.
func (r *Registry) Resolve(event any) (Handler, string, error) {
	if event == nil {
		return nil, "", fmt.Errorf("%w: event", contracts.ErrNilArgument)
	}
	r.mu.RLock()
	reg, ok := r.byEvent[reflect.TypeOf(event)]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: no saga registered for event type %T", contracts.ErrNotFound, event)
	}
	sagaID, ok := reg.extract(event)
	if !ok || sagaID == "" {
		return nil, "", fmt.Errorf("%w: event %T carries no saga id", contracts.ErrInvalidArgument, event)
	}
	return reg.handler, sagaID, nil
}

// HandlerFor returns the handler registered under a saga type name. Used by
// timeout delivery to validate timeout targets.
func (r *Registry) HandlerFor(sagaType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[sagaType]
	return h, ok
}
