package outbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// TransportRegistry maps transport names to adapters. Registration happens at
// startup; resolution happens on every fan-out delivery.
type TransportRegistry struct {
	mu       sync.RWMutex
	adapters map[string]registeredTransport
}

type registeredTransport struct {
	adapter     contracts.TransportAdapter
	displayName string
}

// NewTransportRegistry creates an empty registry.
func NewTransportRegistry() *TransportRegistry {
	return &TransportRegistry{adapters: make(map[string]registeredTransport)}
}

// Register binds name to adapter. Re-registering a name replaces the previous
// adapter, which supports hot-swapping transports in tests.
func (r *TransportRegistry) Register(name string, adapter contracts.TransportAdapter, displayName string) error {
	if name == "" {
		return fmt.Errorf("%w: transport name", contracts.ErrNilArgument)
	}
	if adapter == nil {
		return fmt.Errorf("%w: transport adapter", contracts.ErrNilArgument)
	}
	if displayName == "" {
		displayName = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = registeredTransport{adapter: adapter, displayName: displayName}
	return nil
}

// Resolve returns the adapter registered under name.
func (r *TransportRegistry) Resolve(name string) (contracts.TransportAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: transport %q", contracts.ErrNotFound, name)
	}
	return reg.adapter, nil
}

// DisplayName returns the human-readable name for a transport, falling back
// to the registration name.
func (r *TransportRegistry) DisplayName(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.adapters[name]; ok {
		return reg.displayName
	}
	return name
}

// Names lists registered transport names in sorted order.
func (r *TransportRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
