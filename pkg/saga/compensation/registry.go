// Package compensation implements §4.9's compensation registry: a
// process-wide mapping from a forward event type to the compensation
// event type and the service responsible for emitting it, populated
// once at startup and consulted by choreography listeners when a
// reverse flow begins. Modeled as an explicit struct passed through
// constructors rather than ambient global state, per §9's design note.
package compensation

import "sync"

// Binding names the compensation event type and owning service for one
// forward event type in a saga's happy path.
type Binding struct {
	ForwardEventType      string
	CompensationEventType string
	ResponsibleService    string
}

// Registry holds the compensation bindings for every saga type the
// process participates in. Safe for concurrent use; intended to be
// populated once at startup and read thereafter.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Register adds or replaces the binding for forwardEventType.
func (r *Registry) Register(b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[b.ForwardEventType] = b
}

// Lookup returns the binding registered for forwardEventType, if any.
func (r *Registry) Lookup(forwardEventType string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[forwardEventType]
	return b, ok
}

// CompensationFor returns the compensation event type registered for
// forwardEventType, or "" if none is registered.
func (r *Registry) CompensationFor(forwardEventType string) string {
	b, ok := r.Lookup(forwardEventType)
	if !ok {
		return ""
	}
	return b.CompensationEventType
}
