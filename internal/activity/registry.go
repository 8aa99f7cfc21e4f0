package activity

import (
	"sort"
	"sync"

	"github.com/convctl/conveyor/pkg/schema"
)

// Registry is the thread-safe node type to handler mapping.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeType]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[schema.NodeType]Handler),
	}
}

// Register adds a handler. Duplicate node types are rejected.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	nt := h.Type()
	if nt == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler node type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[nt]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", nt)
	}

	r.handlers[nt] = h
	return nil
}

// Get retrieves the handler for a node type. A missing handler is a
// resolution error: the node can never run, so it is not retryable.
func (r *Registry) Get(nt schema.NodeType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[nt]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeResolution, "no handler registered for node type %q", nt)
	}
	return h, nil
}

// Has checks whether a node type is dispatchable.
func (r *Registry) Has(nt schema.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[nt]
	return ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.NodeType, 0, len(r.handlers))
	for nt := range r.handlers {
		types = append(types, nt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
