package hub

import "sync"

// Connection is a live connection task that runs a sequential receive loop
// until closed.
type Connection interface {
	Identifier() string
	Close() error
}

// Registry maps identifiers to live connections, at most one each.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Connection
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Connection)}
}

// Add registers c unless its identifier is already taken.
func (r *Registry) Add(c Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, exists := r.conns[c.Identifier()]; exists {
		return false
	}
	r.conns[c.Identifier()] = c
	return true
}

// Remove drops c if it is still the registered connection for its identifier.
func (r *Registry) Remove(c Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.Identifier()]; ok && cur == c {
		delete(r.conns, c.Identifier())
		return true
	}
	return false
}

func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every connection and refuses further registrations.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	conns := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
