package presence

import "sync"

// Registry tracks which players are online. A player may hold several
// connections at once and stays online until the last one is released.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]int)}
}

// Connect records a connection for playerID. It returns the number of online
// players and whether playerID just came online.
func (r *Registry) Connect(playerID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[playerID]++
	return len(r.conns), r.conns[playerID] == 1
}

// Disconnect releases one connection of playerID. It returns the number of
// online players and whether playerID just went offline.
func (r *Registry) Disconnect(playerID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.conns[playerID]
	if !ok {
		return len(r.conns), false
	}
	if n <= 1 {
		delete(r.conns, playerID)
		return len(r.conns), true
	}
	r.conns[playerID] = n - 1
	return len(r.conns), false
}

// Count returns the number of distinct online players
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IsOnline reports whether playerID holds at least one connection
func (r *Registry) IsOnline(playerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[playerID]
	return ok
}
