package ws

import "sync"

// Registry 记录每个用户当前的活动连接，同一用户同时只保留一条会话。
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Conn
}

func NewRegistry() *Registry { return &Registry{byUser: make(map[string]Conn)} }

// Register makes c the live session of its user. prev is the superseded connection, if any;
// first reports whether the user had no session before.
func (r *Registry) Register(c Conn) (prev Conn, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.byUser[c.UserID()]
	r.byUser[c.UserID()] = c
	if prev != nil && prev.ID() == c.ID() {
		prev = nil
	}
	return prev, prev == nil
}

// Unregister removes c only while it is still the user's live session.
func (r *Registry) Unregister(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byUser[c.UserID()]
	if !ok || cur.ID() != c.ID() {
		return false
	}
	delete(r.byUser, c.UserID())
	return true
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	return c, ok
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Each calls fn on a snapshot of the live connections, outside the registry lock.
func (r *Registry) Each(fn func(Conn)) {
	for _, c := range r.Conns() {
		fn(c)
	}
}

// Conns 返回当前所有活动连接的快照。
func (r *Registry) Conns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.byUser))
	for _, c := range r.byUser {
		out = append(out, c)
	}
	return out
}
