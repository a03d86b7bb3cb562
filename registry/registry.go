// Package registry keeps the mapping between live transport sessions and the
// identities they are bound to.
package registry

import "sync"

// Conn is a live transport session. Send must not block; it reports whether
// the payload was queued for delivery.
type Conn interface {
	Send(payload []byte) bool
}

// Registry maps each connection to at most one identity and each identity to
// at most one advertised connection. The last successful Bind for an identity
// wins; a connection displaced that way keeps its own binding but is no longer
// returned by Lookup.
type Registry struct {
	mu         sync.RWMutex
	identities map[Conn]string
	conns      map[string]Conn
}

func New() *Registry {
	return &Registry{
		identities: make(map[Conn]string),
		conns:      make(map[string]Conn),
	}
}

// Bind registers conn as identity, replacing any previous binding of conn and
// any previously advertised connection for identity.
func (r *Registry) Bind(conn Conn, identity string) {
	if conn == nil || identity == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.identities[conn]; ok && prev != identity {
		if r.conns[prev] == conn {
			delete(r.conns, prev)
		}
	}
	r.identities[conn] = identity
	r.conns[identity] = conn
}

// Lookup returns the advertised connection for identity. A false result means
// the identity is offline.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[identity]
	return conn, ok
}

// BoundIdentity reports the identity conn is bound to.
func (r *Registry) BoundIdentity(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.identities[conn]
	return identity, ok
}

// Remove forgets conn. It is called once, when the transport closes.
func (r *Registry) Remove(conn Conn) (identity string, wasBound bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, wasBound = r.identities[conn]
	if !wasBound {
		return "", false
	}
	delete(r.identities, conn)
	if r.conns[identity] == conn {
		delete(r.conns, identity)
	}
	return identity, true
}

// Count returns the number of bound connections and advertised identities.
func (r *Registry) Count() (conns, identities int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities), len(r.conns)
}

// Identities returns a snapshot of the advertised identities.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for identity := range r.conns {
		out = append(out, identity)
	}
	return out
}
