package tunnel

import (
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Session represents one active reverse-SSH tunnel connection from one agent.
type Session struct {
	// UUID is the agent's durable identity (see internal/registry).
	UUID string
	// Conn is the live SSH server-side connection.
	Conn *ssh.ServerConn
	// TunnelPort is the single forwarded port assigned to this agent.
	TunnelPort int
	// ConnectedAt is the UTC time the session was authenticated and registered.
	ConnectedAt time.Time
}

// Registry is a thread-safe, in-memory store of active tunnel sessions,
// keyed by an ephemeral per-connection id (not the durable uuid — the
// business-layer identity registry, internal/registry, owns the uuid-keyed
// view and enforces the one-live-Connection invariant; this lower registry
// only needs to avoid a closing old connection deleting a newer one).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an initialised, empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds the session under its ephemeral id.
func (r *Registry) Register(ephemeralID string, sess *Session) {
	r.mu.Lock()
	r.sessions[ephemeralID] = sess
	r.mu.Unlock()
}

// UnregisterConn removes the session entry only if the stored session's
// Conn matches the provided connection, preventing a closing old connection
// from deleting a newer replacement.
func (r *Registry) UnregisterConn(ephemeralID string, conn *ssh.ServerConn) {
	r.mu.Lock()
	if s, ok := r.sessions[ephemeralID]; ok && s.Conn == conn {
		delete(r.sessions, ephemeralID)
		log.Printf("[tunnel] unregistered session %s for agent %s", ephemeralID, s.UUID)
	}
	r.mu.Unlock()
}

// Get returns the Session for ephemeralID, or (nil, false) when not found.
func (r *Registry) Get(ephemeralID string) (*Session, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[ephemeralID]
	r.mu.RUnlock()
	return sess, ok
}

// ByUUID returns the most recently registered session for a given agent
// uuid, if any is currently connected.
func (r *Registry) ByUUID(uuid string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Session
	for _, s := range r.sessions {
		if s.UUID == uuid {
			if found == nil || s.ConnectedAt.After(found.ConnectedAt) {
				found = s
			}
		}
	}
	return found, found != nil
}

// All returns a snapshot of all currently registered sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}
