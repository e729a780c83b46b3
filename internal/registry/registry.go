// Package registry implements the Client Registry (C7): the durable
// business-layer view of agent identities and their current connections,
// sitting above internal/tunnel's raw ephemeral session map. The teacher has
// no direct analog for this layer (PocketBase collections played that role
// there); this package is new, but its locking discipline — one mutex
// guarding the map, readers taking a snapshot rather than holding the lock
// across I/O — follows the same shape as internal/tunnel.Registry.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Identity is the durable record that survives reconnects and host changes.
type Identity struct {
	UUID                 string    `json:"uuid"`
	DisplayName          string    `json:"display_name"`
	Purpose              string    `json:"purpose,omitempty"`
	Tags                 []string  `json:"tags,omitempty"`
	Capabilities         []string  `json:"capabilities,omitempty"`
	PublicKeyFingerprint string    `json:"public_key_fingerprint"`
	FirstSeen            time.Time `json:"first_seen"`
	CreatedBy            string    `json:"created_by"` // "auto" | "manual"
	KeyMismatch          bool      `json:"key_mismatch"`
	PreviousFingerprint  string    `json:"previous_fingerprint,omitempty"`
}

// Connection is the current-session runtime state for an Identity.
type Connection struct {
	ClientID      string    `json:"client_id"`
	Hostname      string    `json:"hostname"`
	Platform      string    `json:"platform"`
	Username      string    `json:"username"`
	TunnelPort    int       `json:"tunnel_port"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	IdentityUUID  string    `json:"identity_uuid"`
}

// Client merges an Identity with its current Connection (if any) and
// derived online status, the shape describe_client/list_clients return.
type Client struct {
	Identity
	Connection *Connection `json:"connection,omitempty"`
	Online     bool        `json:"online"`
}

// registerPayload is the wire shape of the §4.6 registration handshake:
// {identity, client_info}.
type registerPayload struct {
	Identity struct {
		UUID        string   `json:"uuid"`
		DisplayName string   `json:"display_name"`
		Purpose     string   `json:"purpose"`
		Tags        []string `json:"tags"`
		Capabilities []string `json:"capabilities"`
	} `json:"identity"`
	ClientInfo struct {
		Hostname string `json:"hostname"`
		Platform string `json:"platform"`
		Username string `json:"username"`
	} `json:"client_info"`
}

// ConnectionEvictor is the subset of Connection Pool behaviour the Registry
// needs at swap time, injected so this package never imports internal/pool
// directly (mirrors the teacher's own decoupling via small interfaces).
type ConnectionEvictor interface {
	ClearStale(clientID string)
}

// HealthResetter is the subset of Health Monitor behaviour the Registry
// needs at swap time.
type HealthResetter interface {
	Reset(uuid string)
}

// EventSink receives lifecycle events for the dashboard's ring buffer.
type EventSink interface {
	Publish(eventType, clientUUID, clientName, summary string, data any)
}

// Registry is the in-memory store of record for Identity and Connection
// data. It is the sole writer of both; Pool and Health read tunnel_port and
// online status through it but never mutate it.
type Registry struct {
	mu          sync.RWMutex
	identities  map[string]*Identity   // uuid -> identity
	connections map[string]*Connection // uuid -> current connection, absent when offline
	clientInfo  map[string]clientInfo  // uuid -> most recent client_info from Register

	Pool   ConnectionEvictor
	Health HealthResetter
	Events EventSink
}

// clientInfo is the subset of the registration payload Register learns
// before the tunnel_port is known; OnConnect picks it back up to fill in
// Connection.
type clientInfo struct {
	Hostname string
	Platform string
	Username string
}

// New returns an empty Registry. Pool/Health/Events may be nil for tests
// that don't exercise the swap path or event emission.
func New(pool ConnectionEvictor, health HealthResetter, events EventSink) *Registry {
	return &Registry{
		identities:  make(map[string]*Identity),
		connections: make(map[string]*Connection),
		clientInfo:  make(map[string]clientInfo),
		Pool:        pool,
		Health:      health,
		Events:      events,
	}
}

// Register implements tunnel.Registrar: it is called by the SSH Listener
// once per successful handshake with the fingerprint it captured and the
// raw {identity, client_info} JSON payload the agent sent over the
// reach-register channel. It returns the durable uuid to hand back to the
// agent, minting one on first contact.
//
// The tunnel_port is not known yet at this point — the listener calls
// Register before it finishes allocating the port — so Register only
// resolves the identity and records the fingerprint; the caller must
// follow up with Connect once the port is assigned. This is the one
// deliberate split from spec.md §4.7's single register(payload) step,
// necessitated by internal/tunnel's handshake ordering (register channel
// arrives before tcpip-forward is processed); see DESIGN.md.
func (r *Registry) Register(fingerprint string, rawPayload json.RawMessage) (string, error) {
	var payload registerPayload
	if len(rawPayload) > 0 {
		if err := json.Unmarshal(rawPayload, &payload); err != nil {
			return "", fmt.Errorf("registry: decode register payload: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := payload.Identity.UUID
	if id == "" {
		id = uuid.NewString()
	}

	ident, exists := r.identities[id]
	if !exists {
		ident = &Identity{
			UUID:                 id,
			DisplayName:          payload.Identity.DisplayName,
			Purpose:              payload.Identity.Purpose,
			Tags:                 payload.Identity.Tags,
			Capabilities:         payload.Identity.Capabilities,
			PublicKeyFingerprint: fingerprint,
			FirstSeen:            time.Now().UTC(),
			CreatedBy:            "auto",
		}
		r.identities[id] = ident
	} else {
		if payload.Identity.DisplayName != "" {
			ident.DisplayName = payload.Identity.DisplayName
		}
		if fingerprint != "" && fingerprint != ident.PublicKeyFingerprint {
			// Sticky: a later reconnect that happens to match again does
			// not clear a flag set by an earlier mismatch.
			if !ident.KeyMismatch {
				ident.PreviousFingerprint = fingerprint
				ident.KeyMismatch = true
			}
		}
	}

	r.clientInfo[id] = clientInfo{
		Hostname: payload.ClientInfo.Hostname,
		Platform: payload.ClientInfo.Platform,
		Username: payload.ClientInfo.Username,
	}

	return id, nil
}

// OnConnect implements tunnel.SessionHooks. The SSH Listener calls this
// once the forwarded port is allocated, after Register already resolved
// the identity — so this is where the swap-then-publish Connection
// install actually happens, using the client_info Register stashed.
// ClientID is set to the identity uuid: the Connection Pool keys entries
// by identity uuid, not a separate ephemeral id, so this is the value
// ClearStale needs to evict the right one.
func (r *Registry) OnConnect(identityUUID string, tunnelPort int) {
	r.mu.RLock()
	info := r.clientInfo[identityUUID]
	r.mu.RUnlock()

	r.Connect(identityUUID, Connection{
		ClientID:   identityUUID,
		Hostname:   info.Hostname,
		Platform:   info.Platform,
		Username:   info.Username,
		TunnelPort: tunnelPort,
	})
}

// OnDisconnect implements tunnel.SessionHooks.
func (r *Registry) OnDisconnect(identityUUID string) {
	r.Disconnect(identityUUID)
}

// Connect installs the new Connection for uuid, evicting the Pool's and
// Health Monitor's state for the prior client_id/uuid first — the
// swap-then-publish ordering spec.md §4.7/§9 requires. Exported so tests
// can install a Connection directly; production code reaches it through
// OnConnect.
func (r *Registry) Connect(identityUUID string, conn Connection) {
	r.mu.Lock()
	var staleClientID string
	if prior, ok := r.connections[identityUUID]; ok {
		staleClientID = prior.ClientID
	}
	r.mu.Unlock()

	if staleClientID != "" && r.Pool != nil {
		r.Pool.ClearStale(staleClientID)
	}
	if r.Health != nil {
		r.Health.Reset(identityUUID)
	}

	r.mu.Lock()
	conn.IdentityUUID = identityUUID
	conn.ConnectedAt = time.Now().UTC()
	conn.LastHeartbeat = conn.ConnectedAt
	r.connections[identityUUID] = &conn
	name := identityUUID
	if ident, ok := r.identities[identityUUID]; ok {
		name = ident.DisplayName
	}
	r.mu.Unlock()

	if r.Events != nil {
		r.Events.Publish("client.connected", identityUUID, name, "agent connected", map[string]any{
			"tunnel_port": conn.TunnelPort,
		})
	}
}

// Disconnect marks identityUUID offline (removes its live Connection) and
// emits client.disconnected. Called either by the SSH Listener's
// OnDisconnect hook or by the Health Monitor after the failure threshold.
func (r *Registry) Disconnect(identityUUID string) {
	r.mu.Lock()
	_, had := r.connections[identityUUID]
	delete(r.connections, identityUUID)
	name := identityUUID
	if ident, ok := r.identities[identityUUID]; ok {
		name = ident.DisplayName
	}
	r.mu.Unlock()

	if had && r.Events != nil {
		r.Events.Publish("client.disconnected", identityUUID, name, "agent disconnected", nil)
	}
}

// TouchHeartbeat records the latest successful heartbeat time for uuid.
func (r *Registry) TouchHeartbeat(identityUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.connections[identityUUID]; ok {
		c.LastHeartbeat = time.Now().UTC()
	}
}

// DescribeClient returns the merged identity+connection+online view for
// uuid, or ok=false if the uuid has never registered.
func (r *Registry) DescribeClient(identityUUID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident, ok := r.identities[identityUUID]
	if !ok {
		return Client{}, false
	}
	c := Client{Identity: *ident}
	if conn, ok := r.connections[identityUUID]; ok {
		connCopy := *conn
		c.Connection = &connCopy
		c.Online = true
	}
	return c, true
}

// ListClients returns every known identity merged with its current
// connection/online status.
func (r *Registry) ListClients() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.identities))
	for id, ident := range r.identities {
		c := Client{Identity: *ident}
		if conn, ok := r.connections[id]; ok {
			connCopy := *conn
			c.Connection = &connCopy
			c.Online = true
		}
		out = append(out, c)
	}
	return out
}

// OnlineUUIDs returns the identity uuids currently holding a live
// Connection — the set the Health Monitor's probe loop iterates each
// round (passed to health.Monitor.Run as its knownUUIDs callback).
func (r *Registry) OnlineUUIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connections))
	for id := range r.connections {
		out = append(out, id)
	}
	return out
}

// OnlineCount returns the number of identities with a live Connection.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// TotalCount returns the number of known identities.
func (r *Registry) TotalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// TunnelPort returns the current tunnel_port for uuid, or ok=false if
// offline/unknown — the single source of truth the Connection Pool
// consults before dialing.
func (r *Registry) TunnelPort(identityUUID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[identityUUID]
	if !ok {
		return 0, false
	}
	return conn.TunnelPort, true
}

// AckKeyMismatch clears a sticky key_mismatch flag for uuid once an
// operator has reviewed and accepted the new fingerprint as legitimate —
// the supplemented ack-key-mismatch operation.
func (r *Registry) AckKeyMismatch(identityUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[identityUUID]
	if !ok {
		return fmt.Errorf("registry: unknown client %q", identityUUID)
	}
	if !ident.KeyMismatch {
		return nil
	}
	ident.PublicKeyFingerprint = ident.PreviousFingerprint
	ident.PreviousFingerprint = ""
	ident.KeyMismatch = false
	return nil
}
