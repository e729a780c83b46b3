// Package pool implements the Connection Pool (C8): one lazily-constructed,
// long-lived RPC client per agent identity, multiplexing concurrent calls
// over a single length-prefixed JSON connection to the agent's tunnel_port.
// The single-connection, message-channel-driven shape is grounded on
// other_examples' go-sfab connection.go (one goroutine servicing a
// connection's message channel, with a keepalive/reaper pair watching its
// health); this package adapts that to JSON-RPC request/response framing
// over a plain TCP dial instead of a nailed-up inbound SSH session.
package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pkg/sftp"

	"github.com/reach-sh/reach/internal/protocol"
)

// defaultCallTimeout is the per-call RPC timeout spec.md §4.8 specifies.
const defaultCallTimeout = 300 * time.Second

// PortLookup resolves an identity's current tunnel_port, injected so this
// package never imports internal/registry directly.
type PortLookup interface {
	TunnelPort(identityUUID string) (int, bool)
}

// Pool is a map from identity_uuid to a lazily-constructed RPC client.
// Construction races are resolved by a double-checked lookup inside the
// lock, matching spec.md §5's locking discipline.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*client

	Registry PortLookup
}

// New returns an empty Pool backed by registry for tunnel_port lookups.
func New(registry PortLookup) *Pool {
	return &Pool{
		clients:  make(map[string]*client),
		Registry: registry,
	}
}

// client is one multiplexed length-prefixed-JSON connection to an agent's
// tunnel_port, serializing writes and demultiplexing responses by id.
type client struct {
	uuid string
	port int

	conn net.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	closeOnce sync.Once
	closed    chan struct{}
}

func dial(uuid string, port int) (*client, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("pool: dial agent %s on port %d: %w", uuid, port, err)
	}
	c := &client{
		uuid:    uuid,
		port:    port,
		conn:    conn,
		pending: make(map[string]chan *protocol.Response),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *client) readLoop() {
	defer c.Close()
	for {
		resp, err := protocol.ReadResponse(c.conn)
		if err != nil {
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Call sends req and blocks for its matched response, honoring ctx
// cancellation and the default per-call timeout if ctx carries none.
func (c *client) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("pool: Call requires a non-empty request id")
	}

	ch := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := protocol.WriteRequest(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("pool: write request to %s: %w", c.uuid, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.closed:
		return nil, fmt.Errorf("pool: connection to %s closed while awaiting response", c.uuid)
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("pool: call to %s timed out: %w", c.uuid, ctx.Err())
	}
}

func (c *client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Get returns the cached client for uuid if its tunnel_port still matches
// the Registry's current value; otherwise it closes the stale client and
// dials a fresh one.
func (p *Pool) Get(uuid string) (*client, error) {
	port, ok := p.Registry.TunnelPort(uuid)
	if !ok {
		return nil, fmt.Errorf("pool: %s is offline", uuid)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.clients[uuid]; ok {
		if existing.port == port {
			return existing, nil
		}
		existing.Close()
		delete(p.clients, uuid)
	}

	c, err := dial(uuid, port)
	if err != nil {
		return nil, err
	}
	p.clients[uuid] = c
	return c, nil
}

// Call dials (or reuses) the connection for uuid and performs one RPC.
func (p *Pool) Call(ctx context.Context, uuid string, req *protocol.Request) (*protocol.Response, error) {
	c, err := p.Get(uuid)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, req)
}

// ClearStale unconditionally evicts and closes any client currently keyed
// by clientID — called by the Registry at reconnect time, before the new
// Connection becomes visible, per spec.md §4.7's swap-then-publish
// ordering. Pool keys by identity uuid, not client_id, so this walks the
// map for a matching entry; in practice the Registry always pairs this
// with the uuid whose Connection is being replaced.
func (p *Pool) ClearStale(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for uuid, c := range p.clients {
		if c.uuid == clientID || uuid == clientID {
			c.Close()
			delete(p.clients, uuid)
		}
	}
}

// Sftp opens a short-lived nested-SSH connection to the same tunnel_port
// and wraps it with an SFTP client. The tunnel is localhost-only, so a
// fixed username and InsecureIgnoreHostKey are acceptable here — the same
// trust posture and API call the teacher's own SSH client uses.
func (p *Pool) Sftp(uuid string) (*sftp.Client, error) {
	port, ok := p.Registry.TunnelPort(uuid)
	if !ok {
		return nil, fmt.Errorf("pool: %s is offline", uuid)
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("pool: dial sftp for %s: %w", uuid, err)
	}

	cfg := &ssh.ClientConfig{
		User:            "reach",
		Auth:            []ssh.AuthMethod{ssh.Password("")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, fmt.Sprintf("127.0.0.1:%d", port), cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pool: sftp ssh handshake for %s: %w", uuid, err)
	}
	sc := ssh.NewClient(sshConn, chans, reqs)

	session, err := sc.NewSession()
	if err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("pool: sftp session for %s: %w", uuid, err)
	}
	if err := session.RequestSubsystem("sftp"); err != nil {
		_ = session.Close()
		_ = sc.Close()
		return nil, fmt.Errorf("pool: sftp subsystem for %s: %w", uuid, err)
	}
	pipeIn, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = sc.Close()
		return nil, err
	}
	pipeOut, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = sc.Close()
		return nil, err
	}

	return sftp.NewClientPipe(pipeOut, pipeIn)
}
