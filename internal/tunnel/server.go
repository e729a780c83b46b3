// Package tunnel implements the Server SSH Listener (C6): the reverse-SSH
// tunnel entry point agents dial into. It is pure infrastructure with no
// knowledge of the Client Registry's business data; all business-layer
// integration is injected via the [Registrar] interface, the same
// dependency-injection shape the teacher used for its TokenValidator and
// SessionHooks.
package tunnel

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/reach-sh/reach/internal/protocol"
)

// Registrar resolves an agent's registration handshake to a durable
// identity uuid. The implementation lives in internal/registry; this
// package never imports it directly, matching the teacher's own decoupling
// of internal/tunnel from PocketBase.
type Registrar interface {
	// Register handles one decoded "register" request, given the
	// SHA-256 fingerprint of the SSH public key the agent authenticated
	// with. It returns the uuid to hand back to the agent.
	Register(fingerprint string, payload json.RawMessage) (uuid string, err error)
}

// SessionHooks receives tunnel lifecycle events so the business layer can
// update Connection state and emit events without coupling this package to
// the registry.
type SessionHooks interface {
	OnConnect(uuid string, tunnelPort int)
	OnDisconnect(uuid string)
}

const (
	defaultRateLimit  rate.Limit = 10
	defaultMaxPending            = 50
	handshakeTimeout             = 15 * time.Second
	keepaliveInterval            = 30 * time.Second
	keepaliveTimeout             = 15 * time.Second
	registerChannelType          = "reach-register"
)

// Server is the reverse-SSH tunnel entry point. Agents authenticate with
// any self-signed key (open enrollment; the fingerprint is what matters,
// not a CA chain) and are assigned exactly one forwarded port.
type Server struct {
	// DataDir persists the server's own Ed25519 host key.
	DataDir string
	// ListenAddr is the bind address (default ":2222").
	ListenAddr string
	// Registrar resolves registration handshakes to identity uuids.
	Registrar Registrar
	// Ports allocates the single forwarded port per identity.
	Ports *PortAllocator
	// Sessions is the in-memory, ephemeral-id session registry.
	Sessions *Registry
	// Hooks receives connect/disconnect events.
	Hooks SessionHooks
	// RateLimit caps new connections/second (default 10).
	RateLimit rate.Limit
	// MaxPending caps concurrent unauthenticated handshakes (default 50).
	MaxPending int

	sshCfg  *ssh.ServerConfig
	limiter *rate.Limiter
	sem     chan struct{}
}

// ListenAndServe starts the SSH server and blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.init(); err != nil {
		return fmt.Errorf("tunnel: server init: %w", err)
	}

	addr := s.ListenAddr
	if addr == "" {
		addr = ":2222"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tunnel: listen %s: %w", addr, err)
	}
	log.Printf("[tunnel] listening on %s", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		if !s.limiter.Allow() {
			_ = conn.Close()
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}

		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// handleConn performs the SSH handshake, the registration handshake, and
// drives the tunnel session lifecycle for one agent connection.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshCfg)
	if err != nil {
		log.Printf("[tunnel] SSH handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}

	fingerprint, _ := sshConn.Permissions.Extensions["fingerprint"]
	if fingerprint == "" {
		log.Printf("[tunnel] no fingerprint captured from %s — rejecting", conn.RemoteAddr())
		_ = sshConn.Close()
		return
	}

	uuid, registerReqChan, err := s.awaitRegistration(sshConn, chans, fingerprint)
	if err != nil {
		log.Printf("[tunnel] registration failed from %s: %v", conn.RemoteAddr(), err)
		_ = sshConn.Close()
		return
	}
	log.Printf("[tunnel] registered agent %s (fingerprint %s) from %s", uuid, fingerprint, conn.RemoteAddr())

	_ = conn.SetDeadline(time.Time{})

	port, err := s.Ports.AcquireOrReuse(uuid)
	if err != nil {
		log.Printf("[tunnel] port allocation failed for %s: %v", uuid, err)
		_ = sshConn.Close()
		return
	}

	ephemeralID := fmt.Sprintf("%s-%d", uuid, time.Now().UnixNano())
	sess := &Session{
		UUID:        uuid,
		Conn:        sshConn,
		TunnelPort:  port,
		ConnectedAt: time.Now().UTC(),
	}
	s.Sessions.Register(ephemeralID, sess)
	s.Hooks.OnConnect(uuid, port)

	defer func() {
		s.Sessions.UnregisterConn(ephemeralID, sshConn)
		s.Hooks.OnDisconnect(uuid)
		s.Ports.Release(uuid)
		_ = sshConn.Close()
	}()

	// Any further agent-opened channel besides the one-shot register
	// channel (already consumed above) is rejected — this stays a
	// forward-only tunnel.
	go func() {
		for newChan := range registerReqChan {
			_ = newChan.Reject(ssh.Prohibited, "forward-only tunnel")
		}
	}()

	go s.keepalive(sshConn)

	stopListener := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runListener(sshConn, port, stopListener)
	}()

	s.handleGlobalRequests(reqs, port)

	close(stopListener)
	wg.Wait()
}

// awaitRegistration accepts the agent's one-shot "reach-register" channel,
// decodes its single framed protocol.Request, calls the Registrar, and
// replies with the minted/confirmed uuid — then returns the remaining
// channel stream for the caller to reject everything else on.
func (s *Server) awaitRegistration(sshConn *ssh.ServerConn, chans <-chan ssh.NewChannel, fingerprint string) (string, <-chan ssh.NewChannel, error) {
	for newChan := range chans {
		if newChan.ChannelType() != registerChannelType {
			_ = newChan.Reject(ssh.Prohibited, "expected reach-register first")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			return "", chans, fmt.Errorf("accept register channel: %w", err)
		}
		go ssh.DiscardRequests(requests)

		req, err := protocol.ReadRequest(channel)
		if err != nil {
			channel.Close()
			return "", chans, fmt.Errorf("read register request: %w", err)
		}
		if req.Method != "register" {
			channel.Close()
			return "", chans, fmt.Errorf("expected method=register, got %q", req.Method)
		}

		uuid, err := s.Registrar.Register(fingerprint, req.Params)
		if err != nil {
			resp := protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, err.Error())
			_ = protocol.WriteResponse(channel, resp)
			channel.Close()
			return "", chans, err
		}

		resp, _ := protocol.NewResultResponse(req.ID, map[string]string{"uuid": uuid})
		_ = protocol.WriteResponse(channel, resp)
		channel.Close()
		return uuid, chans, nil
	}
	return "", chans, fmt.Errorf("connection closed before registration")
}

func (s *Server) keepalive(conn *ssh.ServerConn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		ch := make(chan error, 1)
		go func() {
			_, _, err := conn.SendRequest("keepalive@reach", true, nil)
			ch <- err
		}()
		select {
		case err := <-ch:
			if err != nil {
				_ = conn.Close()
				return
			}
		case <-time.After(keepaliveTimeout):
			log.Printf("[tunnel] keepalive timeout for %s — closing", conn.User())
			_ = conn.Close()
			return
		}
	}
}

// handleGlobalRequests replies to the single tcpip-forward request an agent
// issues for its one assigned port.
func (s *Server) handleGlobalRequests(reqs <-chan *ssh.Request, port int) {
	for req := range reqs {
		if req.Type != "tcpip-forward" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		if req.WantReply {
			_ = req.Reply(true, portReplyPayload(port))
		}
	}
}

func (s *Server) runListener(conn *ssh.ServerConn, port int, stop <-chan struct{}) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	var ln net.Listener
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(time.Duration(25*(attempt+1)) * time.Millisecond)
	}
	if ln == nil {
		log.Printf("[tunnel] cannot bind %s after retries: %v", addr, err)
		return
	}

	go func() {
		<-stop
		_ = ln.Close()
	}()

	var proxyWg sync.WaitGroup
	defer func() {
		_ = ln.Close()
		proxyWg.Wait()
	}()

	for {
		tc, err := ln.Accept()
		if err != nil {
			return
		}
		proxyWg.Add(1)
		go func() {
			defer proxyWg.Done()
			defer tc.Close()
			s.forwardConn(conn, port, tc)
		}()
	}
}

type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

func (s *Server) forwardConn(conn *ssh.ServerConn, port int, tc net.Conn) {
	originAddr, originPortStr, _ := net.SplitHostPort(tc.RemoteAddr().String())
	var originPort uint32
	fmt.Sscanf(originPortStr, "%d", &originPort)

	payload := ssh.Marshal(forwardedTCPPayload{
		Addr:       "127.0.0.1",
		Port:       uint32(port),
		OriginAddr: originAddr,
		OriginPort: originPort,
	})

	ch, reqCh, err := conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		log.Printf("[tunnel] open forwarded-tcpip channel on port %d: %v", port, err)
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqCh)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(ch, tc) }()
	go func() { defer wg.Done(); _, _ = io.Copy(tc, ch) }()
	wg.Wait()
}

func (s *Server) init() error {
	if s.Registrar == nil {
		return fmt.Errorf("tunnel: Server.Registrar must not be nil")
	}
	if s.Hooks == nil {
		return fmt.Errorf("tunnel: Server.Hooks must not be nil")
	}
	if s.Ports == nil {
		return fmt.Errorf("tunnel: Server.Ports must not be nil")
	}
	if s.Sessions == nil {
		return fmt.Errorf("tunnel: Server.Sessions must not be nil")
	}

	rl := s.RateLimit
	if rl == 0 {
		rl = defaultRateLimit
	}
	s.limiter = rate.NewLimiter(rl, int(rl)+1)

	mp := s.MaxPending
	if mp == 0 {
		mp = defaultMaxPending
	}
	s.sem = make(chan struct{}, mp)

	hostKey, err := loadOrGenerateHostKey(s.DataDir, hostKeyFile)
	if err != nil {
		return err
	}

	cfg := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-reach-tunnel",
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			sum := sha256.Sum256(key.Marshal())
			fp := "SHA256:" + fingerprintBase64(sum[:])
			return &ssh.Permissions{
				Extensions: map[string]string{"fingerprint": fp},
			}, nil
		},
	}
	cfg.AddHostKey(hostKey)
	s.sshCfg = cfg
	return nil
}
