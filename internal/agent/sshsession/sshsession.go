// Package sshsession implements the agent-owned Interactive SSH Session
// Manager: a map of session_id to a live outbound SSH connection plus its
// interactive shell channel, adapted from the dial/PTY/pipe idiom used by
// the teacher's remote-terminal connector.
package sshsession

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"
)

const dialTimeout = 10 * time.Second
const keepaliveInterval = 30 * time.Second
const quietPeriod = 2 * time.Second

// OpenParams mirrors the ssh_session_open RPC's params shape.
type OpenParams struct {
	Host     string
	Username string
	Password string
	KeyFile  string
	Port     int
}

// OpenResult mirrors the ssh_session_open RPC's result shape.
type OpenResult struct {
	SessionID     string `json:"session_id"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	InitialOutput string `json:"initial_output"`
}

// ListEntry is one row of the ssh_session_list RPC's result.
type ListEntry struct {
	SessionID string `json:"session_id"`
	Host      string `json:"host"`
	Username  string `json:"username"`
	Port      int    `json:"port"`
}

var errAuthFailure = errors.New("auth failure")
var errUnknownSession = errors.New("unknown session_id")

// IsAuthError reports whether err originated from SSH authentication
// failure, which the dispatcher maps to InvalidParams rather than
// CommandFailed.
func IsAuthError(err error) bool { return errors.Is(err, errAuthFailure) }

// IsUnknownSession reports whether err is an unrecognized session_id.
func IsUnknownSession(err error) bool { return errors.Is(err, errUnknownSession) }

type session struct {
	id       string
	host     string
	port     int
	username string
	client   *cryptossh.Client
	sess     *cryptossh.Session
	stdin    io.WriteCloser
	mu       sync.Mutex // guards stdin writes
	chunks   chan []byte
}

// Manager owns every interactive SSH session opened by this agent.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager constructs an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*session)}
}

// Open dials an SSH server, requests an interactive PTY, and registers the
// resulting session under a fresh random 8-hex id.
func (m *Manager) Open(ctx context.Context, p OpenParams) (*OpenResult, error) {
	auth, err := authMethod(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errAuthFailure, err)
	}

	cfg := &cryptossh.ClientConfig{
		User:            p.Username,
		Auth:            []cryptossh.AuthMethod{auth},
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(), //nolint:gosec // operator-directed ad hoc SSH targets
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(p.Host, fmt.Sprintf("%d", p.Port))
	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		cl, err := cryptossh.Dial("tcp", addr, cfg)
		ch <- dialResult{cl, err}
	}()

	var client *cryptossh.Client
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			if isAuthFailure(r.err) {
				return nil, fmt.Errorf("%w: %v", errAuthFailure, r.err)
			}
			return nil, fmt.Errorf("dial %s: %w", addr, r.err)
		}
		client = r.client
	}

	go keepalive(client)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("new session: %w", err)
	}
	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", 50, 200, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	id, err := newSessionID()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, err
	}

	s := &session{
		id:       id,
		host:     p.Host,
		port:     p.Port,
		username: p.Username,
		client:   client,
		sess:     sess,
		stdin:    stdin,
		chunks:   make(chan []byte, 256),
	}
	go s.readLoop(stdout)

	// Drain the initial banner/prompt output: a brief sleep followed by
	// non-blocking reads, matching the login-prompt settling behavior of
	// an interactively-attached terminal.
	time.Sleep(300 * time.Millisecond)
	initial := s.drain(quietPeriod)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return &OpenResult{
		SessionID:     id,
		Host:          p.Host,
		Port:          p.Port,
		Username:      p.Username,
		InitialOutput: strings.TrimSpace(initial),
	}, nil
}

// Command implements the prompt-based quiet-period command framing
// described in SPEC_FULL.md/spec.md §4.3: this is an approximation, not a
// true request/response protocol, since an interactive shell gives no
// reliable command-boundary signal.
func (m *Manager) Command(sessionID, command string, timeoutSeconds int) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", errUnknownSession, sessionID)
	}

	s.drain(10 * time.Millisecond) // step 1: drain any queued output

	s.mu.Lock()
	_, err := s.stdin.Write([]byte(command + "\n"))
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}

	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	output := s.pollUntilQuiet(deadline)

	lines := strings.SplitN(output, "\n", 2)
	if len(lines) == 2 && strings.Contains(lines[0], command) {
		output = lines[1]
	}
	return strings.TrimSpace(output), nil
}

// Close terminates and forgets a session, returning its host for the
// ssh_session_close response. Closing an unknown id is an error; closing
// a session that was already closed (and is therefore no longer known) is
// also reported as unknown, matching spec.md's "idempotent only if the id
// is still known" rule.
func (m *Manager) Close(sessionID string) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", errUnknownSession, sessionID)
	}
	_ = s.sess.Close()
	_ = s.client.Close()
	return s.host, nil
}

// List returns a snapshot of every currently open session.
func (m *Manager) List() []ListEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ListEntry, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, ListEntry{SessionID: s.id, Host: s.host, Username: s.username, Port: s.port})
	}
	return out
}

// CloseAll is called on agent shutdown; it never aborts on individual
// close failures, only logs them to the caller via the returned errs slice.
func (m *Manager) CloseAll() []error {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.sess.Close(); err != nil {
			errs = append(errs, err)
		}
		_ = s.client.Close()
	}
	return errs
}

// readLoop continuously pumps stdout into s.chunks until the channel
// carries an error sentinel (closure of the underlying reader). It runs for
// the lifetime of the session in its own goroutine.
func (s *session) readLoop(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.chunks <- chunk
		}
		if err != nil {
			close(s.chunks)
			return
		}
	}
}

// drain collects whatever output is currently available within the given
// window and returns it, without any command/echo heuristics applied.
func (s *session) drain(quiet time.Duration) string {
	return s.pollUntilQuiet(time.Now().Add(quiet))
}

// pollUntilQuiet consumes buffered chunks until either deadline passes or
// no new bytes arrive for quietPeriod (the "prompt-return" heuristic).
func (s *session) pollUntilQuiet(deadline time.Time) string {
	var out strings.Builder
	quietTimer := time.NewTimer(quietPeriod)
	defer quietTimer.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out.String()
		}
		wait := remaining
		if quietPeriod < wait {
			wait = quietPeriod
		}
		if !quietTimer.Stop() {
			select {
			case <-quietTimer.C:
			default:
			}
		}
		quietTimer.Reset(wait)

		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				return out.String()
			}
			out.Write(chunk)
		case <-quietTimer.C:
			return out.String()
		}
	}
}

func keepalive(client *cryptossh.Client) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		if _, _, err := client.SendRequest("keepalive@reach", true, nil); err != nil {
			return
		}
	}
}

func authMethod(p OpenParams) (cryptossh.AuthMethod, error) {
	if p.KeyFile != "" {
		data, err := os.ReadFile(p.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key_file: %w", err)
		}
		signer, err := cryptossh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return cryptossh.PublicKeys(signer), nil
	}
	if p.Password != "" {
		return cryptossh.Password(p.Password), nil
	}
	return nil, errors.New("either password or key_file is required")
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func newSessionID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
