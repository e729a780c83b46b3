// Package serve demuxes each tunnel-forwarded logical connection the agent
// receives and routes it to either the JSON-RPC dispatcher or the embedded
// SFTP subsystem, so that a single forwarded port can carry both protocols
// (SPEC_FULL.md §4.4's "wire realization of the SFTP subsystem" decision).
package serve

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/reach-sh/reach/internal/agent/dispatch"
	"github.com/reach-sh/reach/internal/agent/sftpd"
	"github.com/reach-sh/reach/internal/protocol"
)

// sshBannerPrefix is the first four bytes of every SSH transport's
// identification string (RFC 4253 §4.2), used to distinguish a nested SFTP
// handshake from a plain length-prefixed JSON-RPC connection.
var sshBannerPrefix = []byte("SSH-")

// Conn is the minimal surface this package needs from an accepted tunnel
// channel: both ssh.Channel and net.Conn already satisfy it.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Server demuxes and services one tunnel-forwarded logical connection at a
// time; call Handle once per accepted channel, each in its own goroutine.
type Server struct {
	dispatcher *dispatch.Dispatcher
	sftp       *sftpd.Server
}

// New builds a demuxing Server backed by the given dispatcher and SFTP
// subsystem.
func New(dispatcher *dispatch.Dispatcher, sftpServer *sftpd.Server) *Server {
	return &Server{dispatcher: dispatcher, sftp: sftpServer}
}

// Handle sniffs conn's first bytes and routes accordingly. It blocks until
// the connection is fully serviced.
func (s *Server) Handle(ctx context.Context, conn Conn) error {
	br := bufio.NewReaderSize(conn, 4096)
	peeked, err := br.Peek(len(sshBannerPrefix))
	if err != nil {
		// Fewer than 4 bytes ever arrived; nothing useful to demux.
		return nil
	}

	if string(peeked) == string(sshBannerPrefix) {
		return s.sftp.Serve(&bufferedConn{Conn: conn, r: br})
	}
	return s.serveRPC(ctx, br, conn)
}

// serveRPC reads length-prefixed protocol.Request frames in a loop,
// dispatching each on its own goroutine so a slow call never blocks sibling
// requests already queued behind it on the same logical connection. A single
// writer goroutine drains a FIFO queue of per-request slots and blocks on
// each in turn until its dispatch completes, so responses reach the wire in
// receipt order even though the goroutines that produce them may finish out
// of order.
func (s *Server) serveRPC(ctx context.Context, r *bufio.Reader, w Conn) error {
	slots := make(chan chan *protocol.Response, 64)
	var wg sync.WaitGroup

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for slot := range slots {
			if resp := <-slot; resp != nil {
				_ = protocol.WriteResponse(w, resp)
			}
		}
	}()

	readErr := func() error {
		for {
			req, err := protocol.ReadRequest(r)
			if err != nil {
				return err
			}
			slot := make(chan *protocol.Response, 1)
			slots <- slot
			wg.Add(1)
			go func(req *protocol.Request, slot chan *protocol.Response) {
				defer wg.Done()
				slot <- s.dispatcher.Handle(ctx, req)
			}(req, slot)
		}
	}()

	wg.Wait()
	close(slots)
	<-writerDone
	return readErr
}

// bufferedConn lets the bufio.Reader's already-peeked bytes flow into the
// nested SSH handshake rather than being dropped, while satisfying net.Conn
// for golang.org/x/crypto/ssh.NewServerConn (which wants a net.Conn, not
// merely an io.ReadWriteCloser). Address/deadline methods are no-ops: the
// outer reverse tunnel already owns the real socket's lifecycle.
type bufferedConn struct {
	Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *bufferedConn) LocalAddr() net.Addr                { return noAddr{} }
func (c *bufferedConn) RemoteAddr() net.Addr               { return noAddr{} }
func (c *bufferedConn) SetDeadline(t time.Time) error      { return nil }
func (c *bufferedConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *bufferedConn) SetWriteDeadline(t time.Time) error { return nil }

type noAddr struct{}

func (noAddr) Network() string { return "tunnel" }
func (noAddr) String() string  { return "tunnel" }

var _ net.Conn = (*bufferedConn)(nil)
