// Package sftpd implements the Agent SFTP Subsystem: a standards-correct
// SFTP server, reachable through the same single forwarded tunnel port as
// the JSON-RPC dispatcher (see internal/agent/serve), enforcing Path Policy
// on every operation. It inverts the role of the teacher's SFTP client
// (internal/terminal/sftp.go) onto the server side of the same
// github.com/pkg/sftp module, and reuses golang.org/x/crypto/ssh the same
// way the teacher's reverse-tunnel listener does for host-key handling.
package sftpd

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/reach-sh/reach/internal/pathpolicy"
)

// Server accepts raw TCP connections sniffed as SSH by the agent's demux
// and serves exactly one thing over them: an "sftp" subsystem request on a
// single "session" channel.
type Server struct {
	hostKey cryptossh.Signer
	policy  *pathpolicy.Policy
}

// New generates an ephemeral Ed25519 host key for this process's lifetime.
// Unlike the control-plane tunnel's host key (internal/tunnel), this one
// need not be persisted: the Connection Pool dials in with
// InsecureIgnoreHostKey, the same trust posture the teacher's own SFTP/SSH
// clients use (internal/terminal/ssh.go, internal/terminal/sftp.go), since
// the connection it rides on is itself already authenticated at the outer
// reverse-tunnel layer.
func New(policy *pathpolicy.Policy) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sftpd: generate host key: %w", err)
	}
	signer, err := cryptossh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("sftpd: wrap host key: %w", err)
	}
	return &Server{hostKey: signer, policy: policy}, nil
}

// Serve performs the inner SSH handshake over conn and services exactly one
// sftp subsystem channel. It blocks until the connection closes.
func (s *Server) Serve(conn net.Conn) error {
	cfg := &cryptossh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(s.hostKey)

	sconn, chans, reqs, err := cryptossh.NewServerConn(conn, cfg)
	if err != nil {
		return fmt.Errorf("sftpd: handshake: %w", err)
	}
	defer sconn.Close()
	go cryptossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(cryptossh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.serviceSession(channel, requests)
	}
	return nil
}

func (s *Server) serviceSession(channel cryptossh.Channel, requests <-chan *cryptossh.Request) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "subsystem" || string(req.Payload[4:]) != "sftp" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		if req.WantReply {
			req.Reply(true, nil)
		}

		handlers := newHandlers(s.policy)
		server := sftp.NewRequestServer(channel, handlers)
		server.Serve()
		server.Close()
		return
	}
}
