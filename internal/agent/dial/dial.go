// Package dial implements the agent side of the reverse-SSH tunnel: it
// dials out to the reach-server's SSH Listener, authenticates with a
// persisted Ed25519 keypair, performs the one-shot registration handshake
// over the "reach-register" channel, then requests "tcpip-forward" and
// services every "forwarded-tcpip" channel the server opens back by
// handing it to a serve.Server. The dial/reconnect loop and key handling
// mirror the teacher's own SSH client idiom (internal/terminal/ssh.go),
// adapted from a one-shot interactive session to a long-lived outbound
// tunnel with its own keepalive and backoff.
package dial

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/reach-sh/reach/internal/agent/serve"
	"github.com/reach-sh/reach/internal/crypto"
	"github.com/reach-sh/reach/internal/protocol"
)

const (
	dialTimeout       = 10 * time.Second
	registerTimeout   = 15 * time.Second
	reconnectMinDelay = 1 * time.Second
	reconnectMaxDelay = 30 * time.Second
)

// Identity is the agent-side half of the registration payload: everything
// the operator configures about how this agent should present itself.
type Identity struct {
	UUID         string   `json:"uuid,omitempty"` // empty on first run; filled in after the server mints one
	DisplayName  string   `json:"display_name"`
	Purpose      string   `json:"purpose,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Client owns the outbound connection lifecycle: load/generate a keypair,
// dial, register, forward.
type Client struct {
	ServerAddr string
	DataDir    string
	Identity   Identity
	Server     *serve.Server

	signer ssh.Signer
}

// Run dials, registers, and services forwarded channels until ctx is
// cancelled, reconnecting with exponential backoff on any failure. It
// returns early only if the agent key cannot be loaded or created;
// otherwise it returns when ctx is done.
func (c *Client) Run(ctx context.Context) error {
	signer, err := loadOrCreateHostKey(c.DataDir)
	if err != nil {
		return fmt.Errorf("dial: load agent key: %w", err)
	}
	c.signer = signer

	delay := reconnectMinDelay
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "[dial] connection to %s lost: %v (retrying in %s)\n", c.ServerAddr, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// connectOnce performs one full dial/register/serve cycle, returning when
// the connection drops or ctx is cancelled.
func (c *Client) connectOnce(ctx context.Context) error {
	cfg := &ssh.ClientConfig{
		User:            "reach-agent",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // open enrollment: the agent's key, not the server's, carries identity
		Timeout:         dialTimeout,
	}

	conn, err := net.DialTimeout("tcp", c.ServerAddr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.ServerAddr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.ServerAddr, cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	uuid, err := c.register(client)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	c.Identity.UUID = uuid

	ok, _, err := client.SendRequest("tcpip-forward", true, nil)
	if err != nil {
		return fmt.Errorf("tcpip-forward request: %w", err)
	}
	if !ok {
		return fmt.Errorf("tcpip-forward request rejected by server")
	}

	newChans := client.HandleChannelOpen("forwarded-tcpip")
	if newChans == nil {
		return fmt.Errorf("forwarded-tcpip channel already claimed")
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		client.Close()
	}()

	for newChan := range newChans {
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(requests)
		go func() {
			_ = c.Server.Handle(connCtx, channel)
			channel.Close()
		}()
	}
	return fmt.Errorf("tunnel connection closed")
}

// register opens the one-shot "reach-register" channel, sends the
// identity/client_info payload, and returns the durable uuid the server
// assigns (or confirms).
func (c *Client) register(client *ssh.Client) (string, error) {
	channel, requests, err := client.OpenChannel("reach-register", nil)
	if err != nil {
		return "", fmt.Errorf("open reach-register channel: %w", err)
	}
	defer channel.Close()
	go ssh.DiscardRequests(requests)

	hostname, _ := os.Hostname()
	params, err := json.Marshal(map[string]any{
		"identity": c.Identity,
		"client_info": map[string]string{
			"hostname": hostname,
			"platform": platformName(),
			"username": currentUsername(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal register payload: %w", err)
	}

	req := &protocol.Request{ID: "register-1", Method: "register", Params: params}
	if err := protocol.WriteRequest(channel, req); err != nil {
		return "", fmt.Errorf("write register request: %w", err)
	}

	type result struct {
		resp *protocol.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := protocol.ReadResponse(channel)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("read register response: %w", r.err)
		}
		if r.resp.Error != nil {
			return "", fmt.Errorf("register rejected: %s", r.resp.Error.Message)
		}
		var body struct {
			UUID string `json:"uuid"`
		}
		if err := json.Unmarshal(r.resp.Result, &body); err != nil {
			return "", fmt.Errorf("decode register result: %w", err)
		}
		return body.UUID, nil
	case <-time.After(registerTimeout):
		return "", fmt.Errorf("register: timed out waiting for response")
	}
}

func platformName() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

// loadOrCreateHostKey persists an Ed25519 keypair under dataDir so the
// agent's identity (and hence public_key_fingerprint) survives restarts.
// The PEM is stored AES-256-GCM-encrypted at rest (internal/crypto) rather
// than as plaintext, the way the teacher encrypts stored secret values.
func loadOrCreateHostKey(dataDir string) (ssh.Signer, error) {
	path := filepath.Join(dataDir, "agent_ed25519.enc")

	if encHex, err := os.ReadFile(path); err == nil {
		raw, err := crypto.Decrypt(string(encHex))
		if err != nil {
			return nil, fmt.Errorf("dial: decrypt %s: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("dial: parse %s: %w", path, err)
		}
		return signer, nil
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("dial: create data dir: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("dial: generate key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("dial: marshal key: %w", err)
	}
	encHex, err := crypto.Encrypt(pem.EncodeToMemory(pemBlock))
	if err != nil {
		return nil, fmt.Errorf("dial: encrypt key: %w", err)
	}
	if err := os.WriteFile(path, []byte(encHex), 0o600); err != nil {
		return nil, fmt.Errorf("dial: persist key: %w", err)
	}

	return ssh.NewSignerFromKey(priv)
}
