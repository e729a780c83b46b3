package serve

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/reach-sh/reach/internal/agent/dispatch"
	"github.com/reach-sh/reach/internal/agent/sftpd"
	"github.com/reach-sh/reach/internal/agent/sshsession"
	"github.com/reach-sh/reach/internal/pathpolicy"
	"github.com/reach-sh/reach/internal/protocol"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	policy, err := pathpolicy.New(nil)
	if err != nil {
		t.Fatalf("pathpolicy.New: %v", err)
	}
	sftpServer, err := sftpd.New(policy)
	if err != nil {
		t.Fatalf("sftpd.New: %v", err)
	}
	d := dispatch.New(policy, sshsession.NewManager())
	return New(d, sftpServer)
}

// TestServeRPC_PreservesReceiptOrder sends a slow run_command immediately
// followed by a fast heartbeat on the same logical connection, and asserts
// the slow request's response is written first even though the heartbeat's
// handler finishes sooner — the FIFO-per-connection guarantee spec.md §5
// requires.
func TestServeRPC_PreservesReceiptOrder(t *testing.T) {
	client, agent := net.Pipe()
	defer client.Close()
	defer agent.Close()

	s := newTestServer(t)
	done := make(chan error, 1)
	go func() { done <- s.Handle(context.Background(), agent) }()

	slowParams, _ := json.Marshal(map[string]any{"cmd": "sleep 0.3"})
	slowReq := &protocol.Request{ID: "slow", Method: "run_command", Params: slowParams}
	fastReq := &protocol.Request{ID: "fast", Method: "heartbeat"}

	writeErr := make(chan error, 1)
	go func() {
		if err := protocol.WriteRequest(client, slowReq); err != nil {
			writeErr <- err
			return
		}
		writeErr <- protocol.WriteRequest(client, fastReq)
	}()
	if err := <-writeErr; err != nil {
		t.Fatalf("write requests: %v", err)
	}

	start := time.Now()
	first, err := protocol.ReadResponse(client)
	if err != nil {
		t.Fatalf("read first response: %v", err)
	}
	elapsed := time.Since(start)

	if first.ID != "slow" {
		t.Fatalf("first response id = %q, want %q (receipt order violated)", first.ID, "slow")
	}
	if elapsed < 250*time.Millisecond {
		t.Fatalf("first response arrived after %s, want it to wait for the slow command (~300ms)", elapsed)
	}

	second, err := protocol.ReadResponse(client)
	if err != nil {
		t.Fatalf("read second response: %v", err)
	}
	if second.ID != "fast" {
		t.Fatalf("second response id = %q, want %q", second.ID, "fast")
	}

	client.Close()
	<-done
}
