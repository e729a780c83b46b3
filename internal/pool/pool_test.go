package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/reach-sh/reach/internal/protocol"
)

type stubRegistry struct {
	ports map[string]int
}

func (s *stubRegistry) TunnelPort(uuid string) (int, bool) {
	p, ok := s.ports[uuid]
	return p, ok
}

// startEchoAgent listens on an ephemeral loopback port and replies to every
// framed request with a matching result response whose result echoes the
// request's method, simulating an agent's run_command handler closely
// enough to exercise the Pool's framing and id-multiplexing.
func startEchoAgent(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			req, err := protocol.ReadRequest(conn)
			if err != nil {
				return
			}
			resp, _ := protocol.NewResultResponse(req.ID, map[string]any{"echo": req.Method})
			if err := protocol.WriteResponse(conn, resp); err != nil {
				return
			}
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestPool_Call_RoundTrip(t *testing.T) {
	port := startEchoAgent(t)
	reg := &stubRegistry{ports: map[string]int{"U1": port}}
	p := New(reg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := p.Call(ctx, "U1", &protocol.Request{ID: "1", Method: "heartbeat"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("Call returned error response: %+v", resp.Error)
	}
}

func TestPool_Call_OfflineUUID(t *testing.T) {
	reg := &stubRegistry{ports: map[string]int{}}
	p := New(reg)
	_, err := p.Call(context.Background(), "nope", &protocol.Request{ID: "1", Method: "heartbeat"})
	if err == nil {
		t.Error("Call to offline uuid: want error, got nil")
	}
}

func TestPool_Get_ReusesSameClientForSamePort(t *testing.T) {
	port := startEchoAgent(t)
	reg := &stubRegistry{ports: map[string]int{"U1": port}}
	p := New(reg)

	c1, err := p.Get("U1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c2, err := p.Get("U1")
	if err != nil {
		t.Fatalf("Get (second): %v", err)
	}
	if c1 != c2 {
		t.Error("Get() dialed a new client for an unchanged tunnel_port")
	}
}

func TestPool_Get_RedialsOnPortChange(t *testing.T) {
	portA := startEchoAgent(t)
	portB := startEchoAgent(t)
	reg := &stubRegistry{ports: map[string]int{"U1": portA}}
	p := New(reg)

	c1, err := p.Get("U1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	reg.ports["U1"] = portB
	c2, err := p.Get("U1")
	if err != nil {
		t.Fatalf("Get (after port change): %v", err)
	}
	if c1 == c2 {
		t.Error("Get() reused client after tunnel_port changed")
	}
}

func TestPool_ClearStale_ClosesAndEvicts(t *testing.T) {
	port := startEchoAgent(t)
	reg := &stubRegistry{ports: map[string]int{"U1": port}}
	p := New(reg)

	c1, err := p.Get("U1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.ClearStale("U1")

	c2, err := p.Get("U1")
	if err != nil {
		t.Fatalf("Get (after ClearStale): %v", err)
	}
	if c1 == c2 {
		t.Error("ClearStale did not force a fresh dial")
	}
}
