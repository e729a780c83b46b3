package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/reach-sh/reach/internal/protocol"
)

type stubPool struct {
	mu   sync.Mutex
	fail map[string]bool
	n    int
}

func (s *stubPool) Call(ctx context.Context, uuid string, req *protocol.Request) (*protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	if s.fail[uuid] {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, "down"), nil
	}
	resp, _ := protocol.NewResultResponse(req.ID, map[string]string{"status": "alive"})
	return resp, nil
}

type stubNotifier struct {
	mu          sync.Mutex
	disconnects []string
}

func (s *stubNotifier) Disconnect(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, uuid)
}

func TestMonitor_Reset_StartsOnlineDuringGrace(t *testing.T) {
	m := New(&stubPool{}, &stubNotifier{}, time.Hour, 3)
	m.Reset("U1")
	if !m.IsOnline("U1") {
		t.Error("IsOnline() false immediately after Reset, want true (grace)")
	}
}

func TestMonitor_ProbeOne_SkipsDuringGrace(t *testing.T) {
	pool := &stubPool{fail: map[string]bool{"U1": true}}
	m := New(pool, &stubNotifier{}, time.Hour, 1)
	m.Reset("U1")
	m.probeOne(context.Background(), "U1")
	if pool.n != 0 {
		t.Errorf("Call invoked %d times during grace, want 0", pool.n)
	}
}

func TestMonitor_ProbeOne_FailureThresholdDisconnects(t *testing.T) {
	pool := &stubPool{fail: map[string]bool{"U1": true}}
	notifier := &stubNotifier{}
	m := New(pool, notifier, -1, 2) // no grace: interval defaults but we force grace past by zeroing below
	m.Reset("U1")
	m.mu.Lock()
	m.states["U1"].graceDeadline = time.Now().Add(-time.Second)
	m.mu.Unlock()

	m.probeOne(context.Background(), "U1")
	if m.IsOnline("U1") == false {
		t.Fatal("flipped offline after only 1 failure, want still online at threshold 2")
	}
	m.probeOne(context.Background(), "U1")
	if m.IsOnline("U1") {
		t.Error("still online after reaching failure threshold")
	}
	if len(notifier.disconnects) != 1 || notifier.disconnects[0] != "U1" {
		t.Errorf("Disconnect calls = %v, want [U1]", notifier.disconnects)
	}
}

func TestMonitor_ProbeOne_SuccessResetsCounter(t *testing.T) {
	pool := &stubPool{fail: map[string]bool{"U1": true}}
	m := New(pool, &stubNotifier{}, -1, 2)
	m.Reset("U1")
	m.mu.Lock()
	m.states["U1"].graceDeadline = time.Now().Add(-time.Second)
	m.mu.Unlock()

	m.probeOne(context.Background(), "U1")
	pool.mu.Lock()
	pool.fail["U1"] = false
	pool.mu.Unlock()
	m.probeOne(context.Background(), "U1")

	if !m.IsOnline("U1") {
		t.Error("a successful probe did not clear the failure streak")
	}
}

func TestMonitor_Forget(t *testing.T) {
	m := New(&stubPool{}, &stubNotifier{}, time.Hour, 3)
	m.Reset("U1")
	m.Forget("U1")
	if m.IsOnline("U1") {
		t.Error("IsOnline() true after Forget")
	}
}
