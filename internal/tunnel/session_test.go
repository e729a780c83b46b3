package tunnel

import (
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestRegistry_GetMissing(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("nope"); ok {
		t.Error("Get() on empty registry returned ok=true")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	sess := &Session{UUID: "agent-1", TunnelPort: 40001}
	r.Register("eph-1", sess)
	got, ok := r.Get("eph-1")
	if !ok || got.UUID != "agent-1" {
		t.Errorf("Get() = %+v, %v; want sess for agent-1", got, ok)
	}
}

func TestRegistry_UnregisterConn_OnlyMatchingConn(t *testing.T) {
	r := NewRegistry()
	sess1 := &Session{UUID: "agent-1", Conn: nil, TunnelPort: 40001}
	r.Register("eph-1", sess1)

	// A stale unregister carrying a different connection than the stored
	// session's must leave the entry in place.
	r.UnregisterConn("eph-1", &ssh.ServerConn{})
	if _, ok := r.Get("eph-1"); !ok {
		t.Fatal("expected eph-1 still registered after UnregisterConn with a mismatched conn")
	}

	// The matching connection (nil here, as stored) removes it.
	r.UnregisterConn("eph-1", nil)
	if _, ok := r.Get("eph-1"); ok {
		t.Error("expected eph-1 removed after UnregisterConn with the matching conn")
	}
}

func TestRegistry_ByUUID_PrefersMostRecent(t *testing.T) {
	r := NewRegistry()
	older := &Session{UUID: "agent-1", TunnelPort: 40001}
	newer := &Session{UUID: "agent-1", TunnelPort: 40002}
	newer.ConnectedAt = older.ConnectedAt.Add(1)
	r.Register("eph-old", older)
	r.Register("eph-new", newer)

	got, ok := r.ByUUID("agent-1")
	if !ok {
		t.Fatal("ByUUID() not found")
	}
	if got.TunnelPort != 40002 {
		t.Errorf("ByUUID() returned port %d, want most recent 40002", got.TunnelPort)
	}
}

func TestRegistry_All(t *testing.T) {
	r := NewRegistry()
	r.Register("eph-1", &Session{UUID: "agent-1"})
	r.Register("eph-2", &Session{UUID: "agent-2"})
	all := r.All()
	if len(all) != 2 {
		t.Errorf("All() returned %d sessions, want 2", len(all))
	}
}
