package api

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/reach-sh/reach/internal/config"
	"github.com/reach-sh/reach/internal/pool"
	"github.com/reach-sh/reach/internal/registry"
	"github.com/reach-sh/reach/internal/store"
)

type stubPortLookup struct{ ports map[string]int }

func (s stubPortLookup) TunnelPort(uuid string) (int, bool) {
	p, ok := s.ports[uuid]
	return p, ok
}

type noopHealth struct{}

func (noopHealth) Reset(string) {}

func newTestServer(t *testing.T) (*Server, *registry.Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	p := pool.New(stubPortLookup{ports: map[string]int{}})
	events := NewEventBus()
	reg := registry.New(p, noopHealth{}, events)

	cfg := &config.Config{APIKey: "test-token", CORSAllowedOrigins: []string{"*"}}
	s := New(cfg, reg, p, st, events, "test")
	return s, reg, st
}

func TestHandleHealth_Unauthenticated(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
}

func TestAPIV1_RequiresBearerToken(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/v1/clients", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("GET /api/v1/clients without token = %d, want 401", rec.Code)
	}
}

func TestAPIV1_AcceptsBearerHeader(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/v1/clients", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("GET /api/v1/clients with bearer header = %d, want 200", rec.Code)
	}
}

func TestAPIV1_AcceptsQueryToken(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/v1/events?token=test-token", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("GET /api/v1/events?token=... = %d, want 200", rec.Code)
	}
}

func TestHandleGetClient_NotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/v1/clients/does-not-exist", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != 404 {
		t.Fatalf("GET unknown client = %d, want 404", rec.Code)
	}
}

func TestHandleListClients_ReflectsRegistry(t *testing.T) {
	s, reg, _ := newTestServer(t)
	payload, _ := json.Marshal(map[string]any{
		"identity":    map[string]any{"display_name": "box-1"},
		"client_info": map[string]any{"hostname": "box-1.local"},
	})
	id, err := reg.Register("fp-1", payload)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg.Connect(id, registry.Connection{ClientID: id, Hostname: "box-1.local", TunnelPort: 40100})

	req := httptest.NewRequest("GET", "/api/v1/clients", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("GET /api/v1/clients = %d", rec.Code)
	}

	var body struct {
		Clients []registry.Client `json:"clients"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Clients) != 1 || !body.Clients[0].Online {
		t.Fatalf("clients = %+v, want one online client", body.Clients)
	}
}

func TestHandleRun_ClientOffline(t *testing.T) {
	s, reg, _ := newTestServer(t)
	payload, _ := json.Marshal(map[string]any{"identity": map[string]any{"display_name": "offline-box"}})
	id, _ := reg.Register("fp-2", payload)

	body, _ := json.Marshal(map[string]any{"command": "echo hi"})
	req := httptest.NewRequest("POST", "/api/v1/clients/"+id+"/history", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != 503 {
		t.Fatalf("run against offline client = %d, want 503", rec.Code)
	}
}

func TestHandleAckKeyMismatch_ClearsFlag(t *testing.T) {
	s, reg, _ := newTestServer(t)

	first, _ := json.Marshal(map[string]any{"identity": map[string]any{"display_name": "box"}})
	id, err := reg.Register("fp-a", first)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	reconnect, _ := json.Marshal(map[string]any{"identity": map[string]any{"uuid": id, "display_name": "box"}})
	if _, err := reg.Register("fp-b", reconnect); err != nil {
		t.Fatalf("Register (mismatch): %v", err)
	}
	if before, ok := reg.DescribeClient(id); !ok || !before.KeyMismatch {
		t.Fatalf("expected key_mismatch to be set before ack, got %+v", before)
	}

	req := httptest.NewRequest("POST", "/api/v1/clients/"+id+"/ack-key-mismatch", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("ack-key-mismatch = %d, want 200", rec.Code)
	}

	after, ok := reg.DescribeClient(id)
	if !ok || after.KeyMismatch {
		t.Fatalf("expected key_mismatch cleared after ack, got %+v", after)
	}
}

func TestHandleAckKeyMismatch_RecordsAuditEntry(t *testing.T) {
	s, reg, st := newTestServer(t)

	first, _ := json.Marshal(map[string]any{"identity": map[string]any{"display_name": "box"}})
	id, err := reg.Register("fp-a", first)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	reconnect, _ := json.Marshal(map[string]any{"identity": map[string]any{"uuid": id, "display_name": "box"}})
	if _, err := reg.Register("fp-b", reconnect); err != nil {
		t.Fatalf("Register (mismatch): %v", err)
	}

	req := httptest.NewRequest("POST", "/api/v1/clients/"+id+"/ack-key-mismatch", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("ack-key-mismatch = %d, want 200", rec.Code)
	}

	entries, err := st.AuditLog(id, 10)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "client.ack_key_mismatch" || entries[0].Status != store.AuditStatusSuccess {
		t.Errorf("audit entries = %+v, want one successful client.ack_key_mismatch", entries)
	}
}

func TestHandleAuditLog_ReturnsRecordedEntries(t *testing.T) {
	s, _, st := newTestServer(t)
	if err := st.WriteAudit(store.AuditEntry{Action: "file.upload", ClientUUID: "U1", Status: store.AuditStatusSuccess}); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/audit-log", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("GET /api/v1/audit-log = %d, want 200", rec.Code)
	}

	var body struct {
		Entries []store.AuditEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].Action != "file.upload" {
		t.Fatalf("entries = %+v, want one file.upload entry", body.Entries)
	}
}

func TestHandleHistory_EmptyForUnknownClient(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/v1/clients/nobody/history", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("GET history for unknown client = %d, want 200 (empty)", rec.Code)
	}
	var body struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Total != 0 {
		t.Errorf("total = %d, want 0", body.Total)
	}
}
