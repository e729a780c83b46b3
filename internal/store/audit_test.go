package store

import "testing"

func TestStore_WriteAuditAndQuery(t *testing.T) {
	s := openTestStore(t)

	if err := s.WriteAudit(AuditEntry{
		Action:       "client.ack_key_mismatch",
		ClientUUID:   "U1",
		ResourceName: "alpha",
		Status:       AuditStatusSuccess,
		IP:           "127.0.0.1:5555",
	}); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}
	if err := s.WriteAudit(AuditEntry{
		Action:     "file.upload",
		ClientUUID: "U2",
		Status:     AuditStatusFailed,
		Detail:     DetailJSON(map[string]any{"error": "dial refused"}),
	}); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}

	all, err := s.AuditLog("", 10)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("AuditLog('') len = %d, want 2", len(all))
	}

	scoped, err := s.AuditLog("U1", 10)
	if err != nil {
		t.Fatalf("AuditLog(U1): %v", err)
	}
	if len(scoped) != 1 || scoped[0].ClientUUID != "U1" {
		t.Errorf("AuditLog(U1) = %+v, want one U1 entry", scoped)
	}
}

func TestDetailJSON_NullOnNil(t *testing.T) {
	if got := DetailJSON(nil); got != "null" {
		t.Errorf("DetailJSON(nil) = %q, want %q", got, "null")
	}
}
