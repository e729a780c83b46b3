package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendAndGet(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	rec := Record{
		ID:          "cmd-1",
		ClientUUID:  "U1",
		Command:     "echo hi",
		Stdout:      "hi\n",
		ReturnCode:  0,
		StartedAt:   now,
		CompletedAt: now,
		DurationMs:  5,
	}
	if err := s.Append(rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Get("U1", "cmd-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Command != "echo hi" || got.Stdout != "hi\n" {
		t.Errorf("Get() = %+v", got)
	}
}

func TestStore_History_StatusFilter(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()
	for i, rc := range []int{0, 1, 0} {
		rec := Record{
			ID:          "cmd-" + string(rune('a'+i)),
			ClientUUID:  "U1",
			Command:     "cmd",
			ReturnCode:  rc,
			StartedAt:   base.Add(time.Duration(i) * time.Second),
			CompletedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	success, total, err := s.History(HistoryQuery{ClientUUID: "U1", Status: "success"})
	if err != nil {
		t.Fatalf("History success: %v", err)
	}
	if total != 2 {
		t.Errorf("success total = %d, want 2", total)
	}
	for _, r := range success {
		if r.ReturnCode != 0 {
			t.Errorf("status=success returned returncode %d", r.ReturnCode)
		}
	}

	failed, total, err := s.History(HistoryQuery{ClientUUID: "U1", Status: "failed"})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if total != 1 {
		t.Errorf("failed total = %d, want 1", total)
	}
	for _, r := range failed {
		if r.ReturnCode == 0 {
			t.Errorf("status=failed returned returncode 0")
		}
	}
}

func TestStore_History_OrderedByCompletedAtDesc(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		rec := Record{
			ID:          "cmd-" + string(rune('a'+i)),
			ClientUUID:  "U1",
			Command:     "cmd",
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	records, _, err := s.History(HistoryQuery{ClientUUID: "U1"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	if !records[0].CompletedAt.After(records[1].CompletedAt) || !records[1].CompletedAt.After(records[2].CompletedAt) {
		t.Errorf("records not ordered completed_at DESC: %+v", records)
	}
}

func TestStore_PurgeOlderThan(t *testing.T) {
	s := openTestStore(t)
	old := time.Now().UTC().AddDate(0, 0, -40)
	recent := time.Now().UTC()
	if err := s.Append(Record{ID: "old", ClientUUID: "U1", Command: "x", CompletedAt: old, StartedAt: old}); err != nil {
		t.Fatalf("Append old: %v", err)
	}
	if err := s.Append(Record{ID: "new", ClientUUID: "U1", Command: "x", CompletedAt: recent, StartedAt: recent}); err != nil {
		t.Fatalf("Append recent: %v", err)
	}

	n, err := s.PurgeOlderThan(30)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeOlderThan removed %d rows, want 1", n)
	}
	if _, err := s.Get("U1", "old"); err == nil {
		t.Error("old record still present after purge")
	}
	if _, err := s.Get("U1", "new"); err != nil {
		t.Error("recent record removed by purge")
	}
}
