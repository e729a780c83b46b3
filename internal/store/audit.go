package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
)

// Audit status values, mirroring the teacher's audit.StatusSuccess/Failed.
const (
	AuditStatusSuccess = "success"
	AuditStatusFailed  = "failed"
)

// AuditEntry is one security-sensitive operator action: a key-mismatch
// acknowledgement or a file upload/download. Adapted from the teacher's
// internal/audit.Entry shape, trimmed to the fields reach's Operator API
// actually has (no PocketBase user records — the API is a single
// bearer-token principal, so the entry carries no UserID/UserEmail actor
// fields).
type AuditEntry struct {
	Action       string    `db:"action" json:"action"` // dot-namespaced, e.g. "client.ack_key_mismatch"
	ClientUUID   string    `db:"client_uuid" json:"client_uuid,omitempty"`
	ResourceName string    `db:"resource_name" json:"resource_name,omitempty"`
	Status       string    `db:"status" json:"status"` // "success" | "failed"
	IP           string    `db:"ip" json:"ip,omitempty"`
	Detail       string    `db:"detail" json:"detail,omitempty"` // JSON-encoded
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// WriteAudit persists one audit record. Like the teacher's audit.Write, a
// failure here is logged by the caller and never allowed to fail the
// operation it is recording.
func (s *Store) WriteAudit(e AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Insert("audit_log", dbx.Params{
		"id":            uuid.NewString(),
		"action":        e.Action,
		"client_uuid":   e.ClientUUID,
		"resource_name": e.ResourceName,
		"status":        e.Status,
		"ip":            e.IP,
		"detail":        e.Detail,
		"created_at":    e.CreatedAt,
	}).Execute()
	if err != nil {
		return fmt.Errorf("store: write audit entry: %w", err)
	}
	return nil
}

// DetailJSON marshals v to a string suitable for AuditEntry.Detail,
// swallowing marshal errors (an audit record with empty detail still beats
// failing the action it is recording over a detail that won't marshal).
func DetailJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// AuditLog returns the most recent audit records, optionally scoped to one
// client uuid, newest first.
func (s *Store) AuditLog(clientUUID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.Select("*").From("audit_log").OrderBy("created_at DESC").Limit(int64(limit))
	if clientUUID != "" {
		q = q.AndWhere(dbx.HashExp{"client_uuid": clientUUID})
	}
	var out []AuditEntry
	if err := q.All(&out); err != nil {
		return nil, fmt.Errorf("store: query audit log: %w", err)
	}
	return out, nil
}
