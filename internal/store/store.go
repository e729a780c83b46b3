// Package store implements the persisted Command Record history: an
// embedded SQLite database file under the server's state directory,
// queried with github.com/pocketbase/dbx (the teacher's own query-builder
// dependency, used here on its own rather than through the full PocketBase
// app/admin framework — see DESIGN.md). The schema-versioning idiom
// (ordered migrations applied once, tracked in their own table) is adapted
// from the teacher's internal/migrations init()-registration pattern: each
// migration here registers itself the same way, just against a plain SQL
// runner instead of PocketBase's collection API.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	_ "modernc.org/sqlite"
)

// MaxUploadBytes bounds a single file upload's multipart form buffer, per
// spec.md's file transfer Non-goals (no resumable/chunked uploads).
const MaxUploadBytes = 64 << 20 // 64MiB

// Record is one persisted Command Record.
type Record struct {
	ID          string    `db:"id" json:"id"`
	ClientUUID  string    `db:"client_uuid" json:"client_uuid"`
	Command     string    `db:"command" json:"command"`
	Cwd         string    `db:"cwd" json:"cwd,omitempty"`
	Stdout      string    `db:"stdout" json:"stdout"`
	Stderr      string    `db:"stderr" json:"stderr"`
	ReturnCode  int       `db:"returncode" json:"returncode"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
	CompletedAt time.Time `db:"completed_at" json:"completed_at"`
	DurationMs  int64     `db:"duration_ms" json:"duration_ms"`
	User        string    `db:"user" json:"user,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Store wraps a dbx.DB over a SQLite file and exposes the Command Record
// operations spec.md §3/§4.10/§8 require.
type Store struct {
	db *dbx.DB
}

// Open opens (creating if necessary) the SQLite file at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time

	db := dbx.NewFromDB(sqlDB, "sqlite")
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts a new Command Record. ID is generated by the caller
// (the Operator API assigns a UUID before persisting) so the record can be
// referenced in its own response before the insert completes.
func (s *Store) Append(r Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Insert("command_history", dbx.Params{
		"id":           r.ID,
		"client_uuid":  r.ClientUUID,
		"command":      r.Command,
		"cwd":          r.Cwd,
		"stdout":       r.Stdout,
		"stderr":       r.Stderr,
		"returncode":   r.ReturnCode,
		"started_at":   r.StartedAt,
		"completed_at": r.CompletedAt,
		"duration_ms":  r.DurationMs,
		"user":         r.User,
		"created_at":   r.CreatedAt,
	}).Execute()
	if err != nil {
		return fmt.Errorf("store: append command record: %w", err)
	}
	return nil
}

// HistoryQuery parameters for History, matching spec.md §4.10's
// history(uuid, {limit?, offset?, search?, status?}) contract.
type HistoryQuery struct {
	ClientUUID string
	Limit      int
	Offset     int
	Search     string
	Status     string // "" | "success" | "failed"
}

// History returns matching records ordered by completed_at DESC, plus the
// total count ignoring limit/offset.
func (s *Store) History(q HistoryQuery) (records []Record, total int, err error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	filter := s.historyFilter(q)

	var count struct {
		N int `db:"n"`
	}
	countQuery := s.db.Select("COUNT(*) AS n").From("command_history").Where(filter)
	if err := countQuery.One(&count); err != nil {
		return nil, 0, fmt.Errorf("store: count history: %w", err)
	}

	var out []Record
	selectQuery := s.db.Select("*").From("command_history").Where(filter).
		OrderBy("completed_at DESC").Limit(int64(limit)).Offset(int64(q.Offset))
	if err := selectQuery.All(&out); err != nil {
		return nil, 0, fmt.Errorf("store: query history: %w", err)
	}
	return out, count.N, nil
}

// historyFilter builds the shared WHERE expression for History's count and
// select queries, kept as one exp.AndExpr so both queries see identical
// filtering regardless of dbx's fluent builder mutating in place.
func (s *Store) historyFilter(q HistoryQuery) dbx.Expression {
	exprs := []dbx.Expression{dbx.HashExp{"client_uuid": q.ClientUUID}}
	if q.Search != "" {
		exprs = append(exprs, dbx.Like("command", q.Search))
	}
	switch q.Status {
	case "success":
		exprs = append(exprs, dbx.HashExp{"returncode": 0})
	case "failed":
		exprs = append(exprs, dbx.NewExp("returncode != 0"))
	}
	return dbx.And(exprs...)
}

// Get returns a single Command Record by id, scoped to clientUUID so one
// client cannot read another's history by guessing ids.
func (s *Store) Get(clientUUID, commandID string) (Record, error) {
	var r Record
	err := s.db.Select("*").From("command_history").
		Where(dbx.HashExp{"client_uuid": clientUUID, "id": commandID}).
		One(&r)
	if err != nil {
		return Record{}, fmt.Errorf("store: get command %s: %w", commandID, err)
	}
	return r, nil
}

// PurgeOlderThan deletes command_history rows whose completed_at predates
// now-days — the supplemented retention-purge feature (see SPEC_FULL.md §7).
func (s *Store) PurgeOlderThan(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result, err := s.db.Delete("command_history", dbx.NewExp("completed_at < {:cutoff}", dbx.Params{"cutoff": cutoff})).Execute()
	if err != nil {
		return 0, fmt.Errorf("store: purge older than %dd: %w", days, err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
