// Package recorder captures received messages into SQLite.
package recorder

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zerodha/rdp-stream-client/marketdata"
	"github.com/zerodha/rdp-stream-client/stream"
)

// DB provides SQLite persistence for runs and their messages.
type DB struct {
	db *sql.DB
}

// OpenDB opens (or creates) the SQLite database at path and ensures tables exist.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    mode        TEXT NOT NULL,
    items       INTEGER NOT NULL,
    snapshot    INTEGER NOT NULL DEFAULT 0,
    started_at  TEXT NOT NULL,
    finished_at TEXT,
    refreshes   INTEGER,
    updates     INTEGER,
    statuses    INTEGER,
    closed      INTEGER
);

CREATE TABLE IF NOT EXISTS messages (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    received_at TEXT NOT NULL,
    item        TEXT NOT NULL,
    type        TEXT NOT NULL,
    domain      TEXT NOT NULL,
    stream_id   INTEGER NOT NULL,
    complete    INTEGER NOT NULL,
    payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id, item);`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// RunInfo describes a run when it starts.
type RunInfo struct {
	Mode     string
	Items    int
	Snapshot bool
}

// Run is a recording of one client run. It implements marketdata.Sink.
type Run struct {
	ID string

	db   *DB
	mu   sync.Mutex
	stmt *sql.Stmt
}

var _ marketdata.Sink = (*Run)(nil)

// StartRun inserts a new run with a random id.
func (d *DB) StartRun(info RunInfo, at time.Time) (*Run, error) {
	id := uuid.New().String()
	snapshot := 0
	if info.Snapshot {
		snapshot = 1
	}
	if _, err := d.db.Exec(`INSERT INTO runs (id, mode, items, snapshot, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, info.Mode, info.Items, snapshot, at.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	stmt, err := d.db.Prepare(`INSERT INTO messages
		(run_id, received_at, item, type, domain, stream_id, complete, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare message insert: %w", err)
	}
	return &Run{ID: id, db: d, stmt: stmt}, nil
}

// Record stores one received message.
func (r *Run) Record(item string, msg stream.Message) error {
	complete := 0
	if msg.IsComplete() {
		complete = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stmt == nil {
		return fmt.Errorf("run %s is finished", r.ID)
	}
	_, err := r.stmt.Exec(r.ID, time.Now().UTC().Format(time.RFC3339Nano), item, msg.Type,
		msg.DomainOrDefault(), msg.ID, complete, string(msg.Raw))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Finish stores the final counters of the run. Record fails afterwards.
func (r *Run) Finish(snap marketdata.Snapshot, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stmt != nil {
		_ = r.stmt.Close()
		r.stmt = nil
	}
	_, err := r.db.db.Exec(`UPDATE runs SET finished_at = ?, refreshes = ?, updates = ?, statuses = ?, closed = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), snap.Refreshes, snap.Updates, snap.Statuses, snap.Closed, r.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Entry is a stored message.
type Entry struct {
	Item     string
	Type     string
	Domain   string
	StreamID int
	Complete bool
	Payload  string
}

// Messages returns the messages of a run in receive order.
func (d *DB) Messages(runID string) ([]Entry, error) {
	rows, err := d.db.Query(`SELECT item, type, domain, stream_id, complete, payload
		FROM messages WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			completeI int
		)
		if err := rows.Scan(&e.Item, &e.Type, &e.Domain, &e.StreamID, &completeI, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		e.Complete = completeI != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunSummary is a stored run with its final counters.
type RunSummary struct {
	ID        string
	Mode      string
	Items     int
	Snapshot  bool
	Finished  bool
	Refreshes int64
	Updates   int64
	Statuses  int64
	Closed    int64
}

const runColumns = `id, mode, items, snapshot, finished_at, refreshes, updates, statuses, closed`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunSummary, error) {
	var (
		rs        RunSummary
		snapshotI int
		finished  sql.NullString
		refreshes sql.NullInt64
		updates   sql.NullInt64
		statuses  sql.NullInt64
		closed    sql.NullInt64
	)
	if err := row.Scan(&rs.ID, &rs.Mode, &rs.Items, &snapshotI, &finished,
		&refreshes, &updates, &statuses, &closed); err != nil {
		return nil, err
	}
	rs.Snapshot = snapshotI != 0
	rs.Finished = finished.Valid
	rs.Refreshes = refreshes.Int64
	rs.Updates = updates.Int64
	rs.Statuses = statuses.Int64
	rs.Closed = closed.Int64
	return &rs, nil
}

// Runs returns all runs, oldest first.
func (d *DB) Runs() ([]*RunSummary, error) {
	rows, err := d.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*RunSummary
	for rows.Next() {
		rs, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// LoadRun reads a run by id.
func (d *DB) LoadRun(id string) (*RunSummary, error) {
	rs, err := scanRun(d.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	return rs, nil
}
