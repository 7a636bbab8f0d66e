// Package timeline implements the Timeline Store (C3): an append-only
// record of what happened on this machine — commands run, files
// touched, application focus changes, periodic system snapshots.
// Each event kind gets its own table sharing a common header
// (event_id, timestamp, event_type); events are immutable once stored.
//
// After a successful append, the store best-effort publishes the event
// on "temporal.event.<kind>" via an injected Publisher. Publish never
// blocks or gates the append: storage is at-least-once, fan-out is
// best-effort, matching the usage store's append-then-notify shape.
package timeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Event kind identifiers, also used as the table name suffix and as
// the final segment of the "temporal.event.<kind>" publish subject.
const (
	KindCommand        = "command"
	KindFile           = "file"
	KindAppFocus       = "app_focus"
	KindSystemSnapshot = "system_snapshot"
	KindContextArchive = "context_archive"
)

// Publisher fans out a stored event. Subject is "temporal.event.<kind>".
// Implementations MUST NOT block; the timeline store calls this from a
// goroutine and ignores its outcome.
type Publisher func(subject string, payload map[string]any)

// Envelope is the common shape returned by Query, regardless of kind.
// Fields carries the kind-specific columns as a flat map so callers
// that only care about a subset (the proactive agent's pattern
// matcher, the dashboard feed) don't need a type switch.
type Envelope struct {
	EventID   string
	Timestamp time.Time
	EventType string
	Fields    map[string]any
}

// CommandEvent records a shell command's execution.
type CommandEvent struct {
	Command    string
	ExitCode   int
	Cwd        string
	DurationMs int64
}

// FileEvent records a filesystem change under a watched path.
type FileEvent struct {
	Path string
	Op   string // created, modified, deleted
	Size int64  // 0 if unknown (e.g. deletes)
}

// AppFocusEvent records a foreground application change.
type AppFocusEvent struct {
	AppName     string
	WindowTitle string
}

// SystemSnapshotEvent records a point-in-time resource sample.
// Fields are pointers so a failed read (gopsutil error on one metric)
// can omit just that field rather than discarding the whole sample.
type SystemSnapshotEvent struct {
	CPUPercent   *float64
	MemPercent   *float64
	DiskPercent  *float64
	ProcessCount *int
}

// ContextArchiveEvent records a session Context snapshot archived on
// Context Store reset (spec §4.2: "a Context is archived to the
// Timeline Store on reset"). Snapshot is the same JSON the Context
// Store persists internally, kept opaque here so the Timeline Store
// doesn't need to depend on contextstore's types.
type ContextArchiveEvent struct {
	SessionID string
	Snapshot  string
}

// Store is the Timeline Store.
type Store struct {
	db        *sql.DB
	publisher Publisher
}

// Open creates or opens a Timeline Store at the given database path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open timeline database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate timeline schema: %w", err)
	}
	return s, nil
}

// SetPublisher installs the fan-out callback used after a successful
// append. Safe to call before the store handles any traffic; not safe
// for concurrent use with Append calls.
func (s *Store) SetPublisher(p Publisher) {
	s.publisher = p
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS timeline_command (
		event_id TEXT PRIMARY KEY, timestamp TEXT NOT NULL, event_type TEXT NOT NULL,
		command TEXT NOT NULL, exit_code INTEGER NOT NULL, cwd TEXT, duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_timeline_command_ts ON timeline_command(timestamp);

	CREATE TABLE IF NOT EXISTS timeline_file (
		event_id TEXT PRIMARY KEY, timestamp TEXT NOT NULL, event_type TEXT NOT NULL,
		path TEXT NOT NULL, op TEXT NOT NULL, size INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_timeline_file_ts ON timeline_file(timestamp);

	CREATE TABLE IF NOT EXISTS timeline_app_focus (
		event_id TEXT PRIMARY KEY, timestamp TEXT NOT NULL, event_type TEXT NOT NULL,
		app_name TEXT NOT NULL, window_title TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_timeline_app_focus_ts ON timeline_app_focus(timestamp);

	CREATE TABLE IF NOT EXISTS timeline_system_snapshot (
		event_id TEXT PRIMARY KEY, timestamp TEXT NOT NULL, event_type TEXT NOT NULL,
		cpu_percent REAL, mem_percent REAL, disk_percent REAL, process_count INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_timeline_system_snapshot_ts ON timeline_system_snapshot(timestamp);

	CREATE TABLE IF NOT EXISTS timeline_context_archive (
		event_id TEXT PRIMARY KEY, timestamp TEXT NOT NULL, event_type TEXT NOT NULL,
		session_id TEXT NOT NULL, snapshot TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_timeline_context_archive_ts ON timeline_context_archive(timestamp);
	CREATE INDEX IF NOT EXISTS idx_timeline_context_archive_session ON timeline_context_archive(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newEventID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate event id: %w", err)
	}
	return id.String(), nil
}

// AppendCommand stores a CommandEvent and returns its generated id.
func (s *Store) AppendCommand(ctx context.Context, e CommandEvent) (string, error) {
	id, err := newEventID()
	if err != nil {
		return "", err
	}
	ts := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO timeline_command (event_id, timestamp, event_type, command, exit_code, cwd, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, ts.Format(time.RFC3339Nano), KindCommand, e.Command, e.ExitCode, e.Cwd, e.DurationMs,
	)
	if err != nil {
		return "", fmt.Errorf("append command event: %w", err)
	}
	s.notify(KindCommand, map[string]any{
		"event_id": id, "timestamp": ts, "command": e.Command,
		"exit_code": e.ExitCode, "cwd": e.Cwd, "duration_ms": e.DurationMs,
	})
	return id, nil
}

// AppendFile stores a FileEvent and returns its generated id.
func (s *Store) AppendFile(ctx context.Context, e FileEvent) (string, error) {
	id, err := newEventID()
	if err != nil {
		return "", err
	}
	ts := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO timeline_file (event_id, timestamp, event_type, path, op, size)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, ts.Format(time.RFC3339Nano), KindFile, e.Path, e.Op, e.Size,
	)
	if err != nil {
		return "", fmt.Errorf("append file event: %w", err)
	}
	s.notify(KindFile, map[string]any{
		"event_id": id, "timestamp": ts, "path": e.Path, "op": e.Op, "size": e.Size,
	})
	return id, nil
}

// AppendAppFocus stores an AppFocusEvent and returns its generated id.
func (s *Store) AppendAppFocus(ctx context.Context, e AppFocusEvent) (string, error) {
	id, err := newEventID()
	if err != nil {
		return "", err
	}
	ts := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO timeline_app_focus (event_id, timestamp, event_type, app_name, window_title)
		 VALUES (?, ?, ?, ?, ?)`,
		id, ts.Format(time.RFC3339Nano), KindAppFocus, e.AppName, e.WindowTitle,
	)
	if err != nil {
		return "", fmt.Errorf("append app_focus event: %w", err)
	}
	s.notify(KindAppFocus, map[string]any{
		"event_id": id, "timestamp": ts, "app_name": e.AppName, "window_title": e.WindowTitle,
	})
	return id, nil
}

// AppendSystemSnapshot stores a SystemSnapshotEvent and returns its
// generated id. nil fields are stored as SQL NULL, preserving "skip
// the field on a failed read" rather than a misleading zero.
func (s *Store) AppendSystemSnapshot(ctx context.Context, e SystemSnapshotEvent) (string, error) {
	id, err := newEventID()
	if err != nil {
		return "", err
	}
	ts := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO timeline_system_snapshot (event_id, timestamp, event_type, cpu_percent, mem_percent, disk_percent, process_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, ts.Format(time.RFC3339Nano), KindSystemSnapshot,
		nullableFloat(e.CPUPercent), nullableFloat(e.MemPercent), nullableFloat(e.DiskPercent), nullableInt(e.ProcessCount),
	)
	if err != nil {
		return "", fmt.Errorf("append system_snapshot event: %w", err)
	}
	payload := map[string]any{"event_id": id, "timestamp": ts}
	if e.CPUPercent != nil {
		payload["cpu_percent"] = *e.CPUPercent
	}
	if e.MemPercent != nil {
		payload["mem_percent"] = *e.MemPercent
	}
	if e.DiskPercent != nil {
		payload["disk_percent"] = *e.DiskPercent
	}
	if e.ProcessCount != nil {
		payload["process_count"] = *e.ProcessCount
	}
	s.notify(KindSystemSnapshot, payload)
	return id, nil
}

// AppendContextArchive stores a ContextArchiveEvent and returns its
// generated id.
func (s *Store) AppendContextArchive(ctx context.Context, e ContextArchiveEvent) (string, error) {
	id, err := newEventID()
	if err != nil {
		return "", err
	}
	ts := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO timeline_context_archive (event_id, timestamp, event_type, session_id, snapshot)
		 VALUES (?, ?, ?, ?, ?)`,
		id, ts.Format(time.RFC3339Nano), KindContextArchive, e.SessionID, e.Snapshot,
	)
	if err != nil {
		return "", fmt.Errorf("append context_archive event: %w", err)
	}
	s.notify(KindContextArchive, map[string]any{
		"event_id": id, "timestamp": ts, "session_id": e.SessionID,
	})
	return id, nil
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

// notify fans the event out to the Publisher without blocking the
// caller and without letting a panicking or slow publisher affect
// append durability.
func (s *Store) notify(kind string, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	go s.publisher("temporal.event."+kind, payload)
}

// QueryOptions filters a Query call. A zero value matches everything.
type QueryOptions struct {
	Kind  string // "" matches every kind
	Since time.Time
	Until time.Time
	Limit int // <=0 means no limit
}

var allTables = map[string]string{
	KindCommand:        "timeline_command",
	KindFile:           "timeline_file",
	KindAppFocus:       "timeline_app_focus",
	KindSystemSnapshot: "timeline_system_snapshot",
	KindContextArchive: "timeline_context_archive",
}

// Query returns events in timestamp-descending order, optionally
// filtered by kind and time window.
func (s *Store) Query(opts QueryOptions) ([]Envelope, error) {
	var kinds []string
	if opts.Kind != "" {
		if _, ok := allTables[opts.Kind]; !ok {
			return nil, fmt.Errorf("query: unknown kind %q", opts.Kind)
		}
		kinds = []string{opts.Kind}
	} else {
		kinds = []string{KindCommand, KindFile, KindAppFocus, KindSystemSnapshot, KindContextArchive}
	}

	var out []Envelope
	for _, kind := range kinds {
		rows, err := s.queryTable(kind, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}

	// Insertion-sort the concatenated per-table results by timestamp
	// descending; each per-table slice is already in that order.
	sortEnvelopesDesc(out)

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) queryTable(kind string, opts QueryOptions) ([]Envelope, error) {
	table := allTables[kind]
	query := fmt.Sprintf(`SELECT * FROM %s WHERE 1=1`, table)
	var args []any
	if !opts.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, opts.Since.UTC().Format(time.RFC3339Nano))
	}
	if !opts.Until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, opts.Until.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY timestamp DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", table, err)
	}

	var out []Envelope
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}

		env := Envelope{Fields: make(map[string]any, len(cols))}
		for i, col := range cols {
			switch col {
			case "event_id":
				if v, ok := vals[i].(string); ok {
					env.EventID = v
				}
			case "event_type":
				if v, ok := vals[i].(string); ok {
					env.EventType = v
				}
			case "timestamp":
				if v, ok := vals[i].(string); ok {
					if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
						env.Timestamp = t
					}
				}
			default:
				if vals[i] != nil {
					env.Fields[col] = vals[i]
				}
			}
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func sortEnvelopesDesc(envs []Envelope) {
	for i := 1; i < len(envs); i++ {
		for j := i; j > 0 && envs[j].Timestamp.After(envs[j-1].Timestamp); j-- {
			envs[j], envs[j-1] = envs[j-1], envs[j]
		}
	}
}

// RetentionFunc maps a kind to its retention window, as provided by
// config.Config.RetentionFor.
type RetentionFunc func(kind string) time.Duration

// SweepResult reports how many rows were deleted per kind.
type SweepResult map[string]int

// Sweep deletes rows older than each kind's retention window and
// returns the per-kind count removed.
func (s *Store) Sweep(retention RetentionFunc) (SweepResult, error) {
	result := make(SweepResult, len(allTables))
	for kind, table := range allTables {
		cutoff := time.Now().UTC().Add(-retention(kind))
		res, err := s.db.Exec(
			fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?`, table),
			cutoff.Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, fmt.Errorf("sweep %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("sweep %s rows affected: %w", table, err)
		}
		result[kind] = int(n)
	}
	return result, nil
}
