// Package usage provides persistent accounting for LLM token
// consumption and Service Host call counts. Records are append-only and
// indexed by timestamp, session, and host so the dashboard (A6) can
// render overall and per-host totals; the model is stored on each
// record but there is no per-model query. Grounded on the agent's
// internal/usage package, generalized from a single LLM-cost ledger to
// a host-agnostic call counter since Nexus's hosts (C4) cover vision,
// audio, and filesystem traffic as well as LLM traffic.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one accounted bus call: a Service Host invocation, with
// token counts populated for LLM traffic and left zero otherwise.
type Record struct {
	ID           string
	Timestamp    time.Time
	SessionID    string
	Host         string // "llm", "vision", "audio", "filesystem", "dispatcher"
	Operation    string // subject suffix, e.g. "request", "embed", "ocr.request"
	Model        string
	InputTokens  int
	OutputTokens int
}

// Summary holds aggregated totals for a query window.
type Summary struct {
	Calls        int
	InputTokens  int64
	OutputTokens int64
}

// Store is an append-only SQLite accounting ledger. All public methods
// are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates or opens a usage store at dbPath. The schema is created
// automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		session_id    TEXT,
		host          TEXT NOT NULL,
		operation     TEXT NOT NULL,
		model         TEXT,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_usage_host ON usage_records(host);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty, a UUID is
// generated. The context is used for cancellation only; a failure here
// never blocks the call it's accounting for (see hosts.Recorder).
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, session_id, host, operation, model, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.SessionID,
		rec.Host,
		rec.Operation,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano),
	)
	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByHost returns per-host aggregated totals for [start, end).
func (s *Store) SummaryByHost(start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.Query(
		`SELECT host, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE timestamp >= ? AND timestamp < ? GROUP BY host`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by host: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var host string
		var sum Summary
		if err := rows.Scan(&host, &sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by host: %w", err)
		}
		result[host] = &sum
	}
	return result, rows.Err()
}

// HostRecorder adapts a Store to the hosts.Recorder interface for one
// named Service Host, so each host (hosts.NewLLMHost's SetRecorder, and
// future hosts) can account into the same ledger without this package
// importing internal/hosts.
type HostRecorder struct {
	Store *Store
	Host  string
}

// Record implements hosts.Recorder. The Store's error is discarded:
// nothing is logged and the caller is not told that accounting failed.
func (r HostRecorder) Record(ctx context.Context, operation, model string, inputTokens, outputTokens int) {
	_ = r.Store.Record(ctx, Record{
		Host:         r.Host,
		Operation:    operation,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
}
