// Package telemetry persists completed request logs to SQLite. The gateway
// only writes here; routing decisions never read back.
package telemetry

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the request_logs table.
type Store struct {
	db *sql.DB
}

// Record is one completed request: the outcome, the payloads, and the
// serialised trace timeline.
type Record struct {
	ID                int64     `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	TraceID           string    `json:"trace_id"`
	Level             string    `json:"level"`
	Model             string    `json:"model"`
	DurationMS        float64   `json:"duration_ms"`
	Status            string    `json:"status"`
	RetryCount        int       `json:"retry_count"`
	UserPromptPreview string    `json:"user_prompt_preview"`
	FullRequest       string    `json:"full_request"`
	FullResponse      string    `json:"full_response"`
	ErrorDetail       string    `json:"error_detail,omitempty"`
	TokenSource       string    `json:"token_source,omitempty"`
	Trace             string    `json:"trace"`
}

// Filter narrows List results. Zero values match everything; Model matches
// as a substring.
type Filter struct {
	Level    string
	Status   string
	Model    string
	Page     int
	PageSize int
}

// Open opens (or creates) the log database at path with WAL journaling and
// ensures the request_logs table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("opening log database: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS request_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		trace_id TEXT,
		level TEXT,
		model TEXT,
		duration_ms REAL,
		status TEXT,
		retry_count INTEGER DEFAULT 0,
		user_prompt_preview TEXT,
		full_request TEXT,
		full_response TEXT,
		error_detail TEXT,
		token_source TEXT,
		trace TEXT
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating request_logs table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs (timestamp)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("indexing request_logs: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert appends one completed request log.
func (s *Store) Insert(rec Record) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO request_logs
			(timestamp, trace_id, level, model, duration_ms, status, retry_count,
			 user_prompt_preview, full_request, full_response, error_detail, token_source, trace)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, rec.TraceID, rec.Level, rec.Model, rec.DurationMS, rec.Status, rec.RetryCount,
		rec.UserPromptPreview, rec.FullRequest, rec.FullResponse, rec.ErrorDetail, rec.TokenSource, rec.Trace,
	)
	return err
}

// List returns one page of logs, newest first, with the total matching count.
func (s *Store) List(f Filter) (int, []Record, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}

	var conds []string
	var args []any
	if f.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, f.Level)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Model != "" {
		conds = append(conds, "model LIKE ?")
		args = append(args, "%"+f.Model+"%")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM request_logs"+where, args...).Scan(&total); err != nil {
		return 0, nil, err
	}

	query := "SELECT id, timestamp, trace_id, level, model, duration_ms, status, retry_count, " +
		"user_prompt_preview, full_request, full_response, COALESCE(error_detail, ''), COALESCE(token_source, ''), COALESCE(trace, '') " +
		"FROM request_logs" + where + " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.Query(query, append(args, f.PageSize, (f.Page-1)*f.PageSize)...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.TraceID, &r.Level, &r.Model, &r.DurationMS,
			&r.Status, &r.RetryCount, &r.UserPromptPreview, &r.FullRequest, &r.FullResponse,
			&r.ErrorDetail, &r.TokenSource, &r.Trace); err != nil {
			return 0, nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return total, out, nil
}

// Recent returns the newest n logs without filtering.
func (s *Store) Recent(n int) ([]Record, error) {
	_, recs, err := s.List(Filter{PageSize: n})
	return recs, err
}
