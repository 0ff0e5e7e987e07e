// Package recorder stores planner events in SQLite so load-test runs can be
// inspected after the process exits.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shaneisley/fetchplanner/pkg/logging"
)

// DefaultBufferSize is the number of events that may wait for the writer
// before handlers block.
const DefaultBufferSize = 1024

// ErrClosed is returned when recording after Close.
var ErrClosed = errors.New("recorder: closed")

// Recorder owns the SQLite database and the writer goroutine that drains
// event rows into it.
type Recorder struct {
	db     *sql.DB
	path   string
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
	ops    chan writeOp
	done   chan struct{}
}

// writeOp is either an event to insert or a flush marker.
type writeOp struct {
	event   *Event
	flushed chan struct{}
}

// Open creates or opens the database at path and starts the writer.
func Open(path string, logger *logging.Logger) (*Recorder, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared between the
	// writer and readers.
	db.SetMaxOpenConns(1)

	r := &Recorder{
		db:     db,
		path:   path,
		logger: logger.WithComponent("recorder"),
		ops:    make(chan writeOp, DefaultBufferSize),
		done:   make(chan struct{}),
	}

	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	go r.writer()
	return r, nil
}

// initSchema creates the database tables
func (r *Recorder) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		process TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		process TEXT NOT NULL,
		type TEXT NOT NULL,
		response_type TEXT,
		time INTEGER NOT NULL,
		action_id INTEGER NOT NULL,
		request_id INTEGER NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		status_code INTEGER,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		queue_length INTEGER NOT NULL,
		inflight INTEGER NOT NULL,
		last_delay_ms INTEGER NOT NULL,
		next_request_time INTEGER,
		rate_limit INTEGER,
		rate_limit_remaining INTEGER,
		parallel_limit_correction INTEGER NOT NULL,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Path returns the database location.
func (r *Recorder) Path() string {
	return r.path
}

// StartRun registers a new run and returns the handle that records its
// events.
func (r *Recorder) StartRun(ctx context.Context, process string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Process:   process,
		StartedAt: time.Now(),
		rec:       r,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (id, process, started_at) VALUES (?, ?, ?)`,
		run.ID, run.Process, run.StartedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	r.logger.Debug("run started", "run_id", run.ID, "process", process)
	return run, nil
}

// enqueue hands an event to the writer. It blocks while the buffer is full.
func (r *Recorder) enqueue(e *Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrClosed
	}
	r.ops <- writeOp{event: e}
	return nil
}

// Flush waits until every event enqueued before the call is written.
func (r *Recorder) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	r.ops <- writeOp{flushed: flushed}
	r.mu.RUnlock()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending events, stops the writer and closes the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ops)
	r.mu.Unlock()

	<-r.done
	return r.db.Close()
}

func (r *Recorder) writer() {
	defer close(r.done)

	for op := range r.ops {
		if op.flushed != nil {
			close(op.flushed)
			continue
		}
		if err := r.insert(op.event); err != nil {
			r.logger.LogError("insert event", err, "run_id", op.event.RunID, "type", op.event.Type)
		}
	}
}

func (r *Recorder) insert(e *Event) error {
	query := `
	INSERT INTO events (
		run_id, process, type, response_type, time, action_id, request_id, method, url,
		status_code, start_time, end_time, queue_length, inflight, last_delay_ms,
		next_request_time, rate_limit, rate_limit_remaining, parallel_limit_correction, error_message
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.Exec(query,
		e.RunID, e.Process, e.Type, nullString(e.ResponseType), e.Time.UnixMilli(),
		int64(e.ActionID), int64(e.RequestID), e.Method, e.URL,
		nullInt(e.StatusCode, e.StatusCode != 0), e.StartTime.UnixMilli(), nullTime(e.EndTime),
		e.QueueLength, e.Inflight, e.LastDelay.Milliseconds(), nullTime(e.NextRequestTime),
		nullInt(e.RateLimit, e.HasRateLimit), nullInt(e.RateLimitRemaining, e.HasRateLimitRemaining),
		e.ParallelLimitCorrection, nullString(e.ErrorMessage))
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int, valid bool) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: valid}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// GetDefaultDatabasePath returns the default database path
func GetDefaultDatabasePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./fetchplanner.db"
	}
	return filepath.Join(homeDir, ".fetchplanner", "runs.db")
}
