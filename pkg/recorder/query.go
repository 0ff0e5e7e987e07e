package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("recorder: run not found")

// RunInfo describes a stored run.
type RunInfo struct {
	ID         string    `json:"id"`
	Process    string    `json:"process"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Events     int       `json:"events"`
}

// Summary aggregates the events of one run.
type Summary struct {
	Run            RunInfo        `json:"run"`
	Requests       int            `json:"requests"`
	Responses      map[string]int `json:"responses"`
	FetchErrors    int            `json:"fetch_errors"`
	AvgLatency     time.Duration  `json:"avg_latency"`
	MaxLatency     time.Duration  `json:"max_latency"`
	MaxQueueLength int            `json:"max_queue_length"`
	MaxInflight    int            `json:"max_inflight"`
	MinCorrection  int            `json:"min_parallel_limit_correction"`
}

// Run looks up a run by ID.
func (r *Recorder) Run(ctx context.Context, runID string) (RunInfo, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT r.id, r.process, r.started_at, r.finished_at, COUNT(e.id)
	FROM runs r LEFT JOIN events e ON e.run_id = r.id
	WHERE r.id = ?
	GROUP BY r.id`, runID)

	info, err := scanRunInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return info, err
}

// Runs lists the most recent runs, newest first.
func (r *Recorder) Runs(ctx context.Context, limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
	SELECT r.id, r.process, r.started_at, r.finished_at, COUNT(e.id)
	FROM runs r LEFT JOIN events e ON e.run_id = r.id
	GROUP BY r.id
	ORDER BY r.started_at DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var results []RunInfo
	for rows.Next() {
		info, err := scanRunInfo(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, info)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRunInfo(s scanner) (RunInfo, error) {
	var (
		info     RunInfo
		started  int64
		finished sql.NullInt64
	)
	if err := s.Scan(&info.ID, &info.Process, &started, &finished, &info.Events); err != nil {
		return RunInfo{}, err
	}
	info.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		info.FinishedAt = time.UnixMilli(finished.Int64)
	}
	return info, nil
}

// Summary aggregates the stored events of a run.
func (r *Recorder) Summary(ctx context.Context, runID string) (*Summary, error) {
	info, err := r.Run(ctx, runID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Run: info, Responses: make(map[string]int)}

	err = r.db.QueryRowContext(ctx, `
	SELECT
		COALESCE(SUM(CASE WHEN type = 'request' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN type = 'fetch-error' THEN 1 ELSE 0 END), 0),
		COALESCE(MAX(queue_length), 0),
		COALESCE(MAX(inflight), 0),
		COALESCE(MIN(parallel_limit_correction), 0)
	FROM events WHERE run_id = ?`, runID).Scan(
		&summary.Requests, &summary.FetchErrors, &summary.MaxQueueLength,
		&summary.MaxInflight, &summary.MinCorrection)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate events: %w", err)
	}

	var avgLatency sql.NullFloat64
	var maxLatency sql.NullInt64
	err = r.db.QueryRowContext(ctx, `
	SELECT AVG(end_time - start_time), MAX(end_time - start_time)
	FROM events WHERE run_id = ? AND type = 'response'`, runID).Scan(&avgLatency, &maxLatency)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate latency: %w", err)
	}
	summary.AvgLatency = time.Duration(avgLatency.Float64 * float64(time.Millisecond))
	summary.MaxLatency = time.Duration(maxLatency.Int64) * time.Millisecond

	rows, err := r.db.QueryContext(ctx, `
	SELECT response_type, COUNT(*)
	FROM events WHERE run_id = ? AND type = 'response'
	GROUP BY response_type`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count responses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		summary.Responses[typ] = count
	}
	return summary, rows.Err()
}

// Events returns the events of a run in insertion order.
func (r *Recorder) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT run_id, process, type, response_type, time, action_id, request_id, method, url,
		status_code, start_time, end_time, queue_length, inflight, last_delay_ms,
		next_request_time, rate_limit, rate_limit_remaining, parallel_limit_correction, error_message
	FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var results []Event
	for rows.Next() {
		var (
			e                                   Event
			responseType, errorMessage          sql.NullString
			at, start, lastDelay                int64
			actionID, requestID                 int64
			status, end, next, limit, remaining sql.NullInt64
		)
		err := rows.Scan(&e.RunID, &e.Process, &e.Type, &responseType, &at, &actionID, &requestID,
			&e.Method, &e.URL, &status, &start, &end, &e.QueueLength, &e.Inflight, &lastDelay,
			&next, &limit, &remaining, &e.ParallelLimitCorrection, &errorMessage)
		if err != nil {
			return nil, err
		}

		e.ResponseType = responseType.String
		e.ErrorMessage = errorMessage.String
		e.Time = time.UnixMilli(at)
		e.ActionID = uint64(actionID)
		e.RequestID = uint64(requestID)
		e.StatusCode = int(status.Int64)
		e.StartTime = time.UnixMilli(start)
		if end.Valid {
			e.EndTime = time.UnixMilli(end.Int64)
		}
		e.LastDelay = time.Duration(lastDelay) * time.Millisecond
		if next.Valid {
			e.NextRequestTime = time.UnixMilli(next.Int64)
		}
		e.RateLimit, e.HasRateLimit = int(limit.Int64), limit.Valid
		e.RateLimitRemaining, e.HasRateLimitRemaining = int(remaining.Int64), remaining.Valid
		results = append(results, e)
	}
	return results, rows.Err()
}

// ExportJSON writes the run's summary and events as one JSON document.
func (r *Recorder) ExportJSON(ctx context.Context, w io.Writer, runID string) error {
	summary, err := r.Summary(ctx, runID)
	if err != nil {
		return err
	}
	events, err := r.Events(ctx, runID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Summary *Summary `json:"summary"`
		Events  []Event  `json:"events"`
	}{summary, events})
}
