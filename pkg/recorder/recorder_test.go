package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaneisley/fetchplanner/pkg/planner"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	rec, err := Open(filepath.Join(t.TempDir(), "nested", "runs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })
	return rec
}

func requestEvent(action, request uint64, start time.Time) planner.RequestEvent {
	return planner.RequestEvent{
		ActionID:  action,
		RequestID: request,
		Method:    http.MethodGet,
		URL:       "http://api.test/items",
		StartTime: start,
	}
}

func TestRecorder_SummaryAggregatesRun(t *testing.T) {
	// Given a run with two OK responses, one overflow and one fetch error
	rec := openTestRecorder(t)
	ctx := context.Background()
	run, err := rec.StartRun(ctx, "worker-1")
	require.NoError(t, err)

	start := time.UnixMilli(1_700_000_000_000)
	for i, d := range []time.Duration{100 * time.Millisecond, 300 * time.Millisecond} {
		req := requestEvent(uint64(i+1), uint64(i+1), start)
		run.OnRequest(nil, req)
		run.OnResponse(nil, planner.ResponseEvent{
			RequestEvent: req, EndTime: start.Add(d), StatusCode: 200, ResponseType: planner.ResponseOK,
		})
	}
	overflow := requestEvent(3, 3, start)
	run.OnRequest(nil, overflow)
	run.OnResponse(nil, planner.ResponseEvent{
		RequestEvent: overflow, EndTime: start.Add(200 * time.Millisecond),
		StatusCode: 429, ResponseType: planner.ResponseParallelLimitOverflow,
	})
	failed := requestEvent(4, 4, start)
	run.OnRequest(nil, failed)
	run.OnFetchError(nil, planner.FetchErrorEvent{
		RequestEvent: failed, ErrorTime: start.Add(time.Second), Err: errors.New("connection refused"),
	})
	require.NoError(t, run.Finish(ctx))

	// When the events are flushed and summarized
	require.NoError(t, rec.Flush(ctx))
	summary, err := rec.Summary(ctx, run.ID)

	// Then the aggregates reflect the recorded events
	require.NoError(t, err)
	assert.Equal(t, run.ID, summary.Run.ID)
	assert.Equal(t, "worker-1", summary.Run.Process)
	assert.False(t, summary.Run.FinishedAt.IsZero())
	assert.Equal(t, 8, summary.Run.Events)
	assert.Equal(t, 4, summary.Requests)
	assert.Equal(t, 1, summary.FetchErrors)
	assert.Equal(t, map[string]int{"OK": 2, "PARALLEL_LIMIT_OVERFLOW": 1}, summary.Responses)
	assert.Equal(t, 200*time.Millisecond, summary.AvgLatency)
	assert.Equal(t, 300*time.Millisecond, summary.MaxLatency)
}

func TestRecorder_EventsRoundTrip(t *testing.T) {
	rec := openTestRecorder(t)
	ctx := context.Background()
	run, err := rec.StartRun(ctx, "p")
	require.NoError(t, err)

	start := time.UnixMilli(1_700_000_000_000)
	run.OnFetchError(nil, planner.FetchErrorEvent{
		RequestEvent: requestEvent(7, 9, start), ErrorTime: start.Add(time.Second), Err: errors.New("boom"),
	})
	require.NoError(t, rec.Flush(ctx))

	events, err := rec.Events(ctx, run.ID)

	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, TypeFetchError, e.Type)
	assert.Equal(t, uint64(7), e.ActionID)
	assert.Equal(t, uint64(9), e.RequestID)
	assert.Equal(t, "boom", e.ErrorMessage)
	assert.True(t, e.StartTime.Equal(start))
	assert.True(t, e.EndTime.Equal(start.Add(time.Second)))
	assert.False(t, e.HasRateLimit)
}

func TestRecorder_UnknownRun(t *testing.T) {
	rec := openTestRecorder(t)

	_, err := rec.Summary(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRecorder_RunsNewestFirst(t *testing.T) {
	rec := openTestRecorder(t)
	ctx := context.Background()
	first, err := rec.StartRun(ctx, "a")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := rec.StartRun(ctx, "b")
	require.NoError(t, err)

	runs, err := rec.Runs(ctx, 10)

	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)
}

func TestRecorder_CloseFlushesPendingEvents(t *testing.T) {
	// Given events recorded just before Close
	path := filepath.Join(t.TempDir(), "runs.db")
	rec, err := Open(path, nil)
	require.NoError(t, err)
	ctx := context.Background()
	run, err := rec.StartRun(ctx, "p")
	require.NoError(t, err)
	for i := 1; i <= 50; i++ {
		run.OnRequest(nil, requestEvent(uint64(i), uint64(i), time.Now()))
	}
	require.NoError(t, rec.Close())

	// When the database is reopened
	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	summary, err := reopened.Summary(ctx, run.ID)

	// Then every event was written
	require.NoError(t, err)
	assert.Equal(t, 50, summary.Requests)
}

func TestRecorder_ClosedRecorder(t *testing.T) {
	rec, err := Open(filepath.Join(t.TempDir(), "runs.db"), nil)
	require.NoError(t, err)
	run, err := rec.StartRun(context.Background(), "p")
	require.NoError(t, err)
	require.NoError(t, rec.Close())

	assert.ErrorIs(t, rec.Flush(context.Background()), ErrClosed)
	assert.NotPanics(t, func() { run.OnRequest(nil, requestEvent(1, 1, time.Now())) })
	assert.NoError(t, rec.Close())
}

func TestRecorder_ExportJSON(t *testing.T) {
	rec := openTestRecorder(t)
	ctx := context.Background()
	run, err := rec.StartRun(ctx, "p")
	require.NoError(t, err)
	run.OnRequest(nil, requestEvent(1, 1, time.Now()))
	require.NoError(t, rec.Flush(ctx))

	var buf bytes.Buffer
	require.NoError(t, rec.ExportJSON(ctx, &buf, run.ID))

	var doc struct {
		Summary Summary `json:"summary"`
		Events  []Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, run.ID, doc.Summary.Run.ID)
	require.Len(t, doc.Events, 1)
	assert.Equal(t, TypeRequest, doc.Events[0].Type)
}

func TestRecorder_RecordsPlannerState(t *testing.T) {
	// Given a planner whose handler is a recorder run
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "45")
		w.Header().Set("X-RateLimit-Remaining", "44")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rec := openTestRecorder(t)
	ctx := context.Background()
	run, err := rec.StartRun(ctx, "integration")
	require.NoError(t, err)

	opts := planner.DefaultOptions()
	opts.EventHandler = run
	p, err := planner.New(http.DefaultTransport, &opts)
	require.NoError(t, err)
	defer p.Close()

	// When a request completes
	resp, err := p.Client().Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	// Then the response row carries the rate state observed after it
	var events []Event
	require.Eventually(t, func() bool {
		if rec.Flush(ctx) != nil {
			return false
		}
		events, err = rec.Events(ctx, run.ID)
		return err == nil && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, TypeRequest, events[0].Type)
	assert.Equal(t, TypeResponse, events[1].Type)
	assert.Equal(t, "OK", events[1].ResponseType)
	assert.Equal(t, 200, events[1].StatusCode)
	assert.True(t, events[1].HasRateLimit)
	assert.Equal(t, 45, events[1].RateLimit)
	assert.Equal(t, 44, events[1].RateLimitRemaining)
}
