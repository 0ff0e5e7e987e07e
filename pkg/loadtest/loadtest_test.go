package loadtest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaneisley/fetchplanner/pkg/mockapi"
	"github.com/shaneisley/fetchplanner/pkg/planner"
)

func newPlanner(t *testing.T, maxParallel int) *planner.Planner {
	t.Helper()
	opts := planner.DefaultOptions()
	opts.MaxParallelLimit = maxParallel
	opts.MaxRequestDelay = 300 * time.Millisecond
	p, err := planner.New(http.DefaultTransport, &opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRun_AgainstMockAPI(t *testing.T) {
	// Given a rate-limited API and a planner in front of it
	api, err := mockapi.New(mockapi.Config{Limit: 10, Window: 500 * time.Millisecond, MaxParallel: 3, Latency: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	server := httptest.NewServer(api)
	defer server.Close()

	p := newPlanner(t, 3)

	var seen sync.Map
	var results atomic.Int32

	// When running a fixed number of requests
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	summary, err := Run(ctx, p.Client(), p, Params{
		URL:      server.URL,
		Paths:    []string{"entity/demand", "/entity/customerorder"},
		Requests: 20,
		OnResult: func(r Result) {
			results.Add(1)
			seen.Store(r.URL, true)
		},
	})

	// Then every request succeeds and the parallel ceiling held
	require.NoError(t, err)
	assert.Equal(t, 20, summary.Requests)
	assert.Equal(t, 20, summary.OK)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, map[int]int{http.StatusOK: 20}, summary.StatusCodes)
	assert.LessOrEqual(t, summary.MaxInflight, 3)
	assert.Equal(t, int32(20), results.Load())
	_, ok := seen.Load(server.URL + "/entity/demand")
	assert.True(t, ok)
	_, ok = seen.Load(server.URL + "/entity/customerorder")
	assert.True(t, ok)
	assert.Greater(t, summary.AvgLatency(), time.Duration(0))
}

func TestRun_Duration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()
	p := newPlanner(t, 2)

	start := time.Now()
	summary, err := Run(context.Background(), p.Client(), p, Params{URL: server.URL, Duration: 200 * time.Millisecond})

	require.NoError(t, err)
	assert.Greater(t, summary.Requests, 0)
	assert.Equal(t, summary.Requests, summary.OK)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_CountsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	p := newPlanner(t, 2)

	summary, err := Run(context.Background(), p.Client(), p, Params{URL: server.URL, Requests: 3})

	require.NoError(t, err)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 3, summary.StatusCodes[http.StatusServiceUnavailable])
}

func TestRun_ClosedPlanner(t *testing.T) {
	p := newPlanner(t, 1)
	require.NoError(t, p.Close())

	_, err := Run(context.Background(), p.Client(), p, Params{URL: "http://api.test", Requests: 1})

	assert.ErrorIs(t, err, planner.ErrClosed)
}

func TestRun_Validation(t *testing.T) {
	p := newPlanner(t, 1)

	_, err := Run(context.Background(), p.Client(), p, Params{Requests: 1})
	assert.Error(t, err)

	_, err = Run(context.Background(), p.Client(), p, Params{URL: "http://api.test"})
	assert.Error(t, err)
}

func TestSummary_Merge(t *testing.T) {
	a := newSummary()
	a.Requests, a.OK, a.StatusCodes[200] = 2, 2, 2
	a.MaxLatency = time.Second
	a.MinCorrection = -1
	a.addError("boom")

	b := newSummary()
	b.Requests, b.Failed, b.StatusCodes[500] = 1, 1, 1
	b.MaxQueueLength = 4
	b.MinCorrection = -2
	b.addError("boom")
	b.addError("bang")

	a.Merge(b)

	assert.Equal(t, 3, a.Requests)
	assert.Equal(t, 2, a.OK)
	assert.Equal(t, 1, a.Failed)
	assert.Equal(t, map[int]int{200: 2, 500: 1}, a.StatusCodes)
	assert.Equal(t, 4, a.MaxQueueLength)
	assert.Equal(t, -2, a.MinCorrection)
	assert.Equal(t, []string{"boom", "bang"}, a.Errors)
}

func TestTargetURL(t *testing.T) {
	params := Params{URL: "http://api.test/", Paths: []string{"a", "/b"}}

	assert.Equal(t, "http://api.test/a", targetURL(params, 0))
	assert.Equal(t, "http://api.test/b", targetURL(params, 1))
	assert.Equal(t, "http://api.test/a", targetURL(params, 2))
	assert.Equal(t, "http://api.test", targetURL(Params{URL: "http://api.test"}, 5))
}
