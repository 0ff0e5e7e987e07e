// Package loadtest drives a planner the way a busy client would: it waits
// for a free request slot, fires the request without waiting for it, and
// moves on to the next one.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaneisley/fetchplanner/pkg/logging"
	"github.com/shaneisley/fetchplanner/pkg/planner"
)

// DefaultConcurrency caps the number of outstanding requests per run.
const DefaultConcurrency = 64

// Params describes one load-test run
type Params struct {
	// URL is the base address. Paths, if set, are appended in turn.
	URL   string
	Paths []string

	Method string

	// Requests stops the run after this many requests. Zero means run until
	// Duration elapses.
	Requests int
	Duration time.Duration

	// Priority is the slot priority of every request.
	Priority int

	// Concurrency bounds outstanding requests.
	Concurrency int

	Logger *logging.Logger

	// OnResult, if set, is called after each request completes.
	OnResult func(Result)
}

// Result describes one finished request
type Result struct {
	Index      int
	URL        string
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Summary aggregates a run
type Summary struct {
	Requests    int         `json:"requests"`
	OK          int         `json:"ok"`
	Failed      int         `json:"failed"`
	SlotErrors  int         `json:"slot_errors"`
	StatusCodes map[int]int `json:"status_codes"`
	Errors      []string    `json:"errors,omitempty"`

	Duration       time.Duration `json:"duration"`
	TotalLatency   time.Duration `json:"total_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
	MaxQueueLength int           `json:"max_queue_length"`
	MaxInflight    int           `json:"max_inflight"`
	MinCorrection  int           `json:"min_parallel_limit_correction"`
}

// maxErrors bounds the distinct error messages kept in a Summary.
const maxErrors = 10

func newSummary() *Summary {
	return &Summary{StatusCodes: make(map[int]int)}
}

// AvgLatency returns the mean request latency.
func (s *Summary) AvgLatency() time.Duration {
	done := s.OK + s.Failed
	if done == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(done)
}

// Merge folds other into s. Durations take the longest run.
func (s *Summary) Merge(other *Summary) {
	s.Requests += other.Requests
	s.OK += other.OK
	s.Failed += other.Failed
	s.SlotErrors += other.SlotErrors
	for code, n := range other.StatusCodes {
		s.StatusCodes[code] += n
	}
	for _, e := range other.Errors {
		s.addError(e)
	}
	s.Duration = max(s.Duration, other.Duration)
	s.TotalLatency += other.TotalLatency
	s.MaxLatency = max(s.MaxLatency, other.MaxLatency)
	s.MaxQueueLength = max(s.MaxQueueLength, other.MaxQueueLength)
	s.MaxInflight = max(s.MaxInflight, other.MaxInflight)
	s.MinCorrection = min(s.MinCorrection, other.MinCorrection)
}

func (s *Summary) addError(msg string) {
	if len(s.Errors) >= maxErrors {
		return
	}
	for _, e := range s.Errors {
		if e == msg {
			return
		}
	}
	s.Errors = append(s.Errors, msg)
}

func (s *Summary) observe(snap planner.Snapshot) {
	s.MaxQueueLength = max(s.MaxQueueLength, snap.QueueLength)
	s.MaxInflight = max(s.MaxInflight, snap.InflightCount)
	s.MinCorrection = min(s.MinCorrection, snap.ParallelLimitCorrection)
}

// Run issues requests through client, waiting on p for a free slot before
// each one. It returns when the request budget or duration is spent and
// every outstanding request has finished.
func Run(ctx context.Context, client *http.Client, p *planner.Planner, params Params) (*Summary, error) {
	if params.URL == "" {
		return nil, errors.New("loadtest: URL is required")
	}
	if params.Requests <= 0 && params.Duration <= 0 {
		return nil, errors.New("loadtest: either requests or duration must be set")
	}
	if params.Method == "" {
		params.Method = http.MethodGet
	}
	if params.Concurrency <= 0 {
		params.Concurrency = DefaultConcurrency
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("loadtest")

	runCtx := ctx
	if params.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, params.Duration)
		defer cancel()
	}

	var (
		mu      sync.Mutex
		summary = newSummary()
		started = time.Now()
	)

	// Outstanding requests run on ctx, not runCtx, so the duration only
	// stops new requests from being issued.
	g := new(errgroup.Group)
	g.SetLimit(params.Concurrency)

	var loopErr error
	for i := 0; params.Requests <= 0 || i < params.Requests; i++ {
		ticket := p.RequestSlot(params.Priority)
		if err := ticket.Wait(runCtx); err != nil {
			if runCtx.Err() != nil {
				break
			}
			if errors.Is(err, planner.ErrClosed) {
				loopErr = err
				break
			}
			mu.Lock()
			summary.SlotErrors++
			summary.addError(err.Error())
			mu.Unlock()
			logger.Warn("slot wait failed", "index", i, "error", err)
			continue
		}

		mu.Lock()
		summary.Requests++
		summary.observe(p.Snapshot())
		mu.Unlock()

		index := i
		target := targetURL(params, index)
		g.Go(func() error {
			defer ticket.Release()
			r := do(planner.WithSlot(ctx, ticket), client, params.Method, target)
			r.Index = index

			mu.Lock()
			summary.record(r)
			summary.observe(p.Snapshot())
			mu.Unlock()

			if r.Err != nil {
				logger.Debug("request failed", "index", index, "url", target, "error", r.Err)
			}
			if params.OnResult != nil {
				params.OnResult(r)
			}
			return nil
		})
	}

	g.Wait()
	summary.Duration = time.Since(started)

	logger.Info("load test finished",
		"requests", summary.Requests,
		"ok", summary.OK,
		"failed", summary.Failed,
		"duration", summary.Duration)
	return summary, loopErr
}

func (s *Summary) record(r Result) {
	s.TotalLatency += r.Duration
	s.MaxLatency = max(s.MaxLatency, r.Duration)
	if r.Err != nil {
		s.Failed++
		s.addError(r.Err.Error())
		return
	}
	s.StatusCodes[r.StatusCode]++
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		s.OK++
	} else {
		s.Failed++
	}
}

func targetURL(params Params, i int) string {
	if len(params.Paths) == 0 {
		return params.URL
	}
	path := params.Paths[i%len(params.Paths)]
	return strings.TrimRight(params.URL, "/") + "/" + strings.TrimLeft(path, "/")
}

func do(ctx context.Context, client *http.Client, method, target string) Result {
	start := time.Now()
	r := Result{URL: target}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		r.Err = fmt.Errorf("build request: %w", err)
		return r
	}

	resp, err := client.Do(req)
	if err != nil {
		r.Err = err
		r.Duration = time.Since(start)
		return r
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	r.StatusCode = resp.StatusCode
	r.Duration = time.Since(start)
	return r
}
