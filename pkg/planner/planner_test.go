package planner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const callTimeout = 2 * time.Second

// stubTransport hands every request to the test, which answers it through
// the returned call.
type stubTransport struct {
	calls chan *stubCall
}

type stubCall struct {
	req   *http.Request
	reply chan stubReply
}

type stubReply struct {
	resp *http.Response
	err  error
}

func newStubTransport() *stubTransport {
	return &stubTransport{calls: make(chan *stubCall, 64)}
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c := &stubCall{req: req, reply: make(chan stubReply, 1)}
	s.calls <- c
	r := <-c.reply
	return r.resp, r.err
}

func (s *stubTransport) next(t *testing.T) *stubCall {
	t.Helper()
	select {
	case c := <-s.calls:
		return c
	case <-time.After(callTimeout):
		t.Fatal("timed out waiting for a transport call")
		return nil
	}
}

func (s *stubTransport) expectNoCall(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-s.calls:
		t.Fatalf("unexpected transport call for %s", c.req.URL.Path)
	case <-time.After(d):
	}
}

func (c *stubCall) respond(status int, headers map[string]string) {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	c.reply <- stubReply{resp: &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    c.req,
	}}
}

func (c *stubCall) ok() {
	c.respond(http.StatusOK, nil)
}

func (c *stubCall) fail(err error) {
	c.reply <- stubReply{err: err}
}

// shiftClock is the wall clock moved forward by an adjustable offset.
type shiftClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *shiftClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *shiftClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (c *shiftClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

func newTestPlanner(t *testing.T, transport http.RoundTripper, mutate func(*Options)) *Planner {
	t.Helper()
	opts := DefaultOptions()
	opts.Jitter = 0
	opts.Rand = fixedRand(0.5)
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(transport, &opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func submit(t *testing.T, p *Planner, ctx context.Context, method, path string, body io.Reader) <-chan roundTripResult {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, method, "http://api.test"+path, body)
	require.NoError(t, err)

	out := make(chan roundTripResult, 1)
	go func() {
		resp, err := p.RoundTrip(req)
		out <- roundTripResult{resp: resp, err: err}
	}()
	return out
}

func get(t *testing.T, p *Planner, path string) <-chan roundTripResult {
	t.Helper()
	return submit(t, p, context.Background(), http.MethodGet, path, nil)
}

func await(t *testing.T, ch <-chan roundTripResult) roundTripResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(callTimeout):
		t.Fatal("timed out waiting for the round trip to settle")
		return roundTripResult{}
	}
}

func rateOverflow(retryAfterMs string) map[string]string {
	return map[string]string{"X-Lognex-Retry-After": retryAfterMs}
}

func parallelOverflow() map[string]string {
	return map[string]string{"X-Lognex-Auth": "429005"}
}

// eventRecorder collects events for assertions.
type eventRecorder struct {
	mu        sync.Mutex
	requests  []RequestEvent
	responses []ResponseEvent
	errors    []FetchErrorEvent
}

func (r *eventRecorder) OnRequest(_ *Planner, e RequestEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, e)
}

func (r *eventRecorder) OnResponse(_ *Planner, e ResponseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, e)
}

func (r *eventRecorder) OnFetchError(_ *Planner, e FetchErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, e)
}

func (r *eventRecorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests), len(r.responses), len(r.errors)
}

func TestPlanner_RoundTripThroughHTTPServer(t *testing.T) {
	// Given a server reporting its rate limit
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "45")
		w.Header().Set("X-RateLimit-Remaining", "44")
		w.Header().Set("X-Lognex-Retry-TimeInterval", "3000")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	p := newTestPlanner(t, http.DefaultTransport, nil)

	// When a request goes through the planner's client
	resp, err := p.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Then the response is returned untouched
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	// And the rate state is taken from the headers
	limit, ok := p.RateLimit()
	assert.True(t, ok)
	assert.Equal(t, 45, limit)
	remaining, ok := p.RateLimitRemaining()
	assert.True(t, ok)
	assert.Equal(t, 44, remaining)

	assert.Equal(t, 0, p.QueueLength())
	assert.Equal(t, 0, p.InflightCount())
}

func TestPlanner_EventsAcrossRetries(t *testing.T) {
	stub := newStubTransport()
	events := &eventRecorder{}
	p := newTestPlanner(t, stub, func(o *Options) { o.EventHandler = events })

	result := get(t, p, "/entity/product")

	stub.next(t).respond(http.StatusTooManyRequests, rateOverflow("10"))
	stub.next(t).respond(http.StatusTooManyRequests, parallelOverflow())
	stub.next(t).ok()

	r := await(t, result)
	require.NoError(t, r.err)
	assert.Equal(t, http.StatusOK, r.resp.StatusCode)

	require.Eventually(t, func() bool {
		_, responses, _ := events.counts()
		return responses == 3
	}, callTimeout, 5*time.Millisecond)

	events.mu.Lock()
	defer events.mu.Unlock()

	// Callbacks from different attempts run on different goroutines
	sort.Slice(events.responses, func(i, j int) bool {
		return events.responses[i].RequestID < events.responses[j].RequestID
	})

	require.Len(t, events.requests, 3)
	for i, e := range events.requests {
		assert.Equal(t, uint64(1), e.ActionID)
		assert.Equal(t, uint64(i+1), e.RequestID)
		assert.Equal(t, "http://api.test/entity/product", e.URL)
		assert.Equal(t, http.MethodGet, e.Method)
	}

	types := []ResponseType{
		ResponseRateLimitOverflow,
		ResponseParallelLimitOverflow,
		ResponseOK,
	}
	for i, e := range events.responses {
		assert.Equal(t, uint64(i+1), e.RequestID)
		assert.Equal(t, types[i], e.ResponseType)
		assert.False(t, e.EndTime.Before(e.StartTime))
	}
	assert.Empty(t, events.errors)
}

func TestPlanner_EventsPrecedeResult(t *testing.T) {
	// Given a planner with an event handler
	stub := newStubTransport()
	events := &eventRecorder{}
	p := newTestPlanner(t, stub, func(o *Options) { o.EventHandler = events })

	// When a request succeeds and another fails
	ok := get(t, p, "/ok")
	stub.next(t).ok()
	r := await(t, ok)
	require.NoError(t, r.err)

	// Then its response event was delivered before the caller saw the result
	_, responses, _ := events.counts()
	assert.Equal(t, 1, responses)

	failed := get(t, p, "/fail")
	stub.next(t).fail(errors.New("connection reset"))
	r = await(t, failed)
	require.Error(t, r.err)

	_, _, fetchErrors := events.counts()
	assert.Equal(t, 1, fetchErrors)
}

func TestPlanner_RateLimitOverflowHonorsRetryAfter(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, nil)

	result := get(t, p, "/a")

	// Given a 429 carrying a 100ms retry-after and no auth code
	replied := time.Now()
	stub.next(t).respond(http.StatusTooManyRequests, rateOverflow("100"))

	// Then the action is not sent again before 100ms have passed
	retry := stub.next(t)
	assert.GreaterOrEqual(t, time.Since(replied), 100*time.Millisecond)
	assert.Equal(t, "/a", retry.req.URL.Path)

	// And the parallel limit is not corrected
	assert.Equal(t, 0, p.ParallelLimitCorrection())

	retry.ok()
	r := await(t, result)
	require.NoError(t, r.err)
}

func TestPlanner_RetryAfterHoldsBackNewRequests(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, nil)

	first := get(t, p, "/first")
	stub.next(t).respond(http.StatusTooManyRequests, rateOverflow("150"))

	second := get(t, p, "/second")

	stub.expectNoCall(t, 100*time.Millisecond)

	call := stub.next(t)
	assert.Equal(t, "/first", call.req.URL.Path)
	call.ok()
	require.NoError(t, await(t, first).err)

	stub.next(t).ok()
	require.NoError(t, await(t, second).err)
}

func TestPlanner_ParallelLimitOverflow(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, nil)

	result := get(t, p, "/a")

	// Given a 429 with the parallel-limit auth code and no retry-after
	replied := time.Now()
	stub.next(t).respond(http.StatusTooManyRequests, parallelOverflow())

	// Then the action is requeued without a retry-after delay
	retry := stub.next(t)
	assert.Less(t, time.Since(replied), time.Second)
	assert.Equal(t, "/a", retry.req.URL.Path)

	// And the ceiling dropped by exactly one step
	assert.Equal(t, -ParallelLimitCorrectionStep, p.ParallelLimitCorrection())
	assert.Equal(t, DefaultMaxParallelLimit-1, p.Snapshot().EffectiveParallelLimit)

	retry.ok()
	require.NoError(t, await(t, result).err)
}

func TestPlanner_ParallelLimitCorrectionHeals(t *testing.T) {
	stub := newStubTransport()
	clk := &shiftClock{}
	p := newTestPlanner(t, stub, func(o *Options) {
		o.Clock = clk
		o.ParallelLimitCorrectionPeriod = time.Second
	})

	first := get(t, p, "/a")
	stub.next(t).respond(http.StatusTooManyRequests, parallelOverflow())
	stub.next(t).ok()
	require.NoError(t, await(t, first).err)
	require.Equal(t, -1, p.ParallelLimitCorrection())

	// When a full period passes without another overflow
	clk.Advance(2 * time.Second)

	// Then the next dispatch heals the correction by one step
	second := get(t, p, "/b")
	stub.next(t).ok()
	require.NoError(t, await(t, second).err)
	assert.Equal(t, 0, p.ParallelLimitCorrection())
}

func TestPlanner_ParallelLimitCorrectionNeverBelowOne(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, func(o *Options) { o.MaxParallelLimit = 2 })

	result := get(t, p, "/a")
	for i := 0; i < 4; i++ {
		stub.next(t).respond(http.StatusTooManyRequests, parallelOverflow())
	}
	stub.next(t).ok()
	require.NoError(t, await(t, result).err)

	assert.Equal(t, -1, p.ParallelLimitCorrection())
	assert.Equal(t, 1, p.Snapshot().EffectiveParallelLimit)
}

func TestPlanner_RespectsParallelLimit(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, func(o *Options) { o.MaxParallelLimit = 2 })

	var results []<-chan roundTripResult
	for i := 0; i < 5; i++ {
		results = append(results, get(t, p, "/item"))
	}

	first := stub.next(t)
	second := stub.next(t)
	stub.expectNoCall(t, 50*time.Millisecond)

	assert.Equal(t, 2, p.InflightCount())
	assert.Equal(t, 3, p.QueueLength())

	first.ok()
	third := stub.next(t)
	stub.expectNoCall(t, 20*time.Millisecond)

	second.ok()
	third.ok()
	stub.next(t).ok()
	stub.next(t).ok()

	for _, r := range results {
		require.NoError(t, await(t, r).err)
	}
	assert.Equal(t, 0, p.InflightCount())
}

type concurrencyProbe struct {
	current atomic.Int32
	peak    atomic.Int32
}

func (c *concurrencyProbe) RoundTrip(req *http.Request) (*http.Response, error) {
	n := c.current.Add(1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	c.current.Add(-1)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func TestPlanner_InflightNeverExceedsCeiling(t *testing.T) {
	probe := &concurrencyProbe{}
	p := newTestPlanner(t, probe, func(o *Options) { o.MaxParallelLimit = 3 })

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, "http://api.test/x", nil)
			if !assert.NoError(t, err) {
				return
			}
			resp, err := p.RoundTrip(req)
			if assert.NoError(t, err) {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, probe.peak.Load(), int32(3))
	assert.Greater(t, probe.peak.Load(), int32(0))
}

func TestPlanner_RequeuedActionGoesFirst(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, func(o *Options) { o.MaxParallelLimit = 1 })

	a := get(t, p, "/a")
	callA := stub.next(t)

	b := get(t, p, "/b")
	require.Eventually(t, func() bool { return p.QueueLength() == 1 }, callTimeout, time.Millisecond)
	c := get(t, p, "/c")
	require.Eventually(t, func() bool { return p.QueueLength() == 2 }, callTimeout, time.Millisecond)

	callA.respond(http.StatusTooManyRequests, rateOverflow("1"))

	var order []string
	for i := 0; i < 3; i++ {
		call := stub.next(t)
		order = append(order, call.req.URL.Path)
		call.ok()
	}
	assert.Equal(t, []string{"/a", "/b", "/c"}, order)

	for _, r := range []<-chan roundTripResult{a, b, c} {
		require.NoError(t, await(t, r).err)
	}
}

func TestPlanner_TransportErrorRejectsWaiters(t *testing.T) {
	stub := newStubTransport()
	events := &eventRecorder{}
	p := newTestPlanner(t, stub, func(o *Options) {
		o.MaxParallelLimit = 1
		o.EventHandler = events
	})

	result := get(t, p, "/a")
	call := stub.next(t)

	// Given a slot waiter blocked behind the in-flight request
	ticket := p.RequestSlot(0)
	assert.Equal(t, 1, p.SlotWaitersCount())
	assert.NoError(t, ticket.Err())

	// When the transport fails
	boom := errors.New("connection reset")
	call.fail(boom)

	// Then the caller gets the error
	r := await(t, result)
	assert.ErrorIs(t, r.err, boom)

	// And so does every pending waiter
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	assert.ErrorIs(t, ticket.Wait(ctx), boom)
	assert.Equal(t, 0, p.SlotWaitersCount())

	require.Eventually(t, func() bool {
		_, _, errs := events.counts()
		return errs == 1
	}, callTimeout, time.Millisecond)
	events.mu.Lock()
	assert.ErrorIs(t, events.errors[0].Err, boom)
	assert.Equal(t, uint64(1), events.errors[0].ActionID)
	events.mu.Unlock()
}

func TestPlanner_TransportErrorIsNotRetried(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, nil)

	result := get(t, p, "/a")
	stub.next(t).fail(io.ErrUnexpectedEOF)

	assert.ErrorIs(t, await(t, result).err, io.ErrUnexpectedEOF)
	stub.expectNoCall(t, 30*time.Millisecond)
}

func TestPlanner_CancelledQueuedRequest(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, func(o *Options) { o.MaxParallelLimit = 1 })

	a := get(t, p, "/a")
	callA := stub.next(t)

	ctx, cancel := context.WithCancel(context.Background())
	b := submit(t, p, ctx, http.MethodGet, "/b", nil)
	require.Eventually(t, func() bool { return p.QueueLength() == 1 }, callTimeout, time.Millisecond)

	ticket := p.RequestSlot(0)

	// When the queued request's context is cancelled
	cancel()

	// Then it leaves the queue with the context error
	assert.ErrorIs(t, await(t, b).err, context.Canceled)
	assert.Equal(t, 0, p.QueueLength())

	// And waiters are not rejected by a caller's own cancellation
	select {
	case <-ticket.Done():
		t.Fatal("slot waiter resolved while the request was still in flight")
	default:
	}

	callA.ok()
	require.NoError(t, await(t, a).err)
	stub.expectNoCall(t, 30*time.Millisecond)

	ctxWait, cancelWait := context.WithTimeout(context.Background(), callTimeout)
	defer cancelWait()
	assert.NoError(t, ticket.Wait(ctxWait))
}

func TestPlanner_MalformedHeaderFailsRequest(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, nil)

	result := get(t, p, "/a")
	stub.next(t).respond(http.StatusOK, map[string]string{"X-RateLimit-Limit": "forty"})

	r := await(t, result)
	require.Error(t, r.err)
	assert.True(t, IsHeaderParseError(r.err))

	_, ok := p.RateLimit()
	assert.False(t, ok)
}

func TestPlanner_MalformedRetryAfterFailsRequest(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, nil)

	result := get(t, p, "/a")
	stub.next(t).respond(http.StatusTooManyRequests, rateOverflow("soon"))

	r := await(t, result)
	assert.True(t, IsHeaderParseError(r.err))
	stub.expectNoCall(t, 30*time.Millisecond)
}

func TestPlanner_ReplaysRequestBody(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, nil)

	payload := `{"name":"widget"}`
	result := submit(t, p, context.Background(), http.MethodPost, "/entity/product", bytes.NewReader([]byte(payload)))

	for _, status := range []int{http.StatusTooManyRequests, http.StatusCreated} {
		call := stub.next(t)
		body, err := io.ReadAll(call.req.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, string(body))

		if status == http.StatusTooManyRequests {
			call.respond(status, rateOverflow("1"))
		} else {
			call.respond(status, nil)
		}
	}

	r := await(t, result)
	require.NoError(t, r.err)
	assert.Equal(t, http.StatusCreated, r.resp.StatusCode)
}

func TestPlanner_NonReplayableBodyReturnsOverflow(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, nil)

	stream := io.MultiReader(strings.NewReader("chunk"))
	result := submit(t, p, context.Background(), http.MethodPost, "/upload", stream)

	stub.next(t).respond(http.StatusTooManyRequests, rateOverflow("1"))

	r := await(t, result)
	require.NoError(t, r.err)
	assert.Equal(t, http.StatusTooManyRequests, r.resp.StatusCode)
	stub.expectNoCall(t, 30*time.Millisecond)
}

func TestPlanner_DelayAfterPartialUsage(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, func(o *Options) {
		o.Jitter = DefaultJitter
		o.Rand = nil
	})

	first := get(t, p, "/a")
	stub.next(t).respond(http.StatusOK, map[string]string{
		"X-RateLimit-Limit":           "10",
		"X-RateLimit-Remaining":       "8",
		"X-Lognex-Retry-TimeInterval": "60000",
	})
	require.NoError(t, await(t, first).err)

	second := get(t, p, "/b")
	stub.next(t).ok()
	require.NoError(t, await(t, second).err)

	delay := p.LastRequestDelay()
	maxDelay := DefaultMaxRequestDelay * 11 / 10
	assert.Greater(t, delay, time.Duration(0))
	assert.LessOrEqual(t, delay, maxDelay)
}

func TestPlanner_LastDelayBelongsToPendingTimer(t *testing.T) {
	stub := newStubTransport()
	clk := &shiftClock{}
	p := newTestPlanner(t, stub, func(o *Options) {
		o.Clock = clk
		o.MaxRequestDelay = time.Second
		o.ThrottlingCoefficient = 1
	})

	// Given an exhausted window
	first := get(t, p, "/a")
	stub.next(t).respond(http.StatusOK, map[string]string{
		"X-RateLimit-Limit":           "10",
		"X-RateLimit-Remaining":       "0",
		"X-Lognex-Retry-TimeInterval": "60000",
	})
	require.NoError(t, await(t, first).err)

	// And a request waiting on a timer planned for the full delay
	_ = get(t, p, "/b")
	require.Eventually(t, func() bool { return p.QueueLength() == 1 }, callTimeout, time.Millisecond)
	assert.Equal(t, time.Second, p.LastRequestDelay())

	// When a later submission computes a shorter delay that leaves the
	// pending timer in place
	clk.Advance(30 * time.Second)
	_ = get(t, p, "/c")
	require.Eventually(t, func() bool { return p.QueueLength() == 2 }, callTimeout, time.Millisecond)

	// Then the reported delay is still the one the timer was armed with
	assert.Equal(t, time.Second, p.LastRequestDelay())
	stub.expectNoCall(t, 30*time.Millisecond)
}

func TestPlanner_ExhaustedLimitDelaysDispatch(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, func(o *Options) {
		o.MaxRequestDelay = 200 * time.Millisecond
		o.ThrottlingCoefficient = 1
	})

	first := get(t, p, "/a")
	stub.next(t).respond(http.StatusOK, map[string]string{
		"X-RateLimit-Limit":           "10",
		"X-RateLimit-Remaining":       "0",
		"X-Lognex-Retry-TimeInterval": "60000",
	})
	require.NoError(t, await(t, first).err)

	submitted := time.Now()
	second := get(t, p, "/b")

	require.Eventually(t, func() bool { return !p.NextRequestTime().IsZero() }, callTimeout, time.Millisecond)
	stub.expectNoCall(t, 100*time.Millisecond)

	stub.next(t).ok()
	require.NoError(t, await(t, second).err)
	assert.GreaterOrEqual(t, time.Since(submitted), 150*time.Millisecond)
}

func TestPlanner_SlotWaitersServedByPriority(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, func(o *Options) {
		o.MaxParallelLimit = 1
		o.SlotHoldTimeout = time.Minute
	})

	blocker := get(t, p, "/blocker")
	call := stub.next(t)

	// Given nine waiters registered before any capacity exists
	priorities := []int{5, 3, 8, 1, 9, 2, 7, 4, 6}
	tickets := make([]*SlotTicket, len(priorities))
	for i, prio := range priorities {
		tickets[i] = p.RequestSlot(prio)
	}
	assert.Equal(t, 9, p.SlotWaitersCount())

	granted := make([]bool, len(tickets))
	newlyGranted := func() []int {
		var idx []int
		for i, tk := range tickets {
			if granted[i] {
				continue
			}
			select {
			case <-tk.Done():
				idx = append(idx, i)
			default:
			}
		}
		return idx
	}
	assert.Empty(t, newlyGranted())

	// When capacity frees one slot at a time
	call.ok()
	require.NoError(t, await(t, blocker).err)

	var order []int
	for range tickets {
		var idx []int
		require.Eventually(t, func() bool {
			idx = newlyGranted()
			return len(idx) > 0
		}, callTimeout, time.Millisecond)
		require.Len(t, idx, 1)

		i := idx[0]
		granted[i] = true
		require.NoError(t, tickets[i].Err())
		order = append(order, tickets[i].Priority())

		// The granted holder uses its slot
		r := submit(t, p, WithSlot(context.Background(), tickets[i]), http.MethodGet, "/work", nil)
		stub.next(t).ok()
		require.NoError(t, await(t, r).err)
	}

	// Then waiters were resolved in ascending priority order
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	assert.Equal(t, 0, p.SlotWaitersCount())
}

func TestPlanner_WaitForFreeSlotImmediate(t *testing.T) {
	p := newTestPlanner(t, newStubTransport(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	assert.NoError(t, p.WaitForFreeSlot(ctx, 0))
	assert.Equal(t, 0, p.Snapshot().ReservedSlots)
}

func TestPlanner_WaitForFreeSlotGrantsBeyondCeilingWhenIdle(t *testing.T) {
	// Given an idle planner with the default ceiling of 4
	p := newTestPlanner(t, newStubTransport(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	// When more callers than the ceiling wait one after another
	started := time.Now()
	for range 6 {
		require.NoError(t, p.WaitForFreeSlot(ctx, 0))
	}

	// Then each is granted at once because nothing is queued or in flight
	assert.Less(t, time.Since(started), 200*time.Millisecond)
	assert.Equal(t, 0, p.Snapshot().ReservedSlots)
}

func TestPlanner_ReleaseFreesReservation(t *testing.T) {
	p := newTestPlanner(t, newStubTransport(), func(o *Options) {
		o.MaxParallelLimit = 1
		o.SlotHoldTimeout = time.Minute
	})
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	// Given a granted ticket holding the only slot
	first := p.RequestSlot(0)
	require.NoError(t, first.Wait(ctx))
	second := p.RequestSlot(0)
	select {
	case <-second.Done():
		t.Fatal("second waiter granted while the slot is reserved")
	default:
	}

	// When the holder gives the slot back
	assert.True(t, first.Release())
	assert.False(t, first.Release())

	// Then the next waiter is served without waiting for the hold to lapse
	require.NoError(t, second.Wait(ctx))
	assert.Equal(t, 1, p.Snapshot().ReservedSlots)
}

func TestPlanner_ZeroSlotHoldDisablesReservations(t *testing.T) {
	p := newTestPlanner(t, newStubTransport(), func(o *Options) {
		o.MaxParallelLimit = 1
		o.SlotHoldTimeout = 0
	})
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	for range 3 {
		require.NoError(t, p.RequestSlot(0).Wait(ctx))
	}
	assert.Equal(t, 0, p.Snapshot().ReservedSlots)
}

func TestPlanner_OnlyTheTicketsRequestUsesItsReservation(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, func(o *Options) {
		o.MaxParallelLimit = 2
		o.SlotHoldTimeout = time.Minute
	})
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	// Given one granted ticket
	ticket := p.RequestSlot(0)
	require.NoError(t, ticket.Wait(ctx))

	// When an unrelated request is submitted
	other := get(t, p, "/other")
	otherCall := stub.next(t)

	// Then the ticket keeps its reservation and no extra waiter is granted
	assert.Equal(t, 1, p.Snapshot().ReservedSlots)
	waiter := p.RequestSlot(0)
	select {
	case <-waiter.Done():
		t.Fatal("waiter granted while the limit is taken by a reservation and a request")
	default:
	}

	// And the ticket's own request takes over the reservation
	own := submit(t, p, WithSlot(context.Background(), ticket), http.MethodGet, "/own", nil)
	require.Eventually(t, func() bool { return p.Snapshot().ReservedSlots == 0 }, callTimeout, time.Millisecond)
	assert.False(t, ticket.Release())

	otherCall.ok()
	require.NoError(t, await(t, other).err)
	stub.next(t).ok()
	require.NoError(t, await(t, own).err)
	require.NoError(t, waiter.Wait(ctx))
}

func TestPlanner_ReservationsLimitGrants(t *testing.T) {
	p := newTestPlanner(t, newStubTransport(), func(o *Options) {
		o.MaxParallelLimit = 2
		o.SlotHoldTimeout = 50 * time.Millisecond
	})

	first := p.RequestSlot(0)
	second := p.RequestSlot(0)
	third := p.RequestSlot(0)

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	require.NoError(t, first.Wait(ctx))
	require.NoError(t, second.Wait(ctx))
	select {
	case <-third.Done():
		t.Fatal("third waiter granted while two slots are reserved")
	default:
	}

	// Once the reservations lapse the third waiter is served
	require.NoError(t, third.Wait(ctx))
}

func TestPlanner_SlotWaitCancelled(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, func(o *Options) { o.MaxParallelLimit = 1 })

	_ = get(t, p, "/a")
	stub.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.WaitForFreeSlot(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.SlotWaitersCount())

	ticket := p.RequestSlot(0)
	assert.True(t, ticket.Cancel())
	assert.False(t, ticket.Cancel())
	assert.ErrorIs(t, ticket.Err(), ErrSlotCanceled)
}

func TestPlanner_Close(t *testing.T) {
	stub := newStubTransport()
	p := newTestPlanner(t, stub, func(o *Options) { o.MaxParallelLimit = 1 })

	inflight := get(t, p, "/a")
	call := stub.next(t)
	queued := get(t, p, "/b")
	require.Eventually(t, func() bool { return p.QueueLength() == 1 }, callTimeout, time.Millisecond)
	ticket := p.RequestSlot(0)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	// Queued work and waiters fail
	assert.ErrorIs(t, await(t, queued).err, ErrClosed)
	assert.ErrorIs(t, ticket.Err(), ErrClosed)

	// The in-flight request completes normally
	call.ok()
	require.NoError(t, await(t, inflight).err)

	// New work is refused
	assert.ErrorIs(t, await(t, get(t, p, "/c")).err, ErrClosed)
	assert.ErrorIs(t, p.RequestSlot(0).Err(), ErrClosed)
	assert.True(t, p.Snapshot().Closed)
}

func TestPlanner_InstancesAreIndependent(t *testing.T) {
	stubA, stubB := newStubTransport(), newStubTransport()
	events := &eventRecorder{}
	pa := newTestPlanner(t, stubA, nil)
	pb := newTestPlanner(t, stubB, func(o *Options) { o.EventHandler = events })

	ra := get(t, pa, "/a")
	stubA.next(t).ok()
	require.NoError(t, await(t, ra).err)

	rb := get(t, pb, "/b")
	stubB.next(t).ok()
	require.NoError(t, await(t, rb).err)

	require.Eventually(t, func() bool {
		requests, _, _ := events.counts()
		return requests == 1
	}, callTimeout, time.Millisecond)
	events.mu.Lock()
	assert.Equal(t, uint64(1), events.requests[0].ActionID)
	assert.Equal(t, uint64(1), events.requests[0].RequestID)
	events.mu.Unlock()
}
