package planner

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/shaneisley/fetchplanner/pkg/logging"
)

// maxDrainBytes bounds how much of a 429 body is read before it is closed.
const maxDrainBytes = 64 << 10

// Planner is an http.RoundTripper that admits requests to an underlying
// transport at a pace derived from the server's rate-limit headers and a
// self-correcting ceiling on parallel requests.
type Planner struct {
	mu sync.Mutex

	transport http.RoundTripper
	opts      Options
	clock     Clock
	logger    *logging.Logger
	handler   EventHandler

	headers   []rateHeader
	delays    *DelayCalculator
	corrector *ParallelLimitCorrector

	queue   admissionQueue
	waiters slotRegistry
	timer   dispatchTimer

	hold    Timer
	holdAt  time.Time
	holdGen uint64

	rate             RateState
	inflight         int
	actionSeq        uint64
	requestSeq       uint64
	lastRequestStart time.Time
	lastRequestDelay time.Duration
	nextRequestTime  time.Time
	notBefore        time.Time
	closed           bool

	// pending holds event callbacks and goroutine launches queued while the
	// lock is held. unlock runs them in order.
	pending []func()
}

// attemptResult is the outcome of one transport attempt, classified
// outside the lock.
type attemptResult struct {
	resp          *http.Response
	err           error
	end           time.Time
	kind          ResponseType
	rates         rateValues
	retryAfter    time.Duration
	hasRetryAfter bool
}

// New creates a Planner in front of transport. A nil opts uses
// DefaultOptions.
func New(transport http.RoundTripper, opts *Options) (*Planner, error) {
	if transport == nil {
		return nil, fmt.Errorf("planner: transport is required")
	}

	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	if o.Clock == nil {
		o.Clock = wallClock{}
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}

	p := &Planner{
		transport: transport,
		opts:      o,
		clock:     o.Clock,
		logger:    o.Logger.WithComponent("planner"),
		handler:   o.EventHandler,
		headers:   rateHeaderTable(o.Headers),
		delays:    NewDelayCalculator(o.ThrottlingCoefficient, o.MaxRequestDelay, o.Jitter, o.Rand),
		corrector: NewParallelLimitCorrector(o.MaxParallelLimit, o.ParallelLimitCorrectionPeriod, o.Jitter, o.Rand),
	}
	p.timer.clock = o.Clock
	return p, nil
}

// Transport returns the wrapped transport routing calls through the
// admission queue.
func (p *Planner) Transport() http.RoundTripper {
	return p
}

// Client returns an http.Client using the planner as its transport.
func (p *Planner) Client() *http.Client {
	return &http.Client{Transport: p}
}

// RoundTrip queues req and returns once it has been settled. Rate and
// parallel limit overflows are retried internally and never reach the
// caller unless the request body cannot be replayed.
func (p *Planner) RoundTrip(req *http.Request) (*http.Response, error) {
	a, err := p.submit(req)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-a.result:
		return r.resp, r.err
	case <-req.Context().Done():
		return p.abandon(a, req.Context().Err())
	}
}

func (p *Planner) submit(req *http.Request) (*action, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.unlock()

	if p.closed {
		return nil, ErrClosed
	}

	p.actionSeq++
	a := newAction(p.actionSeq, req)
	p.queue.Enqueue(a)
	if t := slotFromContext(req.Context()); t != nil && t.p == p {
		p.waiters.Release(t.w)
	}
	p.plan(time.Time{})
	return a, nil
}

// abandon withdraws a still-queued action after its context is done. An
// action already handed to the transport is waited for.
func (p *Planner) abandon(a *action, err error) (*http.Response, error) {
	p.mu.Lock()
	if p.queue.Remove(a) {
		a.settle(nil, err)
		p.logger.Debug("queued action abandoned", "action_id", a.id, "error", err)
		p.notifyLocked()
	}
	p.unlock()

	r := <-a.result
	return r.resp, r.err
}

// RequestSlot registers a waiter for admission capacity. Lower priority
// values are served first; ties go to the earliest registration. Once
// granted, the slot stays reserved for SlotHoldTimeout or until it is used
// by a request carrying the ticket (see WithSlot) or given back with
// Release.
func (p *Planner) RequestSlot(priority int) *SlotTicket {
	return p.requestSlot(priority, true)
}

// WaitForFreeSlot blocks until queued and in-flight work is below the
// effective parallel limit. The grant reserves nothing, which suits a
// request issued outside the planner that still counts against the same
// limits.
func (p *Planner) WaitForFreeSlot(ctx context.Context, priority int) error {
	return p.requestSlot(priority, false).Wait(ctx)
}

func (p *Planner) requestSlot(priority int, hold bool) *SlotTicket {
	p.mu.Lock()
	defer p.unlock()

	w := p.waiters.Register(priority, hold)
	if p.closed {
		p.waiters.Remove(w)
		w.resolve(ErrClosed)
	} else {
		p.notifyLocked()
	}
	return &SlotTicket{p: p, w: w}
}

func (p *Planner) cancelWaiter(w *slotWaiter) bool {
	p.mu.Lock()
	defer p.unlock()

	if !p.waiters.Remove(w) {
		return false
	}
	w.resolve(ErrSlotCanceled)
	return true
}

func (p *Planner) releaseSlot(w *slotWaiter) bool {
	p.mu.Lock()
	defer p.unlock()

	if !p.waiters.Release(w) {
		return false
	}
	p.notifyLocked()
	return true
}

// Close stops scheduling. Queued actions and pending slot waiters fail with
// ErrClosed; requests already in flight complete normally.
func (p *Planner) Close() error {
	p.mu.Lock()
	defer p.unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.timer.Cancel()
	p.nextRequestTime = time.Time{}
	p.stopHold()

	actions := p.queue.Drain()
	for _, a := range actions {
		a.settle(nil, ErrClosed)
	}
	rejected := p.waiters.RejectAll(ErrClosed)
	p.waiters.ReleaseAll()

	p.logger.Debug("planner closed", "queued_actions", len(actions), "slot_waiters", rejected, "inflight", p.inflight)
	return nil
}

// plan arms the dispatch timer for the earliest moment the next queued
// action may go out. explicit, if set, is a floor from a retry-after hint.
func (p *Planner) plan(explicit time.Time) {
	if explicit.After(p.notBefore) {
		p.notBefore = explicit
	}
	if p.closed || p.queue.Len() == 0 {
		return
	}

	now := p.clock.Now()
	delay := p.delays.Delay(p.rate, now.Sub(p.lastRequestStart))

	candidate := now.Add(delay)
	if candidate.Before(p.notBefore) {
		candidate = p.notBefore
	}

	if p.timer.Pending() {
		at := p.timer.At()
		if !at.After(candidate) && !at.Before(p.notBefore) {
			return
		}
	}

	p.timer.Arm(now, candidate, p.fire)
	p.lastRequestDelay = delay
	p.nextRequestTime = candidate
	p.logger.Debug("dispatch planned",
		"delay", delay,
		"at", candidate,
		"queue_length", p.queue.Len(),
		"inflight", p.inflight)
}

func (p *Planner) fire(gen uint64) {
	p.mu.Lock()
	defer p.unlock()

	if !p.timer.Fired(gen) {
		return
	}
	p.nextRequestTime = time.Time{}

	if p.closed || p.queue.Len() == 0 {
		return
	}

	if p.corrector.Review(p.clock.Now()) {
		p.logger.Debug("parallel limit correction healed",
			"correction", p.corrector.Correction(),
			"effective", p.corrector.Effective())
		p.notifyLocked()
	}

	if p.inflight >= p.corrector.Effective() {
		p.logger.Debug("dispatch deferred, parallel limit reached",
			"inflight", p.inflight,
			"effective", p.corrector.Effective())
		return
	}

	p.dispatch()
}

// dispatch promotes the head of the queue to in flight.
func (p *Planner) dispatch() {
	a, ok := p.queue.DequeueNext()
	if !ok {
		panic("planner: dispatch from empty admission queue")
	}

	now := p.clock.Now()
	p.inflight++
	p.requestSeq++
	p.lastRequestStart = now
	a.attempts++

	ev := RequestEvent{
		ActionID:  a.id,
		RequestID: p.requestSeq,
		Method:    a.req.Method,
		URL:       a.req.URL.String(),
		StartTime: now,
	}

	if p.handler != nil {
		p.pending = append(p.pending, func() { p.handler.OnRequest(p, ev) })
	}
	p.pending = append(p.pending, func() { go p.execute(a, ev) })

	p.plan(time.Time{})
}

func (p *Planner) execute(a *action, ev RequestEvent) {
	r := p.attempt(a)
	p.complete(a, ev, r)
}

// attempt performs the transport call and classifies the result. No
// planner state is touched here.
func (p *Planner) attempt(a *action) attemptResult {
	req, err := a.attemptRequest()
	if err != nil {
		return attemptResult{err: fmt.Errorf("planner: rewind request body: %w", err), end: p.clock.Now()}
	}

	resp, err := p.transport.RoundTrip(req)
	r := attemptResult{end: p.clock.Now()}
	if err != nil {
		r.err = err
		return r
	}

	rates, err := parseRateHeaders(p.headers, resp.Header)
	if err != nil {
		resp.Body.Close()
		r.err = err
		return r
	}
	r.rates = rates
	r.resp = resp
	r.kind = ResponseOK

	if resp.StatusCode != http.StatusTooManyRequests {
		return r
	}

	if resp.Header.Get(p.opts.Headers.AuthCode) == p.opts.Headers.ParallelLimitCode {
		r.kind = ResponseParallelLimitOverflow
	} else {
		r.kind = ResponseRateLimitOverflow
		ms, ok, err := parseNumberHeader(resp.Header, p.opts.Headers.RetryAfter)
		if err != nil {
			resp.Body.Close()
			r.resp = nil
			r.rates = nil
			r.err = err
			return r
		}
		if ok {
			r.retryAfter = time.Duration(ms) * time.Millisecond
			r.hasRetryAfter = true
		}
	}

	if a.replayable() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		resp.Body.Close()
	}
	return r
}

// complete applies an attempt's outcome and settles or requeues its action.
func (p *Planner) complete(a *action, ev RequestEvent, r attemptResult) {
	p.mu.Lock()
	defer p.unlock()

	p.inflight--
	if r.rates != nil {
		p.rate = r.rates.apply(p.rate)
	}

	var retryAt time.Time
	switch {
	case r.err != nil:
		p.logger.Debug("request failed", "action_id", a.id, "request_id", ev.RequestID, "error", r.err)

		// A caller giving up on its own request says nothing about the
		// transport, so only other failures reach the slot waiters.
		if a.req.Context().Err() == nil {
			if n := p.waiters.RejectAll(r.err); n > 0 {
				p.logger.Debug("slot waiters rejected", "count", n, "error", r.err)
			}
		}

		if p.handler != nil {
			fe := FetchErrorEvent{RequestEvent: ev, ErrorTime: r.end, Err: r.err}
			p.pending = append(p.pending, func() { p.handler.OnFetchError(p, fe) })
		}
		p.deliver(a, nil, r.err)

	case r.kind == ResponseOK:
		p.emitResponse(ev, r)
		p.deliver(a, r.resp, nil)

	default:
		if r.kind == ResponseParallelLimitOverflow {
			p.corrector.RecordOverflow(ev.StartTime, r.end)
			p.logger.Debug("parallel limit overflow",
				"action_id", a.id,
				"correction", p.corrector.Correction(),
				"effective", p.corrector.Effective())
		} else {
			if r.hasRetryAfter {
				retryAt = r.end.Add(r.retryAfter)
			}
			p.logger.Debug("rate limit overflow", "action_id", a.id, "retry_after", r.retryAfter)
		}
		p.emitResponse(ev, r)
		p.requeue(a, r.resp)
	}

	p.notifyLocked()
	p.plan(retryAt)
}

// requeue puts an overflowed action back at the head of the queue unless it
// can no longer be sent.
func (p *Planner) requeue(a *action, resp *http.Response) {
	switch {
	case !a.replayable():
		p.deliver(a, resp, nil)
	case a.req.Context().Err() != nil:
		p.deliver(a, nil, a.req.Context().Err())
	case p.closed:
		p.deliver(a, nil, ErrClosed)
	default:
		p.queue.RequeueAtHead(a)
	}
}

// deliver settles a but hands the result to the caller only after the event
// callbacks queued so far have run.
func (p *Planner) deliver(a *action, resp *http.Response, err error) {
	if a.settled {
		return
	}
	a.settled = true
	p.pending = append(p.pending, func() { a.result <- actionResult{resp: resp, err: err} })
}

func (p *Planner) emitResponse(ev RequestEvent, r attemptResult) {
	if p.handler == nil {
		return
	}
	re := ResponseEvent{
		RequestEvent: ev,
		EndTime:      r.end,
		StatusCode:   r.resp.StatusCode,
		ResponseType: r.kind,
	}
	p.pending = append(p.pending, func() { p.handler.OnResponse(p, re) })
}

// notifyLocked grants slots to waiters while queued, in-flight and reserved
// work stays under the effective parallel limit.
func (p *Planner) notifyLocked() {
	now := p.clock.Now()
	p.waiters.PruneReservations(now)

	for !p.closed && p.waiters.Len() > 0 {
		if p.queue.Len()+p.inflight+p.waiters.Reserved() >= p.corrector.Effective() {
			break
		}
		w := p.waiters.PopNext()
		if w.hold && p.opts.SlotHoldTimeout > 0 {
			p.waiters.Reserve(w, now.Add(p.opts.SlotHoldTimeout))
		}
		w.resolve(nil)
		p.logger.Debug("slot granted", "priority", w.priority, "slot_waiters", p.waiters.Len())
	}

	p.armHold(now)
}

// armHold schedules a recheck for when the oldest reservation lapses while
// waiters are still pending.
func (p *Planner) armHold(now time.Time) {
	expiry, ok := p.waiters.NextExpiry()
	if p.closed || p.waiters.Len() == 0 || !ok {
		p.stopHold()
		return
	}
	if p.hold != nil && p.holdAt.Equal(expiry) {
		return
	}

	p.stopHold()
	p.holdGen++
	gen := p.holdGen
	p.holdAt = expiry
	p.hold = p.clock.AfterFunc(expiry.Sub(now), func() { p.holdExpired(gen) })
}

func (p *Planner) stopHold() {
	if p.hold != nil {
		p.hold.Stop()
		p.hold = nil
	}
	p.holdAt = time.Time{}
}

func (p *Planner) holdExpired(gen uint64) {
	p.mu.Lock()
	defer p.unlock()

	if gen != p.holdGen || p.hold == nil {
		return
	}
	p.hold = nil
	p.holdAt = time.Time{}
	p.notifyLocked()
}

// unlock releases the lock and then runs the callbacks queued under it.
func (p *Planner) unlock() {
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, f := range pending {
		f()
	}
}
