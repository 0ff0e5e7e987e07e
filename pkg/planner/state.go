package planner

import "time"

// Snapshot is a consistent view of the planner's scheduling state.
type Snapshot struct {
	Rate                    RateState
	QueueLength             int
	InflightCount           int
	ParallelLimitCorrection int
	EffectiveParallelLimit  int
	SlotWaiters             int
	ReservedSlots           int
	LastRequestDelay        time.Duration
	LastRequestStart        time.Time
	NextRequestTime         time.Time
	Closed                  bool
}

// Snapshot reads every accessor value under a single lock acquisition.
func (p *Planner) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Snapshot{
		Rate:                    p.rate,
		QueueLength:             p.queue.Len(),
		InflightCount:           p.inflight,
		ParallelLimitCorrection: p.corrector.Correction(),
		EffectiveParallelLimit:  p.corrector.Effective(),
		SlotWaiters:             p.waiters.Len(),
		ReservedSlots:           p.waiters.Reserved(),
		LastRequestDelay:        p.lastRequestDelay,
		LastRequestStart:        p.lastRequestStart,
		NextRequestTime:         p.nextRequestTime,
		Closed:                  p.closed,
	}
}

// RateLimit returns the last reported request limit per window.
func (p *Planner) RateLimit() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate.Limit, p.rate.HasLimit
}

// RateLimitRemaining returns the last reported remaining request count.
func (p *Planner) RateLimitRemaining() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate.Remaining, p.rate.HasRemaining
}

func (p *Planner) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

func (p *Planner) InflightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}

// ParallelLimitCorrection returns the current correction, always <= 0.
func (p *Planner) ParallelLimitCorrection() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.corrector.Correction()
}

// LastRequestDelay returns the delay computed by the most recent planning.
func (p *Planner) LastRequestDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRequestDelay
}

// NextRequestTime returns when the pending dispatch timer fires, or the zero
// time if none is armed.
func (p *Planner) NextRequestTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextRequestTime
}

func (p *Planner) SlotWaitersCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}

// Options returns the effective configuration.
func (p *Planner) Options() Options {
	return p.opts
}
