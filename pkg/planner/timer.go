package planner

import "time"

// dispatchTimer owns the single pending wake-up of the dispatcher.
type dispatchTimer struct {
	clock Clock
	t     Timer
	at    time.Time
	delay time.Duration
	gen   uint64
	armed bool
}

func (d *dispatchTimer) Pending() bool {
	return d.armed
}

// At returns the planned fire time of the pending timer.
func (d *dispatchTimer) At() time.Time {
	return d.at
}

// Arm replaces any pending timer with one firing at `at`. fire receives the
// generation so stale callbacks can be told apart.
func (d *dispatchTimer) Arm(now, at time.Time, fire func(gen uint64)) {
	d.Cancel()
	d.gen++
	gen := d.gen
	d.at = at
	d.delay = at.Sub(now)
	d.armed = true
	d.t = d.clock.AfterFunc(d.delay, func() { fire(gen) })
}

func (d *dispatchTimer) Cancel() {
	if !d.armed {
		return
	}
	d.t.Stop()
	d.t = nil
	d.armed = false
}

// Fired clears the pending record if gen is the current timer. It returns
// false for callbacks of cancelled or replaced timers.
func (d *dispatchTimer) Fired(gen uint64) bool {
	if !d.armed || gen != d.gen {
		return false
	}
	d.armed = false
	d.t = nil
	return true
}
