package planner

import (
	"container/heap"
	"context"
	"time"
)

type slotWaiter struct {
	priority int
	seq      uint64
	index    int
	done     chan struct{}
	err      error
	resolved bool

	// hold marks a waiter whose grant reserves capacity until heldUntil.
	hold      bool
	held      bool
	heldUntil time.Time
}

func (w *slotWaiter) resolve(err error) {
	if w.resolved {
		return
	}
	w.resolved = true
	w.err = err
	close(w.done)
}

// waiterHeap orders waiters by priority, then registration order.
type waiterHeap []*slotWaiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*slotWaiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// slotRegistry holds callers waiting for admission capacity along with the
// granted waiters whose reservation has not been used, released or expired.
type slotRegistry struct {
	waiters waiterHeap
	seq     uint64
	held    []*slotWaiter
}

func (r *slotRegistry) Len() int {
	return r.waiters.Len()
}

func (r *slotRegistry) Register(priority int, hold bool) *slotWaiter {
	r.seq++
	w := &slotWaiter{
		priority: priority,
		seq:      r.seq,
		done:     make(chan struct{}),
		hold:     hold,
	}
	heap.Push(&r.waiters, w)
	return w
}

// Remove drops a waiter that is still pending.
func (r *slotRegistry) Remove(w *slotWaiter) bool {
	if w.index < 0 || w.index >= len(r.waiters) || r.waiters[w.index] != w {
		return false
	}
	heap.Remove(&r.waiters, w.index)
	return true
}

// PopNext removes the waiter with the lowest priority value.
func (r *slotRegistry) PopNext() *slotWaiter {
	if r.waiters.Len() == 0 {
		return nil
	}
	return heap.Pop(&r.waiters).(*slotWaiter)
}

// RejectAll fails every pending waiter with err.
func (r *slotRegistry) RejectAll(err error) int {
	n := len(r.waiters)
	for _, w := range r.waiters {
		w.index = -1
		w.resolve(err)
	}
	r.waiters = nil
	return n
}

// Reserve holds capacity for the granted waiter w until the given time.
func (r *slotRegistry) Reserve(w *slotWaiter, until time.Time) {
	w.held = true
	w.heldUntil = until
	r.held = append(r.held, w)
}

// Release drops w's reservation and reports whether one was held.
func (r *slotRegistry) Release(w *slotWaiter) bool {
	if !w.held {
		return false
	}
	w.held = false
	for i, h := range r.held {
		if h == w {
			r.held = append(r.held[:i], r.held[i+1:]...)
			break
		}
	}
	return true
}

// ReleaseAll drops every reservation.
func (r *slotRegistry) ReleaseAll() {
	for _, w := range r.held {
		w.held = false
	}
	r.held = nil
}

// PruneReservations drops reservations that expired at or before now.
func (r *slotRegistry) PruneReservations(now time.Time) {
	kept := r.held[:0]
	for _, w := range r.held {
		if w.heldUntil.After(now) {
			kept = append(kept, w)
		} else {
			w.held = false
		}
	}
	clear(r.held[len(kept):])
	r.held = kept
}

func (r *slotRegistry) Reserved() int {
	return len(r.held)
}

// NextExpiry returns the earliest reservation expiry.
func (r *slotRegistry) NextExpiry() (time.Time, bool) {
	if len(r.held) == 0 {
		return time.Time{}, false
	}
	next := r.held[0].heldUntil
	for _, w := range r.held[1:] {
		if w.heldUntil.Before(next) {
			next = w.heldUntil
		}
	}
	return next, true
}

// SlotTicket is a pending request for admission capacity.
type SlotTicket struct {
	p *Planner
	w *slotWaiter
}

// Priority returns the ticket's priority.
func (t *SlotTicket) Priority() int {
	return t.w.priority
}

// Done is closed once the ticket is granted or rejected.
func (t *SlotTicket) Done() <-chan struct{} {
	return t.w.done
}

// Err returns the rejection error once Done is closed; nil means granted.
func (t *SlotTicket) Err() error {
	select {
	case <-t.w.done:
		return t.w.err
	default:
		return nil
	}
}

// Wait blocks until the ticket is granted, rejected, or ctx is done. A
// cancelled wait withdraws the ticket.
func (t *SlotTicket) Wait(ctx context.Context) error {
	select {
	case <-t.w.done:
		return t.w.err
	case <-ctx.Done():
		if t.Cancel() {
			return ctx.Err()
		}
		<-t.w.done
		if t.w.err != nil {
			return t.w.err
		}
		return ctx.Err()
	}
}

// Cancel withdraws a pending ticket. It returns false if the ticket was
// already granted or rejected.
func (t *SlotTicket) Cancel() bool {
	return t.p.cancelWaiter(t.w)
}

// Release gives back the slot reserved by a granted ticket without using it.
// It reports whether a reservation was still held.
func (t *SlotTicket) Release() bool {
	return t.p.releaseSlot(t.w)
}

type slotKey struct{}

// WithSlot returns a copy of ctx carrying t. A request made with that
// context through t's planner takes over the ticket's reservation instead
// of counting against the limit a second time.
func WithSlot(ctx context.Context, t *SlotTicket) context.Context {
	return context.WithValue(ctx, slotKey{}, t)
}

func slotFromContext(ctx context.Context) *SlotTicket {
	t, _ := ctx.Value(slotKey{}).(*SlotTicket)
	return t
}
