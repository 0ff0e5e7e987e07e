package planner

import (
	"net/http"
)

// action is one caller-submitted request. It may be dispatched several
// times but is settled exactly once.
type action struct {
	id       uint64
	req      *http.Request
	result   chan actionResult
	attempts int
	settled  bool
}

type actionResult struct {
	resp *http.Response
	err  error
}

func newAction(id uint64, req *http.Request) *action {
	return &action{
		id:     id,
		req:    req,
		result: make(chan actionResult, 1),
	}
}

// settle delivers the outcome to the waiting caller. Must be called with
// the planner lock held.
func (a *action) settle(resp *http.Response, err error) {
	if a.settled {
		return
	}
	a.settled = true
	a.result <- actionResult{resp: resp, err: err}
}

// replayable reports whether the request can be sent again after a 429.
func (a *action) replayable() bool {
	return a.req.Body == nil || a.req.Body == http.NoBody || a.req.GetBody != nil
}

// attemptRequest returns the request for the current transport attempt.
// The first attempt uses the caller's request; later ones get a fresh body.
func (a *action) attemptRequest() (*http.Request, error) {
	if a.attempts <= 1 || a.req.Body == nil || a.req.Body == http.NoBody {
		return a.req, nil
	}
	body, err := a.req.GetBody()
	if err != nil {
		return nil, err
	}
	req := a.req.Clone(a.req.Context())
	req.Body = body
	return req, nil
}

// admissionQueue is a FIFO of pending actions with head reinsertion for
// retried actions.
type admissionQueue struct {
	items []*action
}

func (q *admissionQueue) Len() int {
	return len(q.items)
}

// Enqueue appends to the tail.
func (q *admissionQueue) Enqueue(a *action) {
	q.items = append(q.items, a)
}

// DequeueNext removes and returns the head.
func (q *admissionQueue) DequeueNext() (*action, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	a := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return a, true
}

// RequeueAtHead reinserts a retried action in front of everything else.
func (q *admissionQueue) RequeueAtHead(a *action) {
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = a
}

// Remove deletes a queued action, reporting whether it was present.
func (q *admissionQueue) Remove(a *action) bool {
	for i, it := range q.items {
		if it == a {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

// Drain empties the queue and returns its contents in order.
func (q *admissionQueue) Drain() []*action {
	items := q.items
	q.items = nil
	return items
}
