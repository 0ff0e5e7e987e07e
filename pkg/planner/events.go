package planner

import "time"

// ResponseType classifies a transport response.
type ResponseType int

const (
	ResponseOK ResponseType = iota
	ResponseRateLimitOverflow
	ResponseParallelLimitOverflow
)

func (t ResponseType) String() string {
	switch t {
	case ResponseOK:
		return "OK"
	case ResponseRateLimitOverflow:
		return "RATE_LIMIT_OVERFLOW"
	case ResponseParallelLimitOverflow:
		return "PARALLEL_LIMIT_OVERFLOW"
	default:
		return "UNKNOWN"
	}
}

// RequestEvent is emitted when an attempt is dispatched to the transport.
type RequestEvent struct {
	ActionID  uint64
	RequestID uint64
	Method    string
	URL       string
	StartTime time.Time
}

// ResponseEvent is emitted when an attempt completes with a response.
type ResponseEvent struct {
	RequestEvent
	EndTime      time.Time
	StatusCode   int
	ResponseType ResponseType
}

// Duration returns the time the attempt spent in flight.
func (e ResponseEvent) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// FetchErrorEvent is emitted when an attempt fails without a usable
// response.
type FetchErrorEvent struct {
	RequestEvent
	ErrorTime time.Time
	Err       error
}

// EventHandler observes dispatches and completions. Methods are called
// synchronously from the goroutine that made the state change, after the
// planner's lock is released, so they may read the planner's accessors.
// The response or fetch error of a request is delivered before its caller
// receives the result.
type EventHandler interface {
	OnRequest(p *Planner, e RequestEvent)
	OnResponse(p *Planner, e ResponseEvent)
	OnFetchError(p *Planner, e FetchErrorEvent)
}

// EventHandlerFuncs adapts plain functions to EventHandler. Nil fields are
// skipped.
type EventHandlerFuncs struct {
	Request    func(p *Planner, e RequestEvent)
	Response   func(p *Planner, e ResponseEvent)
	FetchError func(p *Planner, e FetchErrorEvent)
}

func (f EventHandlerFuncs) OnRequest(p *Planner, e RequestEvent) {
	if f.Request != nil {
		f.Request(p, e)
	}
}

func (f EventHandlerFuncs) OnResponse(p *Planner, e ResponseEvent) {
	if f.Response != nil {
		f.Response(p, e)
	}
}

func (f EventHandlerFuncs) OnFetchError(p *Planner, e FetchErrorEvent) {
	if f.FetchError != nil {
		f.FetchError(p, e)
	}
}

// MultiHandler fans events out to several handlers in order.
type MultiHandler []EventHandler

func (m MultiHandler) OnRequest(p *Planner, e RequestEvent) {
	for _, h := range m {
		h.OnRequest(p, e)
	}
}

func (m MultiHandler) OnResponse(p *Planner, e ResponseEvent) {
	for _, h := range m {
		h.OnResponse(p, e)
	}
}

func (m MultiHandler) OnFetchError(p *Planner, e FetchErrorEvent) {
	for _, h := range m {
		h.OnFetchError(p, e)
	}
}
