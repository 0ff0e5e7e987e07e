package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/shaneisley/fetchplanner/pkg/planner"
)

// Event types stored in the type column.
const (
	TypeRequest    = "request"
	TypeResponse   = "response"
	TypeFetchError = "fetch-error"
)

// Event is one recorded planner event together with the planner state
// observed right after it.
type Event struct {
	RunID        string    `json:"run_id"`
	Process      string    `json:"process"`
	Type         string    `json:"type"`
	ResponseType string    `json:"response_type,omitempty"`
	Time         time.Time `json:"time"`
	ActionID     uint64    `json:"action_id"`
	RequestID    uint64    `json:"request_id"`
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	StatusCode   int       `json:"status_code,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time,omitzero"`

	QueueLength             int           `json:"queue_length"`
	Inflight                int           `json:"inflight"`
	LastDelay               time.Duration `json:"last_delay"`
	NextRequestTime         time.Time     `json:"next_request_time,omitzero"`
	RateLimit               int           `json:"rate_limit,omitempty"`
	HasRateLimit            bool          `json:"-"`
	RateLimitRemaining      int           `json:"rate_limit_remaining,omitempty"`
	HasRateLimitRemaining   bool          `json:"-"`
	ParallelLimitCorrection int           `json:"parallel_limit_correction"`
	ErrorMessage            string        `json:"error_message,omitempty"`
}

// Run records the events of one planner session. It implements
// planner.EventHandler.
type Run struct {
	ID        string
	Process   string
	StartedAt time.Time

	rec *Recorder
}

var _ planner.EventHandler = (*Run)(nil)

func (run *Run) OnRequest(p *planner.Planner, e planner.RequestEvent) {
	ev := run.event(p, TypeRequest, e)
	ev.Time = e.StartTime
	run.record(ev)
}

func (run *Run) OnResponse(p *planner.Planner, e planner.ResponseEvent) {
	ev := run.event(p, TypeResponse, e.RequestEvent)
	ev.Time = e.EndTime
	ev.EndTime = e.EndTime
	ev.StatusCode = e.StatusCode
	ev.ResponseType = e.ResponseType.String()
	run.record(ev)
}

func (run *Run) OnFetchError(p *planner.Planner, e planner.FetchErrorEvent) {
	ev := run.event(p, TypeFetchError, e.RequestEvent)
	ev.Time = e.ErrorTime
	ev.EndTime = e.ErrorTime
	if e.Err != nil {
		ev.ErrorMessage = e.Err.Error()
	}
	run.record(ev)
}

func (run *Run) event(p *planner.Planner, typ string, e planner.RequestEvent) *Event {
	ev := &Event{
		RunID:     run.ID,
		Process:   run.Process,
		Type:      typ,
		ActionID:  e.ActionID,
		RequestID: e.RequestID,
		Method:    e.Method,
		URL:       e.URL,
		StartTime: e.StartTime,
	}
	if p == nil {
		return ev
	}

	s := p.Snapshot()
	ev.QueueLength = s.QueueLength
	ev.Inflight = s.InflightCount
	ev.LastDelay = s.LastRequestDelay
	ev.NextRequestTime = s.NextRequestTime
	ev.RateLimit, ev.HasRateLimit = s.Rate.Limit, s.Rate.HasLimit
	ev.RateLimitRemaining, ev.HasRateLimitRemaining = s.Rate.Remaining, s.Rate.HasRemaining
	ev.ParallelLimitCorrection = s.ParallelLimitCorrection
	return ev
}

func (run *Run) record(ev *Event) {
	if err := run.rec.enqueue(ev); err != nil {
		run.rec.logger.Debug("event dropped", "run_id", run.ID, "type", ev.Type, "error", err)
	}
}

// Finish stamps the run's end time.
func (run *Run) Finish(ctx context.Context) error {
	_, err := run.rec.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}
