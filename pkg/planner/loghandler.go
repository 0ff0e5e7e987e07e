package planner

import (
	"github.com/shaneisley/fetchplanner/pkg/logging"
)

type logHandler struct {
	logger *logging.Logger
}

// NewLogHandler returns an EventHandler that writes every event to logger.
// Requests and responses are logged at debug level, fetch errors at warn.
func NewLogHandler(logger *logging.Logger) EventHandler {
	return &logHandler{logger: logger.WithComponent("events")}
}

func (h *logHandler) OnRequest(p *Planner, e RequestEvent) {
	h.logger.Debug("request",
		"action_id", e.ActionID,
		"request_id", e.RequestID,
		"method", e.Method,
		"url", e.URL,
		"queue_length", p.QueueLength(),
		"inflight", p.InflightCount())
}

func (h *logHandler) OnResponse(p *Planner, e ResponseEvent) {
	h.logger.Debug("response",
		"action_id", e.ActionID,
		"request_id", e.RequestID,
		"url", e.URL,
		"status", e.StatusCode,
		"response_type", e.ResponseType.String(),
		"duration", e.Duration(),
		"parallel_limit_correction", p.ParallelLimitCorrection())
}

func (h *logHandler) OnFetchError(p *Planner, e FetchErrorEvent) {
	h.logger.Warn("fetch error",
		"action_id", e.ActionID,
		"request_id", e.RequestID,
		"url", e.URL,
		"error", e.Err.Error())
}
