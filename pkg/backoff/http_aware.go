package backoff

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPAware uses the server's own retry timing when a failed response
// carries it and falls back to another strategy otherwise.
type HTTPAware struct {
	fallback      Strategy
	maxRetryAfter time.Duration
	now           func() time.Time
}

// NewHTTPAware creates an HTTP-aware strategy. maxRetryAfter caps the delay
// taken from the server (0 means no cap).
func NewHTTPAware(fallback Strategy, maxRetryAfter time.Duration) *HTTPAware {
	return &HTTPAware{
		fallback:      fallback,
		maxRetryAfter: maxRetryAfter,
		now:           time.Now,
	}
}

// Delay returns the fallback delay.
func (h *HTTPAware) Delay(attempt int) time.Duration {
	return h.fallback.Delay(attempt)
}

// DelayForResponse returns the delay advertised by resp, or the fallback
// delay if resp carries none.
func (h *HTTPAware) DelayForResponse(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if d := h.serverDelay(resp.Header); d > 0 {
			return capDelay(float64(d), h.maxRetryAfter)
		}
	}
	return h.fallback.Delay(attempt)
}

// serverDelay reads Retry-After (seconds or HTTP date), then
// X-RateLimit-Retry-After (seconds), then X-RateLimit-Reset (unix seconds).
func (h *HTTPAware) serverDelay(header http.Header) time.Duration {
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := at.Sub(h.now()); d > 0 {
				return d
			}
		}
	}

	if v := strings.TrimSpace(header.Get("X-RateLimit-Retry-After")); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	if v := strings.TrimSpace(header.Get("X-RateLimit-Reset")); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(ts, 0).Sub(h.now()); d > 0 {
				return d
			}
		}
	}

	return 0
}

// ResponseAware is implemented by strategies that can use a failed
// response to pick the delay.
type ResponseAware interface {
	Strategy
	DelayForResponse(attempt int, resp *http.Response) time.Duration
}

var _ ResponseAware = (*HTTPAware)(nil)
