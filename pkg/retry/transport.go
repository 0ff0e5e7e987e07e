// Package retry adds application-level retries around an http.RoundTripper,
// typically the transport of a planner.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/shaneisley/fetchplanner/pkg/backoff"
	"github.com/shaneisley/fetchplanner/pkg/logging"
	"github.com/shaneisley/fetchplanner/pkg/planner"
)

const (
	DefaultMaxAttempts = 3
	MaxAttemptsLimit   = 1000
)

// Transport retries failed round trips with a backoff strategy. Transport
// errors are always retried unless they are permanent; responses are
// retried only when their status is listed in RetryStatuses.
type Transport struct {
	Base        http.RoundTripper
	MaxAttempts int

	// NewStrategy returns the backoff for one request. It is called per
	// round trip because some strategies keep state between attempts.
	NewStrategy func() backoff.Strategy

	RetryStatuses []int
	Logger        *logging.Logger

	// OnRetry, if set, is called before each wait.
	OnRetry func(req *http.Request, attempt int, delay time.Duration, err error)
}

// NewTransport wraps base with the given attempt budget and strategy
// factory.
func NewTransport(base http.RoundTripper, maxAttempts int, newStrategy func() backoff.Strategy) *Transport {
	return &Transport{
		Base:        base,
		MaxAttempts: maxAttempts,
		NewStrategy: newStrategy,
	}
}

// Permanent reports whether err must not be retried.
func Permanent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, planner.ErrClosed) ||
		planner.IsHeaderParseError(err)
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if maxAttempts > 1 && req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		// The body cannot be sent twice.
		maxAttempts = 1
	}

	var strategy backoff.Strategy
	if t.NewStrategy != nil {
		strategy = t.NewStrategy()
	}

	ctx := req.Context()
	for attempt := 1; ; attempt++ {
		attemptReq, err := rewind(req, attempt)
		if err != nil {
			return nil, err
		}

		resp, err := t.Base.RoundTrip(attemptReq)
		if err == nil && !t.retryStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil && Permanent(err) {
			return nil, err
		}
		if attempt >= maxAttempts {
			return resp, err
		}

		delay := t.delay(strategy, attempt, resp)
		if err == nil {
			err = fmt.Errorf("retryable status %d", resp.StatusCode)
			drain(resp)
		}

		if t.Logger != nil {
			t.Logger.Debug("retrying request",
				"url", req.URL.String(),
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"delay", delay,
				"error", err.Error())
		}
		if t.OnRetry != nil {
			t.OnRetry(req, attempt, delay, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (t *Transport) retryStatus(status int) bool {
	return slices.Contains(t.RetryStatuses, status)
}

func (t *Transport) delay(strategy backoff.Strategy, attempt int, resp *http.Response) time.Duration {
	if strategy == nil {
		return 0
	}
	if aware, ok := strategy.(backoff.ResponseAware); ok {
		return aware.DelayForResponse(attempt, resp)
	}
	return strategy.Delay(attempt)
}

// rewind returns the request for the given attempt with a fresh body.
func rewind(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 1 || req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("retry: rewind request body: %w", err)
	}
	r := req.Clone(req.Context())
	r.Body = body
	return r, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
