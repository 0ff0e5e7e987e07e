package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/shaneisley/fetchplanner/pkg/logging"
)

const (
	DefaultMaxParallelLimit              = 4
	DefaultMaxRequestDelay               = 3000 * time.Millisecond
	DefaultJitter                        = 0.1
	DefaultParallelLimitCorrectionPeriod = 10 * time.Second
	DefaultThrottlingCoefficient         = 5.0
	DefaultSlotHoldTimeout               = time.Second

	// DefaultWindow is assumed until the server reports a window duration.
	DefaultWindow = 3000 * time.Millisecond

	MaxJitter                        = 0.3
	MinParallelLimitCorrectionPeriod = time.Second
	MinThrottlingCoefficient         = 1.0
	MaxThrottlingCoefficient         = 20.0

	// ParallelLimitCorrectionStep is the amount the parallel ceiling moves on
	// each overflow and each healing cycle.
	ParallelLimitCorrectionStep = 1
)

// HeaderNames lists the response headers the planner reads. Values of the
// window and retry-after headers are milliseconds.
type HeaderNames struct {
	Limit      string `mapstructure:"limit"`
	Remaining  string `mapstructure:"remaining"`
	Window     string `mapstructure:"window"`
	RetryAfter string `mapstructure:"retry_after"`
	AuthCode   string `mapstructure:"auth_code"`

	// ParallelLimitCode is the AuthCode value that identifies a
	// parallel-limit overflow.
	ParallelLimitCode string `mapstructure:"parallel_limit_code"`
}

// DefaultHeaderNames returns the header contract of the MoySklad JSON API.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		Limit:             "X-RateLimit-Limit",
		Remaining:         "X-RateLimit-Remaining",
		Window:            "X-Lognex-Retry-TimeInterval",
		RetryAfter:        "X-Lognex-Retry-After",
		AuthCode:          "X-Lognex-Auth",
		ParallelLimitCode: "429005",
	}
}

// Options configures a Planner. Start from DefaultOptions and override
// fields; New validates the result.
type Options struct {
	// MaxParallelLimit is the ceiling on simultaneous in-flight requests
	// before any overflow correction.
	MaxParallelLimit int

	// MaxRequestDelay is the delay imposed when the remaining rate limit
	// reaches zero.
	MaxRequestDelay time.Duration

	// Jitter is the fraction of MaxRequestDelay (and of the correction
	// period) randomized to desynchronize independent planners.
	Jitter float64

	// ParallelLimitCorrectionPeriod is how long the planner must go without
	// a parallel-limit overflow before the ceiling heals by one step.
	ParallelLimitCorrectionPeriod time.Duration

	// ThrottlingCoefficient shapes the attenuation curve. 1 is linear;
	// larger values defer throttling until capacity is nearly exhausted.
	ThrottlingCoefficient float64

	// SlotHoldTimeout is how long a slot granted through RequestSlot stays
	// reserved for its holder before the reservation lapses. 0 disables
	// reservations.
	SlotHoldTimeout time.Duration

	Headers HeaderNames

	// EventHandler receives request, response and fetch-error events.
	EventHandler EventHandler

	// Logger receives debug traces of scheduling decisions.
	Logger *logging.Logger

	// Clock drives timers; nil uses the wall clock.
	Clock Clock

	// Rand returns uniform values in [0, 1) for jitter; nil uses math/rand.
	// It is only called while the planner's lock is held.
	Rand func() float64
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxParallelLimit:              DefaultMaxParallelLimit,
		MaxRequestDelay:               DefaultMaxRequestDelay,
		Jitter:                        DefaultJitter,
		ParallelLimitCorrectionPeriod: DefaultParallelLimitCorrectionPeriod,
		ThrottlingCoefficient:         DefaultThrottlingCoefficient,
		SlotHoldTimeout:               DefaultSlotHoldTimeout,
		Headers:                       DefaultHeaderNames(),
	}
}

// ValidationError describes one invalid option
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s value '%v': %s", e.Field, e.Value, e.Message)
}

// ValidationErrors collects every invalid option found by Validate
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	messages := make([]string, 0, len(e))
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation errors:\n  - %s", strings.Join(messages, "\n  - "))
}

// Validate checks every option against its documented range
func (o *Options) Validate() error {
	var errs ValidationErrors

	if o.MaxParallelLimit <= 0 {
		errs = append(errs, ValidationError{
			Field:   "max_parallel_limit",
			Value:   o.MaxParallelLimit,
			Message: "must be an integer greater than 0",
		})
	}

	if o.MaxRequestDelay <= 0 {
		errs = append(errs, ValidationError{
			Field:   "max_request_delay",
			Value:   o.MaxRequestDelay,
			Message: "must be greater than 0",
		})
	}

	if o.Jitter < 0 || o.Jitter > MaxJitter {
		errs = append(errs, ValidationError{
			Field:   "jitter",
			Value:   o.Jitter,
			Message: fmt.Sprintf("must be between 0 and %g", MaxJitter),
		})
	}

	if o.ParallelLimitCorrectionPeriod < MinParallelLimitCorrectionPeriod {
		errs = append(errs, ValidationError{
			Field:   "parallel_limit_correction_period",
			Value:   o.ParallelLimitCorrectionPeriod,
			Message: fmt.Sprintf("must be %s or more", MinParallelLimitCorrectionPeriod),
		})
	}

	if o.ThrottlingCoefficient < MinThrottlingCoefficient || o.ThrottlingCoefficient > MaxThrottlingCoefficient {
		errs = append(errs, ValidationError{
			Field:   "throttling_coefficient",
			Value:   o.ThrottlingCoefficient,
			Message: fmt.Sprintf("must be between %g and %g", MinThrottlingCoefficient, MaxThrottlingCoefficient),
		})
	}

	if o.SlotHoldTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "slot_hold_timeout",
			Value:   o.SlotHoldTimeout,
			Message: "must not be negative",
		})
	}

	headers := []struct {
		field string
		value string
	}{
		{"headers.limit", o.Headers.Limit},
		{"headers.remaining", o.Headers.Remaining},
		{"headers.window", o.Headers.Window},
		{"headers.retry_after", o.Headers.RetryAfter},
		{"headers.auth_code", o.Headers.AuthCode},
		{"headers.parallel_limit_code", o.Headers.ParallelLimitCode},
	}
	for _, h := range headers {
		if strings.TrimSpace(h.value) == "" {
			errs = append(errs, ValidationError{
				Field:   h.field,
				Value:   h.value,
				Message: "must not be empty",
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
