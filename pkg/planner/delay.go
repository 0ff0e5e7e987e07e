package planner

import (
	"math"
	"time"
)

const attenuationSteps = 100

// DelayCalculator maps the current rate state to the delay imposed before
// the next dispatch.
type DelayCalculator struct {
	curve    [attenuationSteps + 1]float64
	maxDelay time.Duration
	jitter   float64
	rand     func() float64
}

// NewDelayCalculator precomputes the attenuation curve
// (1 - i/100)^coefficient for i in [0, 100].
func NewDelayCalculator(coefficient float64, maxDelay time.Duration, jitter float64, rnd func() float64) *DelayCalculator {
	c := &DelayCalculator{
		maxDelay: maxDelay,
		jitter:   jitter,
		rand:     rnd,
	}
	for i := range c.curve {
		c.curve[i] = math.Pow(1-float64(i)/attenuationSteps, coefficient)
	}
	return c
}

// Multiplier returns the attenuation curve value at step i, clamped to [0, 100].
func (c *DelayCalculator) Multiplier(i int) float64 {
	if i < 0 {
		i = 0
	}
	if i > attenuationSteps {
		i = attenuationSteps
	}
	return c.curve[i]
}

// Delay computes the wait before the next dispatch given the rate state and
// the time elapsed since the last dispatched request.
func (c *DelayCalculator) Delay(state RateState, elapsed time.Duration) time.Duration {
	if !state.Known() {
		return 0
	}

	window := state.WindowOrDefault()
	if elapsed >= window {
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}

	waterline := 0.0
	if state.Limit > 0 {
		waterline = float64(state.Remaining) / float64(state.Limit)
	}
	correction := float64(elapsed) / float64(window)

	step := int(math.Round((waterline + correction) * attenuationSteps))
	if step > attenuationSteps {
		return 0
	}

	k := c.Multiplier(step)

	maxMs := float64(c.maxDelay) / float64(time.Millisecond)
	jitterRange := maxMs * c.jitter
	offset := 0.0
	if jitterRange > 0 {
		offset = jitterRange/2 - c.rand()*jitterRange
	}

	ms := math.Round(k * (maxMs + offset))
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
