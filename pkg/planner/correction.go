package planner

import "time"

// ParallelLimitCorrector tracks the transient downward correction applied to
// the configured parallel ceiling after parallel-limit overflows.
// The correction is always <= 0 and ceiling+correction is always >= 1.
type ParallelLimitCorrector struct {
	ceiling int
	step    int
	period  time.Duration
	jitter  float64
	rand    func() float64

	correction   int
	changedAt    time.Time
	lastOverflow time.Time
}

// NewParallelLimitCorrector creates a corrector for the given ceiling.
func NewParallelLimitCorrector(ceiling int, period time.Duration, jitter float64, rnd func() float64) *ParallelLimitCorrector {
	return &ParallelLimitCorrector{
		ceiling: ceiling,
		step:    ParallelLimitCorrectionStep,
		period:  period,
		jitter:  jitter,
		rand:    rnd,
	}
}

// Correction returns the current correction.
func (c *ParallelLimitCorrector) Correction() int {
	return c.correction
}

// Effective returns the corrected parallel ceiling.
func (c *ParallelLimitCorrector) Effective() int {
	return c.ceiling + c.correction
}

// RecordOverflow lowers the ceiling by one step after an overflow for a
// request that started at start and was answered at end.
func (c *ParallelLimitCorrector) RecordOverflow(start, end time.Time) {
	if c.ceiling+c.correction-c.step >= 1 {
		c.correction -= c.step
	} else {
		c.correction = 1 - c.ceiling
	}
	c.lastOverflow = start
	c.changedAt = end
}

// Review heals the correction by one step if a full period (stretched by up
// to 2*jitter) has passed since the last change without an overflow.
// It returns true if the correction changed.
func (c *ParallelLimitCorrector) Review(now time.Time) bool {
	if c.correction >= 0 {
		return false
	}

	stretch := 1.0
	if c.jitter > 0 {
		stretch += 2 * c.rand() * c.jitter
	}
	periodStart := now.Add(-time.Duration(float64(c.period) * stretch))

	if !c.changedAt.Before(periodStart) {
		return false
	}
	c.changedAt = now

	if !c.lastOverflow.IsZero() && c.lastOverflow.After(periodStart) {
		return false
	}

	c.correction += c.step
	if c.correction > 0 {
		c.correction = 0
	}
	return true
}
