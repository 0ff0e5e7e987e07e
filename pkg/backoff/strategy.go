// Package backoff provides delay strategies for application-level retries
// layered around a planner's transport.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Strategy computes the wait before a retry. attempt is 1-based
// (1 for the first retry).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// capDelay limits d to max when max is set.
func capDelay(d float64, max time.Duration) time.Duration {
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// Fixed waits the same duration before every retry.
type Fixed struct {
	Duration time.Duration
}

func NewFixed(duration time.Duration) *Fixed {
	return &Fixed{Duration: duration}
}

func (f *Fixed) Delay(int) time.Duration {
	return f.Duration
}

// Exponential waits BaseDelay * Multiplier^(attempt-1), capped at MaxDelay
// (0 means no cap).
type Exponential struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

func NewExponential(baseDelay time.Duration, multiplier float64, maxDelay time.Duration) *Exponential {
	return &Exponential{BaseDelay: baseDelay, Multiplier: multiplier, MaxDelay: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return e.BaseDelay
	}
	return capDelay(float64(e.BaseDelay)*math.Pow(e.Multiplier, float64(attempt-1)), e.MaxDelay)
}

// Jitter is exponential backoff with full jitter: a uniform delay between 0
// and the exponential value.
type Jitter struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

func NewJitter(baseDelay time.Duration, multiplier float64, maxDelay time.Duration) *Jitter {
	return &Jitter{BaseDelay: baseDelay, Multiplier: multiplier, MaxDelay: maxDelay}
}

func (j *Jitter) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return time.Duration(rand.Float64() * float64(j.BaseDelay))
	}
	ceiling := capDelay(float64(j.BaseDelay)*math.Pow(j.Multiplier, float64(attempt-1)), j.MaxDelay)
	return time.Duration(rand.Float64() * float64(ceiling))
}

// Linear waits Increment * attempt.
type Linear struct {
	Increment time.Duration
	MaxDelay  time.Duration
}

func NewLinear(increment, maxDelay time.Duration) *Linear {
	return &Linear{Increment: increment, MaxDelay: maxDelay}
}

func (l *Linear) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	return capDelay(float64(l.Increment)*float64(attempt), l.MaxDelay)
}

// DecorrelatedJitter draws each delay uniformly between BaseDelay and the
// previous delay times Multiplier. It keeps the previous delay, so a value
// must not be shared between concurrent retry loops.
type DecorrelatedJitter struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration

	mu   sync.Mutex
	prev time.Duration
}

func NewDecorrelatedJitter(baseDelay time.Duration, multiplier float64, maxDelay time.Duration) *DecorrelatedJitter {
	return &DecorrelatedJitter{BaseDelay: baseDelay, Multiplier: multiplier, MaxDelay: maxDelay}
}

func (d *DecorrelatedJitter) Delay(attempt int) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	if attempt <= 1 || d.prev == 0 {
		d.prev = d.BaseDelay
	}

	upper := float64(d.prev) * d.Multiplier
	next := float64(d.BaseDelay) + rand.Float64()*(upper-float64(d.BaseDelay))

	delay := capDelay(next, d.MaxDelay)
	d.prev = delay
	return delay
}

// Fibonacci waits BaseDelay times the attempt-th Fibonacci number
// (1, 1, 2, 3, 5, ...).
type Fibonacci struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func NewFibonacci(baseDelay, maxDelay time.Duration) *Fibonacci {
	return &Fibonacci{BaseDelay: baseDelay, MaxDelay: maxDelay}
}

func (f *Fibonacci) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	a, b := 1.0, 1.0
	for i := 2; i < attempt; i++ {
		a, b = b, a+b
		if f.MaxDelay > 0 && b*float64(f.BaseDelay) > float64(f.MaxDelay) {
			return f.MaxDelay
		}
	}
	if attempt == 1 {
		b = a
	}
	return capDelay(b*float64(f.BaseDelay), f.MaxDelay)
}

// Polynomial waits BaseDelay * attempt^Exponent.
type Polynomial struct {
	BaseDelay time.Duration
	Exponent  float64
	MaxDelay  time.Duration
}

func NewPolynomial(baseDelay time.Duration, exponent float64, maxDelay time.Duration) *Polynomial {
	return &Polynomial{BaseDelay: baseDelay, Exponent: exponent, MaxDelay: maxDelay}
}

func (p *Polynomial) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}
	return capDelay(float64(p.BaseDelay)*math.Pow(float64(attempt), p.Exponent), p.MaxDelay)
}
