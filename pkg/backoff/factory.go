package backoff

import (
	"fmt"
	"strings"
	"time"
)

// Kind names a backoff strategy in configuration.
type Kind string

const (
	KindFixed              Kind = "fixed"
	KindExponential        Kind = "exponential"
	KindJitter             Kind = "jitter"
	KindLinear             Kind = "linear"
	KindDecorrelatedJitter Kind = "decorrelated-jitter"
	KindFibonacci          Kind = "fibonacci"
	KindPolynomial         Kind = "polynomial"
)

// Kinds lists every supported strategy name.
func Kinds() []Kind {
	return []Kind{
		KindFixed,
		KindExponential,
		KindJitter,
		KindLinear,
		KindDecorrelatedJitter,
		KindFibonacci,
		KindPolynomial,
	}
}

// Params carries the settings shared by all strategies. Multiplier doubles
// as the exponent for the polynomial strategy.
type Params struct {
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// New builds the named strategy.
func New(kind Kind, p Params) (Strategy, error) {
	if p.Delay < 0 {
		return nil, fmt.Errorf("backoff: delay must be non-negative, got %v", p.Delay)
	}
	if p.MaxDelay < 0 {
		return nil, fmt.Errorf("backoff: max delay must be non-negative, got %v", p.MaxDelay)
	}

	switch Kind(strings.ToLower(string(kind))) {
	case KindFixed:
		return NewFixed(p.Delay), nil
	case KindExponential:
		return NewExponential(p.Delay, p.Multiplier, p.MaxDelay), nil
	case KindJitter:
		return NewJitter(p.Delay, p.Multiplier, p.MaxDelay), nil
	case KindLinear:
		return NewLinear(p.Delay, p.MaxDelay), nil
	case KindDecorrelatedJitter:
		return NewDecorrelatedJitter(p.Delay, p.Multiplier, p.MaxDelay), nil
	case KindFibonacci:
		return NewFibonacci(p.Delay, p.MaxDelay), nil
	case KindPolynomial:
		return NewPolynomial(p.Delay, p.Multiplier, p.MaxDelay), nil
	default:
		return nil, fmt.Errorf("backoff: unknown strategy %q", kind)
	}
}

// IsValidKind reports whether kind names a supported strategy.
func IsValidKind(kind string) bool {
	for _, k := range Kinds() {
		if string(k) == strings.ToLower(kind) {
			return true
		}
	}
	return false
}
