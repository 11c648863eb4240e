package runtime

import "time"

// BackoffStrategy selects how retry delays grow with the attempt number.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy maps an attempt number to a delay. It is a pure value object:
// deterministic, no I/O, safe to copy.
type RetryPolicy struct {
	Strategy     BackoffStrategy
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy mirrors the default retry behaviour of the worker
// runtime when a registration leaves the policy zero-valued.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:     BackoffExponential,
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     16 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Strategy == "" {
		p.Strategy = def.Strategy
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// GetDelay returns the suspension before retry number attempt. Attempts are
// 1-indexed: the first retry is attempt 1. Delays are monotonically
// non-decreasing for linear and exponential strategies and never exceed
// MaxDelay.
func (p RetryPolicy) GetDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Strategy {
	case BackoffLinear:
		delay = p.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		// Beyond 62 doublings any practical InitialDelay has overflowed;
		// the cap below applies regardless.
		shift := attempt - 1
		if shift > 62 {
			shift = 62
		}
		delay = p.InitialDelay << uint(shift)
		if delay < p.InitialDelay {
			delay = p.MaxDelay
		}
	default:
		delay = p.InitialDelay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
