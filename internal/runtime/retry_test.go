package runtime

import (
	"testing"
	"time"
)

func TestRetryPolicyExponentialDelays(t *testing.T) {
	policy := RetryPolicy{
		Strategy:     BackoffExponential,
		MaxRetries:   10,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}

	for i, expected := range want {
		attempt := i + 1
		if got := policy.GetDelay(attempt); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, expected, got)
		}
	}
}

func TestRetryPolicyLinearDelays(t *testing.T) {
	policy := RetryPolicy{
		Strategy:     BackoffLinear,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 1500 * time.Millisecond},
		{4, 2 * time.Second},
		{5, 2 * time.Second}, // capped
	}

	for _, tc := range cases {
		if got := policy.GetDelay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestRetryPolicyFixedDelays(t *testing.T) {
	policy := RetryPolicy{
		Strategy:     BackoffFixed,
		InitialDelay: 3 * time.Second,
		MaxDelay:     time.Minute,
	}

	for attempt := 1; attempt <= 5; attempt++ {
		if got := policy.GetDelay(attempt); got != 3*time.Second {
			t.Fatalf("attempt %d: expected 3s, got %s", attempt, got)
		}
	}
}

func TestRetryPolicyClampsInvalidAttempt(t *testing.T) {
	policy := RetryPolicy{
		Strategy:     BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
	}

	if got := policy.GetDelay(0); got != time.Second {
		t.Fatalf("attempt 0 should be treated as the first retry, got %s", got)
	}
	if got := policy.GetDelay(-3); got != time.Second {
		t.Fatalf("negative attempt should be treated as the first retry, got %s", got)
	}
}

func TestRetryPolicyHugeAttemptStaysCapped(t *testing.T) {
	policy := RetryPolicy{
		Strategy:     BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
	}

	// Far past any representable doubling; must never overflow below cap.
	if got := policy.GetDelay(500); got != time.Minute {
		t.Fatalf("expected cap at 1m, got %s", got)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	policy := RetryPolicy{}.withDefaults()

	def := DefaultRetryPolicy()
	if policy.Strategy != def.Strategy {
		t.Fatalf("expected default strategy %q, got %q", def.Strategy, policy.Strategy)
	}
	if policy.InitialDelay != def.InitialDelay || policy.MaxDelay != def.MaxDelay {
		t.Fatalf("expected default delays, got %+v", policy)
	}

	zero := RetryPolicy{MaxRetries: -5}.withDefaults()
	if zero.MaxRetries != 0 {
		t.Fatalf("negative MaxRetries should clamp to zero, got %d", zero.MaxRetries)
	}
}
