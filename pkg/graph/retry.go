package graph

import "time"

// RetryPolicy controls the attempt budget and backoff growth for one logical
// request. Each call owns its own attempt loop; there is no shared retry state.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt, so a
	// request makes at most MaxRetries+1 attempts.
	MaxRetries int

	// InitialDelay is the backoff before the first retry. Subsequent retries
	// double it: InitialDelay × 2^attempt, no jitter, so backoff timing is
	// deterministic for a given error sequence.
	InitialDelay time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
	}
}

// Decide reports whether the given zero-based attempt should be retried for
// an error of the given class, and the delay to wait before the next attempt.
// Pure function of its inputs.
func (p RetryPolicy) Decide(attempt int, class Class) (bool, time.Duration) {
	if !Retryable(class) {
		return false, 0
	}
	if attempt >= p.MaxRetries {
		return false, 0
	}
	return true, p.InitialDelay << uint(attempt)
}
