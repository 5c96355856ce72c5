// Package ratelimit tracks Graph API app-level usage and gates requests.
// It monitors the X-App-Usage header (JSON percentages of the app's call,
// time and CPU budgets) to back off before the provider starts rejecting
// calls outright.
package ratelimit

import (
	"time"
)

// RedisKeyUsage is the key holding the serialized usage state. The state is
// shared across all client instances so concurrent collectors gate together.
const RedisKeyUsage = "graph:app_usage"

// Thresholds for gating decisions, in percent of the provider budget.
const (
	// ThresholdCritical blocks all requests at or above this usage. The
	// provider would start rejecting calls shortly after.
	ThresholdCritical = 95

	// ThresholdWarning throttles requests at or above this usage to slow
	// budget consumption.
	ThresholdWarning = 80
)

// Usage is the app-level usage state reported by the provider. All values are
// percentages of the rolling budget; any dimension reaching 100 means the
// provider throttles the app.
type Usage struct {
	// CallCount is the percentage of allowed calls consumed.
	CallCount int `json:"call_count"`

	// TotalTime is the percentage of allowed total request time consumed.
	TotalTime int `json:"total_time"`

	// TotalCPUTime is the percentage of allowed CPU time consumed.
	TotalCPUTime int `json:"total_cputime"`

	// UpdatedAt is when this state was last refreshed from a response header.
	UpdatedAt time.Time `json:"updated_at"`
}

// Max returns the highest of the three usage dimensions; gating decisions use
// the worst dimension.
func (u *Usage) Max() int {
	max := u.CallCount
	if u.TotalTime > max {
		max = u.TotalTime
	}
	if u.TotalCPUTime > max {
		max = u.TotalCPUTime
	}
	return max
}

// NeedsBlock reports whether requests should be blocked.
func (u *Usage) NeedsBlock() bool {
	return u.Max() >= ThresholdCritical
}

// NeedsThrottle reports whether requests should be slowed down.
func (u *Usage) NeedsThrottle() bool {
	return u.Max() >= ThresholdWarning && !u.NeedsBlock()
}

// IsStale reports whether the state is older than maxAge. Stale state is
// treated as healthy; the next response header refreshes it.
func (u *Usage) IsStale(maxAge time.Duration) bool {
	return time.Since(u.UpdatedAt) > maxAge
}
