// Package ratelimit implements request admission for the iNaturalist API.
// It spaces granted requests by a minimum delay and backs off exponentially
// when the API signals throttling (HTTP 429).
package ratelimit

import (
	"time"
)

// Defaults for limiter configuration.
const (
	// DefaultMinDelay matches the one request per second the iNaturalist API asks for.
	DefaultMinDelay = 1 * time.Second

	// DefaultMaxDelay caps the throttling backoff.
	DefaultMaxDelay = 60 * time.Second

	// BackoffFactor multiplies the delay on every throttling signal.
	BackoffFactor = 2
)

// State is a point-in-time snapshot of the limiter.
type State struct {
	// Delay is the current spacing enforced between granted acquisitions.
	Delay time.Duration `json:"delay"`

	// MinDelay is the floor the delay decays back to after throttling.
	MinDelay time.Duration `json:"min_delay"`

	// MaxDelay is the ceiling of the throttling backoff.
	MaxDelay time.Duration `json:"max_delay"`

	// Throttles counts throttling signals reported so far.
	Throttles int64 `json:"throttles"`

	// Acquired counts granted acquisitions, one per raw API call.
	Acquired int64 `json:"acquired"`

	// NextGrant is the earliest time the next acquisition can be granted.
	NextGrant time.Time `json:"next_grant"`
}

// IsThrottled returns true while the delay is above its floor.
func (s State) IsThrottled() bool {
	return s.Delay > s.MinDelay
}

// AtCeiling returns true if the backoff has reached MaxDelay.
func (s State) AtCeiling() bool {
	return s.Delay >= s.MaxDelay
}

// TimeUntilNext returns how long an acquisition made at now would wait.
// Returns 0 if a grant is available immediately.
func (s State) TimeUntilNext(now time.Time) time.Duration {
	d := s.NextGrant.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
