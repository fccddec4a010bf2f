package ratelimit

import (
	"testing"
	"time"
)

func TestState_IsThrottled(t *testing.T) {
	tests := []struct {
		name     string
		state    State
		expected bool
	}{
		{
			name:     "at floor",
			state:    State{Delay: time.Second, MinDelay: time.Second},
			expected: false,
		},
		{
			name:     "above floor",
			state:    State{Delay: 2 * time.Second, MinDelay: time.Second},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsThrottled(); got != tt.expected {
				t.Errorf("IsThrottled() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_AtCeiling(t *testing.T) {
	tests := []struct {
		name     string
		delay    time.Duration
		expected bool
	}{
		{name: "below ceiling", delay: 30 * time.Second, expected: false},
		{name: "at ceiling", delay: 60 * time.Second, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := State{Delay: tt.delay, MinDelay: time.Second, MaxDelay: 60 * time.Second}
			if got := s.AtCeiling(); got != tt.expected {
				t.Errorf("AtCeiling() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_TimeUntilNext(t *testing.T) {
	now := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		next     time.Time
		expected time.Duration
	}{
		{name: "future grant", next: now.Add(3 * time.Second), expected: 3 * time.Second},
		{name: "past grant", next: now.Add(-3 * time.Second), expected: 0},
		{name: "zero grant", next: time.Time{}, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := State{NextGrant: tt.next}
			if got := s.TimeUntilNext(now); got != tt.expected {
				t.Errorf("TimeUntilNext() = %v, want %v", got, tt.expected)
			}
		})
	}
}
