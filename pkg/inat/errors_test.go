package inat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{
			name:       "client error should not retry",
			errorClass: ErrorClassClient,
			expected:   false,
		},
		{
			name:       "server error should retry",
			errorClass: ErrorClassServer,
			expected:   true,
		},
		{
			name:       "rate limit should retry",
			errorClass: ErrorClassRateLimit,
			expected:   true,
		},
		{
			name:       "network error should retry",
			errorClass: ErrorClassNetwork,
			expected:   true,
		},
		{
			name:       "not found should not retry",
			errorClass: ErrorClassNotFound,
			expected:   false,
		},
		{
			name:       "parse error should not retry",
			errorClass: ErrorClassParse,
			expected:   false,
		},
		{
			name:       "empty error class should not retry",
			errorClass: "",
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := shouldRetry(tt.errorClass)
			if result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
			}
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		apiError *APIError
		expected string
	}{
		{
			name: "error with wrapped error",
			apiError: &APIError{
				ErrorClass: ErrorClassNetwork,
				Message:    "request failed",
				Err:        errors.New("connection refused"),
			},
			expected: "iNaturalist network error (status 0): request failed: connection refused",
		},
		{
			name: "error without wrapped error",
			apiError: &APIError{
				StatusCode: 503,
				ErrorClass: ErrorClassServer,
				Message:    "503 Service Unavailable",
			},
			expected: "iNaturalist server error (status 503): 503 Service Unavailable",
		},
		{
			name: "rate limit error",
			apiError: &APIError{
				StatusCode: 429,
				ErrorClass: ErrorClassRateLimit,
				Message:    "429 Too Many Requests",
			},
			expected: "iNaturalist rate_limit error (status 429): 429 Too Many Requests",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.apiError.Error()
			if result != tt.expected {
				t.Errorf("Error() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	apiErr := &APIError{
		StatusCode: 404,
		ErrorClass: ErrorClassNotFound,
		Message:    "404 Not Found",
		Err:        ErrNotFound,
	}

	if !errors.Is(apiErr, ErrNotFound) {
		t.Error("errors.Is should find ErrNotFound")
	}

	wrapped := fmt.Errorf("fetch observation 7: %w", apiErr)
	var target *APIError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find *APIError through wrapping")
	}
	if target.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404", target.StatusCode)
	}
}

func TestParseError_Error(t *testing.T) {
	tests := []struct {
		err  *ParseError
		want string
	}{
		{&ParseError{Object: "taxon", Field: "rank"}, `malformed taxon: missing field "rank"`},
		{&ParseError{Object: "envelope", Err: errors.New("unexpected EOF")}, "malformed envelope: unexpected EOF"},
		{&ParseError{Object: "observation"}, "malformed observation"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"api error", &APIError{ErrorClass: ErrorClassServer}, ErrorClassServer},
		{"wrapped api error", fmt.Errorf("batch: %w", &APIError{ErrorClass: ErrorClassRateLimit}), ErrorClassRateLimit},
		{"parse error", &ParseError{Object: "taxon", Field: "id"}, ErrorClassParse},
		{"missing taxon", fmt.Errorf("observation 1: %w", ErrMissingTaxon), ErrorClassParse},
		{"context cancelled", context.Canceled, ""},
		{"plain error", errors.New("boom"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsThrottledAndRetryAfter(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &APIError{
		StatusCode: 429,
		ErrorClass: ErrorClassRateLimit,
		RetryAfter: 5 * time.Second,
	})

	if !IsThrottled(err) {
		t.Error("IsThrottled() = false, want true")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false, want true")
	}
	if got := RetryAfter(err); got != 5*time.Second {
		t.Errorf("RetryAfter() = %v, want 5s", got)
	}
	if RetryAfter(errors.New("plain")) != 0 {
		t.Error("RetryAfter() of a plain error should be 0")
	}
}
