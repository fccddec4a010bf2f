package inat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorClass represents a classification of API failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 404 and 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 throttling responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassNotFound represents a missing observation or taxon.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassParse represents a 2xx response that does not match the schema.
	ErrorClassParse ErrorClass = "parse"
)

// Common errors returned by the client.
var (
	// ErrNotFound is wrapped by every not-found APIError.
	ErrNotFound = errors.New("not found")

	// ErrMissingTaxon is returned for observations without taxonomic information.
	ErrMissingTaxon = errors.New("no taxonomic information available")
)

// APIError represents a failed request with its classification.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Endpoint   string
	Message    string
	// RetryAfter is the server's Retry-After hint on throttling responses.
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("iNaturalist %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("iNaturalist %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// ParseError reports a payload that does not satisfy the expected schema.
type ParseError struct {
	// Object is the payload kind ("envelope", "observation", "taxon").
	Object string
	// Field is the offending field, empty for undecodable payloads.
	Field string
	Err   error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("malformed %s: field %q: %v", e.Object, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("malformed %s: missing field %q", e.Object, e.Field)
	case e.Err != nil:
		return fmt.Sprintf("malformed %s: %v", e.Object, e.Err)
	default:
		return fmt.Sprintf("malformed %s", e.Object)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ClassOf returns the classification of err, or "" if it is not an API failure.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) || errors.Is(err, ErrMissingTaxon) {
		return ErrorClassParse
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ""
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassNetwork
	}

	return ""
}

// IsRetryable reports whether err is transient (throttling, 5xx, network).
func IsRetryable(err error) bool {
	return shouldRetry(ClassOf(err))
}

// IsThrottled reports whether err is a throttling signal.
func IsThrottled(err error) bool {
	return ClassOf(err) == ErrorClassRateLimit
}

// RetryAfter returns the Retry-After hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// client, not_found and parse failures repeat identically
		return false
	}
}
