package domain

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned by providers when the API rejects the credentials.
// It aborts the whole run.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotFound is returned when the project or pipeline does not exist.
var ErrNotFound = errors.New("not found")

// ErrMalformedResponse is returned when an API payload does not have the expected shape.
// It is never retried.
var ErrMalformedResponse = errors.New("malformed response")

// ErrDependencyCycle is returned when a pipeline's job graph contains a cycle.
var ErrDependencyCycle = errors.New("dependency cycle")

// TransientError is returned when a request kept failing with a retryable
// condition (network error, rate limit, server error) until retries ran out.
type TransientError struct {
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("giving up after %d attempt(s): HTTP %d", e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConfigError reports an invalid or missing setting. It is detected before any fetch.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// IsFatal reports whether err must abort the whole run rather than a single pipeline.
func IsFatal(err error) bool {
	var cfgErr *ConfigError
	return errors.Is(err, ErrUnauthorized) || errors.As(err, &cfgErr)
}
