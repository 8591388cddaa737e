// Package reliability provides the primitives every outbound call goes
// through: error classification, bounded retry with backoff, rate
// limiting, and per-entity cooldown.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorClass is the closed taxonomy for outbound-call failures.
type ErrorClass string

const (
	ClassNetwork      ErrorClass = "NETWORK"
	ClassRateLimit    ErrorClass = "RATE_LIMIT"
	ClassInvalidInput ErrorClass = "INVALID_INPUT"
	ClassTransient    ErrorClass = "TRANSIENT"
	ClassPermanent    ErrorClass = "PERMANENT"
	ClassUnknown      ErrorClass = "UNKNOWN"
)

// Policy is the per-class retry default.
type Policy struct {
	Retryable   bool
	MaxAttempts int
	BaseDelay   time.Duration
}

var policies = map[ErrorClass]Policy{
	ClassNetwork:      {Retryable: true, MaxAttempts: 5, BaseDelay: 1 * time.Second},
	ClassRateLimit:    {Retryable: true, MaxAttempts: 5, BaseDelay: 30 * time.Second},
	ClassTransient:    {Retryable: true, MaxAttempts: 3, BaseDelay: 2 * time.Second},
	ClassUnknown:      {Retryable: true, MaxAttempts: 2, BaseDelay: 5 * time.Second},
	ClassInvalidInput: {Retryable: false},
	ClassPermanent:    {Retryable: false},
}

// PolicyFor returns the retry policy for a class.
func PolicyFor(c ErrorClass) Policy { return policies[c] }

// Retryable reports whether the class admits retries.
func (c ErrorClass) Retryable() bool { return policies[c].Retryable }

// ProviderError is a failure reported by a remote backend with an HTTP
// status attached. Adapters return it so the classifier can map status
// codes without parsing messages.
type ProviderError struct {
	StatusCode int
	Provider   string
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// ClassifiedError pairs an underlying error with its class.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s] %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewClassified wraps err with an explicit class, bypassing inference.
func NewClassified(class ErrorClass, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

// Classify maps a raw failure to its error class. Precedence: explicit
// classification, known network error types, HTTP status mapping,
// message substrings, then UNKNOWN.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if isNetworkError(err) {
		return ClassNetwork
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if c, ok := classifyStatus(pe.StatusCode); ok {
			return c
		}
	}

	if c, ok := classifyMessage(err.Error()); ok {
		return c
	}
	return ClassUnknown
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}

func classifyStatus(status int) (ErrorClass, bool) {
	switch status {
	case 429:
		return ClassRateLimit, true
	case 400, 404, 405, 422:
		return ClassInvalidInput, true
	case 401, 402, 403:
		return ClassPermanent, true
	case 500, 502, 503, 504:
		return ClassTransient, true
	}
	return ClassUnknown, false
}

func classifyMessage(msg string) (ErrorClass, bool) {
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "rate limit"):
		return ClassRateLimit, true
	case strings.Contains(lowered, "timeout"):
		return ClassNetwork, true
	case strings.Contains(lowered, "unauthorized"):
		return ClassPermanent, true
	case strings.Contains(lowered, "invalid"):
		return ClassInvalidInput, true
	}
	return ClassUnknown, false
}
