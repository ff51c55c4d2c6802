package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Error class constants for delivery failure classification.
const (
	ErrorClassConnection    = "connection"
	ErrorClassTimeout       = "timeout"
	ErrorClassServer        = "server"
	ErrorClassRateLimited   = "rate_limited"
	ErrorClassClient        = "client"
	ErrorClassSerialization = "serialization"
	ErrorClassUnknown       = "unknown"
)

var (
	// ErrAlreadyFinished is reported when a finished span or trace is mutated.
	ErrAlreadyFinished = errors.New("span or trace already finished")
	// ErrFrameMismatch is reported when a context token is restored out of order.
	ErrFrameMismatch = errors.New("context frame restored out of order")
	// ErrWriterClosed is reported when a trace is enqueued after shutdown.
	ErrWriterClosed = errors.New("trace writer is closed")
)

// ConfigError reports invalid SDK configuration. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ConnectionError reports that the collector backend could not be reached
// during explicit initialization.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to collector %q: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DeliveryError describes a trace that could not be delivered after retries.
// It is surfaced through counters, drop handlers and logs, never to producers.
type DeliveryError struct {
	TraceID  string
	Attempts int
	Class    string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver trace %s failed after %d attempt(s) (%s): %v", e.TraceID, e.Attempts, e.Class, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// InstrumentationError reports an internal consistency violation in the
// tracing layer. It is logged and never propagated into user code.
type InstrumentationError struct {
	Op  string
	Err error
}

func (e *InstrumentationError) Error() string {
	return fmt.Sprintf("instrumentation %s: %v", e.Op, e.Err)
}

func (e *InstrumentationError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is returned by senders when the collector answers with a
// non-success HTTP status.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("collector returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsRetryable reports whether a delivery error is transient.
func IsRetryable(err error) bool {
	switch ClassifyError(err) {
	case ErrorClassConnection, ErrorClassTimeout, ErrorClassServer, ErrorClassRateLimited:
		return true
	case ErrorClassUnknown:
		// Unclassified transport failures are treated as transient.
		return err != nil
	default:
		return false
	}
}

// ClassifyError maps a delivery error to one of the defined error classes so
// operators can alert on failure categories rather than opaque Go type names.
func ClassifyError(err error) string {
	if err == nil {
		return ErrorClassUnknown
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 429:
			return ErrorClassRateLimited
		case statusErr.StatusCode >= 500:
			return ErrorClassServer
		default:
			return ErrorClassClient
		}
	}

	var syntaxErr *serializationError
	if errors.As(err, &syntaxErr) {
		return ErrorClassSerialization
	}

	// Timeout checks (before connection, since net.Error can be both).
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return ErrorClassConnection
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrorClassConnection
	}

	msg := strings.ToLower(err.Error())
	if isConnectionString(msg) {
		return ErrorClassConnection
	}
	if isTimeoutString(msg) {
		return ErrorClassTimeout
	}

	return ErrorClassUnknown
}

// NewSerializationError marks err as a payload encoding failure, which is
// never retried.
func NewSerializationError(err error) error {
	if err == nil {
		return nil
	}
	return &serializationError{err: err}
}

type serializationError struct {
	err error
}

func (e *serializationError) Error() string {
	return "serialize payload: " + e.err.Error()
}

func (e *serializationError) Unwrap() error {
	return e.err
}

func isConnectionString(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "unexpected eof") ||
		msg == "eof" ||
		strings.HasSuffix(msg, ": eof")
}

func isTimeoutString(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}
