// Package errors defines the error taxonomy shared by the FlowMQ runtime.
//
// Transport-level connection problems are retried inside the drivers and stay
// invisible to callers. Everything else falls into one of the typed errors
// below so the producer and worker runtime can decide between retrying,
// dead-lettering, and dropping.
package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrProcessorRequired  = sterrors.New("flowmq: processing function is required")
	ErrInputTopicRequired = sterrors.New("flowmq: input topic is required")
	ErrWorkerNameRequired = sterrors.New("flowmq: worker name is required")
	ErrGroupIDRequired    = sterrors.New("flowmq: consumer group id is required")
	ErrTopicRequired      = sterrors.New("flowmq: topic is required")
	ErrTopicConflict      = sterrors.New("flowmq: conflicting topic re-registration")
	ErrConfigRequired     = sterrors.New("flowmq: config is required")
	ErrLoggerRequired     = sterrors.New("flowmq: logger is required")
	ErrPayloadRequired    = sterrors.New("flowmq: payload is required")
	ErrDriverClosed       = sterrors.New("flowmq: driver is closed")
	ErrBufferFull         = sterrors.New("flowmq: publish buffer is full")
	ErrProducerClosed     = sterrors.New("flowmq: producer is closed")

	// Typed handler construction.
	ErrMessageTypeRequired  = sterrors.New("flowmq: message type is required")
	ErrMessagePointerNeeded = sterrors.New("flowmq: message type must be a pointer")
)

// ErrFlushTimeout reports that messages remained buffered when the flush
// deadline elapsed.
var ErrFlushTimeout = sterrors.New("flowmq: flush timed out with messages still buffered")

// SchemaError marks a payload that failed validation or (de)serialization
// against a topic's declared schema. Schema errors are permanent: the payload
// cannot self-heal, so the worker runtime skips retries entirely.
type SchemaError struct {
	Topic  string
	Detail string
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("flowmq: schema error on topic %q: %s: %v", e.Topic, e.Detail, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// NewSchemaError wraps err as a permanent schema failure for topic.
func NewSchemaError(topic, detail string, err error) *SchemaError {
	return &SchemaError{Topic: topic, Detail: detail, Err: err}
}

// IsSchemaError reports whether err is (or wraps) a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return sterrors.As(err, &se)
}

// ProduceError is a terminal broker rejection surfaced to the caller of a
// waiting send. It is never retried by the producer; publish-side retry is
// the caller's decision.
type ProduceError struct {
	Topic string
	Err   error
}

func (e *ProduceError) Error() string {
	return fmt.Sprintf("flowmq: produce to topic %q failed: %v", e.Topic, e.Err)
}

func (e *ProduceError) Unwrap() error { return e.Err }

// CommitError reports a failed offset commit. Side effects already published
// (outputs, DLQ envelopes) are not rolled back; the message may be
// redelivered, which is the documented at-least-once risk.
type CommitError struct {
	Topic     string
	Partition int
	Offset    int64
	Err       error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("flowmq: commit of %s/%d@%d failed: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// PermanentError marks a processing failure that must not be retried
// regardless of the remaining retry budget. Processing functions wrap errors
// with Permanent to skip straight to dead-lettering.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "flowmq: permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the worker runtime treats it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryAfterError carries an explicit delay override for the next attempt.
// The error stays retryable; only the backoff is replaced.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("flowmq: retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter wraps err with a caller-chosen delay before the next attempt.
func RetryAfter(after time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &RetryAfterError{After: after, Err: err}
}

// IsPermanent reports whether err must bypass the retry budget. Schema errors
// are always permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	if sterrors.As(err, &pe) {
		return true
	}
	return IsSchemaError(err)
}

// ConfigValidationError aggregates the problems found while validating a
// Config at startup.
type ConfigValidationError struct {
	Problems []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("flowmq: invalid configuration: %v", e.Problems)
}
