package prices

import (
	"errors"
	"fmt"
)

// Failure kinds for FetchError. Configuration and quota failures must not be
// retried; transient failures may be, and exhausted wraps the last transient
// failure once the retry budget is spent.
const (
	ErrKindConfig    = "configuration"
	ErrKindQuota     = "quota"
	ErrKindTransient = "transient"
	ErrKindExhausted = "exhausted"
)

// FetchError classifies a failure to produce a value for one key.
type FetchError struct {
	Kind     string
	Key      Key
	Upstream string
	Message  string
	Cause    error
}

func (e *FetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Kind, e.Key, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Kind, e.Key, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Detail is the error text without the key prefix, for callers that report
// errors as "KEY: detail" and must not repeat the key.
func (e *FetchError) Detail() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%v)", e.Message, e.Cause)
	}
	return e.Message
}

// NewConfigError reports a misconfiguration such as a missing credential or
// an unknown key. Never retried.
func NewConfigError(key Key, upstream, message string) *FetchError {
	return &FetchError{Kind: ErrKindConfig, Key: key, Upstream: upstream, Message: message}
}

// NewQuotaError reports a request denied by the local rate-limit ledger.
// The denied request was never dispatched, so nothing was charged.
func NewQuotaError(key Key, upstream, message string) *FetchError {
	return &FetchError{Kind: ErrKindQuota, Key: key, Upstream: upstream, Message: message}
}

// NewTransientError reports a failure that a later attempt may recover from:
// network errors, non-200 statuses, malformed payloads.
func NewTransientError(key Key, upstream, message string, cause error) *FetchError {
	return &FetchError{Kind: ErrKindTransient, Key: key, Upstream: upstream, Message: message, Cause: cause}
}

// NewExhaustedError reports that every retry attempt failed.
func NewExhaustedError(key Key, upstream string, attempts int, cause error) *FetchError {
	return &FetchError{
		Kind:     ErrKindExhausted,
		Key:      key,
		Upstream: upstream,
		Message:  fmt.Sprintf("gave up after %d attempts", attempts),
		Cause:    cause,
	}
}

// Retriable reports whether err may be retried under backoff. Unclassified
// errors are treated as transient.
func Retriable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == ErrKindTransient
	}
	return true
}

// ErrDetail returns the "KEY: detail" detail part for any error.
func ErrDetail(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Detail()
	}
	return err.Error()
}
