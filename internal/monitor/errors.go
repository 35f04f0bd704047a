package monitor

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned by KV backends for keys that were never written.
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed user input or a malformed scrape result.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// HTTPStatusError is returned when a source answers with a non-2xx status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d %s from %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// RetryError is raised after every scrape attempt for a source has failed.
type RetryError struct {
	Source   string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("scrape %s failed after %d attempts: %v", e.Source, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// NotificationError wraps a failed e-mail delivery.
type NotificationError struct {
	Recipient string
	Err       error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// FatalError marks a failure that escaped the per-source guards of a run.
type FatalError struct {
	Op    string
	Err   error
	Stack string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
