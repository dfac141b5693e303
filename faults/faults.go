// Package faults defines the error taxonomy shared by the queue engine,
// the workers, and the control surface. The queue engine keys its retry
// decisions off these types; the HTTP layer maps them to status codes.
package faults

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a subprocess that exited because something in this
// process asked it to terminate. Not counted as a failed attempt.
var ErrCancelled = errors.New("cancelled")

// NotFoundError: unknown vod id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("VOD %s not found", e.ID)
}

// InvalidStateError: the operation is not valid for the record's
// current status (e.g. pausing a vod that is not downloading).
type InvalidStateError struct {
	Op     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while status is %q", e.Op, e.Status)
}

// ConfigurationError: a missing external tool or credential. Fatal,
// never retried automatically.
type ConfigurationError struct {
	Missing string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Missing)
}

// ExternalToolFailure: nonzero exit where the idempotent
// output-already-exists heuristic did not apply.
type ExternalToolFailure struct {
	Tool     string
	ExitCode int
	Output   string
}

func (e *ExternalToolFailure) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
}

// CapacityExceededError: the playlist would exceed its duration cap.
type CapacityExceededError struct {
	CurrentSeconds int64
	AddSeconds     int64
	CapSeconds     int64
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("adding this VOD would exceed the %dh limit. Current: %dh, Adding: %dh",
		e.CapSeconds/3600, e.CurrentSeconds/3600, e.AddSeconds/3600)
}

// StorageInconsistencyError: a tool reported success but the expected
// output file is missing.
type StorageInconsistencyError struct {
	Path string
}

func (e *StorageInconsistencyError) Error() string {
	return fmt.Sprintf("expected output file missing: %s", e.Path)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
