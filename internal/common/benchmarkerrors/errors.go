// Package benchmarkerrors contains the typed errors shared by the agent and the controller.
// The agent HTTP surface looks for the error types defined in this file and sets the
// response status accordingly, and the controller uses errors.As on them to tell the
// failure classes apart (e.g., a deadlocked job from a job that merely ran out of time).
//
// If multiple errors occur in some function (e.g., while tearing down several services),
// that function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package benchmarkerrors

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidArgument is returned when a job definition or limiter input is malformed.
// It is never retried.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "cpuLimitRatio"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrNotFound is returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrResourceLimit indicates that a cgroup or Job Object could not be created or applied.
type ErrResourceLimit struct {
	Scope   string
	Message string
	Cause   error
}

func (err *ErrResourceLimit) Error() string {
	s := fmt.Sprintf("resource limit scope %q: %s", err.Scope, err.Message)
	if err.Cause != nil {
		s = s + fmt.Sprintf(": %s", err.Cause)
	}
	return s
}

func (err *ErrResourceLimit) Unwrap() error {
	return err.Cause
}

// ErrProcessFailed is returned when an external process exits with a non-zero code
// or exceeds its timeout.
type ErrProcessFailed struct {
	Filename string
	ExitCode int
	TimedOut bool
	Stderr   string
}

func (err *ErrProcessFailed) Error() string {
	if err.TimedOut {
		return fmt.Sprintf("process %s timed out", err.Filename)
	}
	s := fmt.Sprintf("process %s exited with code %d", err.Filename, err.ExitCode)
	if err.Stderr != "" {
		s = s + fmt.Sprintf("; %s", err.Stderr)
	}
	return s
}

// ErrCanceled is returned when an operation is cancelled before it completed.
type ErrCanceled struct {
	Operation string
	Cause     error
}

func (err *ErrCanceled) Error() string {
	return fmt.Sprintf("%s was cancelled: %s", err.Operation, err.Cause)
}

func (err *ErrCanceled) Unwrap() error {
	return err.Cause
}

// ErrTimeout is the ordinary "took longer than allowed" outcome.
type ErrTimeout struct {
	Operation string
	After     time.Duration
}

func (err *ErrTimeout) Error() string {
	return fmt.Sprintf("%s did not complete within %s", err.Operation, err.After)
}

// ErrJobDeadlock is raised by the controller when a running job stops changing state
// and stops producing measurements for longer than the configured idle window.
// It is deliberately a different type from ErrTimeout.
type ErrJobDeadlock struct {
	Service   string
	JobUrl    string
	LastState string
	IdleFor   time.Duration
}

func (err *ErrJobDeadlock) Error() string {
	return fmt.Sprintf("job %s (service %s) appears deadlocked: no state change or new measurement for %s while %s",
		err.JobUrl, err.Service, err.IdleFor, err.LastState)
}

// ErrDriverTimeout is recorded on an agent job that terminated itself because the controller
// stopped communicating with it.
type ErrDriverTimeout struct {
	JobId        int
	LastContact  time.Time
	AllowedQuiet time.Duration
}

func (err *ErrDriverTimeout) Error() string {
	return fmt.Sprintf("job %d: no communication from the controller since %s (allowed %s), terminating",
		err.JobId, err.LastContact.UTC().Format(time.RFC3339), err.AllowedQuiet)
}

// ErrAgentUnreachable is returned by the controller once the bounded retries towards an agent are exhausted.
type ErrAgentUnreachable struct {
	Url      string
	Attempts uint
	Cause    error
}

func (err *ErrAgentUnreachable) Error() string {
	return fmt.Sprintf("agent %s unreachable after %d attempt(s): %s", err.Url, err.Attempts, err.Cause)
}

func (err *ErrAgentUnreachable) Unwrap() error {
	return err.Cause
}

// ErrServiceFailed reports which service of a scenario failed, in which state it was last seen,
// and the error text captured by the agent.
type ErrServiceFailed struct {
	Service   string
	LastState string
	Message   string
	Cause     error
}

func (err *ErrServiceFailed) Error() string {
	s := fmt.Sprintf("service %q failed in state %s", err.Service, err.LastState)
	if err.Message != "" {
		s = s + fmt.Sprintf(": %s", err.Message)
	}
	if err.Cause != nil {
		s = s + fmt.Sprintf(" (%s)", err.Cause)
	}
	return s
}

func (err *ErrServiceFailed) Unwrap() error {
	return err.Cause
}

// IsRetryable reports whether err may be retried by the bounded retry helpers.
// Validation errors, missing resources and cancellations are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return false
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return false
		}
	}
	{
		var e *ErrCanceled
		if errors.As(err, &e) {
			return false
		}
	}
	return !errors.Is(err, context.Canceled)
}

// StatusFromError maps error types to HTTP status codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func StatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return http.StatusNotFound
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrCanceled
		if errors.As(err, &e) {
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}
