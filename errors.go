package stealthdp

import (
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/stealthdp/runner"
)

// Error is a stealthdp error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

// Error values.
const (
	// ErrSessionClosed is returned by every session command issued after
	// the session was closed.
	ErrSessionClosed Error = "session closed"

	// ErrCommandFailed is the error wrapped by CommandError.
	ErrCommandFailed Error = "command failed"

	// ErrScriptInjectionFailed is the error wrapped by InjectionError.
	ErrScriptInjectionFailed Error = "script injection failed"

	// ErrWaitTimeout is the error wrapped by WaitTimeoutError.
	ErrWaitTimeout Error = "wait timeout"

	// ErrChannelClosed is returned when a control channel command is issued
	// after the channel was closed.
	ErrChannelClosed Error = "control channel closed"

	// ErrNoPageTarget is returned when the browser exposes no page target to
	// attach a devtools channel to.
	ErrNoPageTarget Error = "no page target"

	// ErrPageClosed is returned by page operations issued after the page
	// was closed.
	ErrPageClosed Error = "page closed"

	// ErrPollingTimeout is the policy error of polls and selector waits.
	ErrPollingTimeout Error = "waiting for function failed: timeout"
)

// Process errors, as returned by the runner package.
var (
	ErrProcessLaunchFailed = runner.ErrLaunchFailed
	ErrProcessTimeout      = runner.ErrTimeout
)

// CommandError is a transport or protocol failure of a single session or
// control channel command.
type CommandError struct {
	Method string
	Err    error
}

// Error satisfies the error interface.
func (err *CommandError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrCommandFailed, err.Method, err.Err)
}

// Unwrap returns the underlying error.
func (err *CommandError) Unwrap() error {
	return err.Err
}

// Is reports whether target is ErrCommandFailed.
func (err *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// InjectionError is a failed step of an injection plan.
type InjectionError struct {
	Point InjectionPoint
	Step  string
	Err   error
}

// Error satisfies the error interface.
func (err *InjectionError) Error() string {
	return fmt.Sprintf("%s: %s: %s: %v", ErrScriptInjectionFailed, err.Point, err.Step, err.Err)
}

// Unwrap returns the underlying error.
func (err *InjectionError) Unwrap() error {
	return err.Err
}

// Is reports whether target is ErrScriptInjectionFailed.
func (err *InjectionError) Is(target error) bool {
	return target == ErrScriptInjectionFailed
}

// WaitTimeoutError is returned by WaitFor when the condition did not hold
// within the policy timeout.
type WaitTimeoutError struct {
	Op      string
	Elapsed time.Duration

	// Err is the policy error, if any.
	Err error

	// Last is the last transient error seen, if any.
	Last error
}

// Error satisfies the error interface.
func (err *WaitTimeoutError) Error() string {
	s := fmt.Sprintf("%s: %s after %v", ErrWaitTimeout, err.Op, err.Elapsed.Round(time.Millisecond))
	if err.Last != nil {
		s += fmt.Sprintf(" (last: %v)", err.Last)
	}
	return s
}

// Unwrap returns the policy error and the last transient error.
func (err *WaitTimeoutError) Unwrap() []error {
	var errs []error
	if err.Err != nil {
		errs = append(errs, err.Err)
	}
	if err.Last != nil {
		errs = append(errs, err.Last)
	}
	return errs
}

// Is reports whether target is ErrWaitTimeout.
func (err *WaitTimeoutError) Is(target error) bool {
	return target == ErrWaitTimeout
}

// transientError marks an error as retryable by WaitFor.
type transientError struct {
	err error
}

func (err transientError) Error() string {
	return err.err.Error()
}

func (err transientError) Unwrap() error {
	return err.err
}

// Transient marks err as a not-yet condition: WaitFor retries it instead of
// aborting. Transient(nil) returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err}
}

// IsTransient reports whether err, or any error it wraps, was marked with
// Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}
