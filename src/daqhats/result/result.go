// Package result defines the tagged status codes returned by every
// public entry point of the driver core, in place of ad hoc errors.
package result

import "fmt"

// Code enumerates the outcome kinds a public operation can return.
type Code int

const (
	// Success indicates the operation completed normally.
	Success Code = iota
	// BadParameter indicates arguments were out of range or a required
	// sink was nil.
	BadParameter
	// Busy indicates device state forbids the operation right now,
	// e.g. a configuration change while a scan session exists.
	Busy
	// Timeout indicates a deadline elapsed mid-transaction or mid-read.
	Timeout
	// LockTimeout indicates the cross-process bus lock was not
	// acquired within its allotted wait.
	LockTimeout
	// ResourceUnavail indicates allocation, fd open, or thread/goroutine
	// creation failed, or that an operation was attempted without an
	// active session.
	ResourceUnavail
	// InvalidDevice indicates a wrong product ID or unreadable factory
	// data.
	InvalidDevice
	// Undefined indicates a lower-level I/O failure or an unmapped
	// firmware status byte.
	Undefined
)

func (c Code) String() string {
	switch c {
	case Success:
		return "Success"
	case BadParameter:
		return "BadParameter"
	case Busy:
		return "Busy"
	case Timeout:
		return "Timeout"
	case LockTimeout:
		return "LockTimeout"
	case ResourceUnavail:
		return "ResourceUnavail"
	case InvalidDevice:
		return "InvalidDevice"
	case Undefined:
		return "Undefined"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Result pairs a Code with optional context. It implements error so
// it composes with fmt.Errorf("%w", ...) at call sites that want
// idiomatic wrapping (the CLI, tests), while internal code can switch
// on Code directly without string matching.
type Result struct {
	Code Code
	msg  string
}

// Of wraps a Code with no extra context.
func Of(code Code) Result {
	return Result{Code: code}
}

// Wrap attaches context to a Code, e.g. Wrap(Undefined, "spi transfer: %v", err).
func Wrap(code Code, format string, args ...interface{}) Result {
	return Result{Code: code, msg: fmt.Sprintf(format, args...)}
}

func (r Result) Error() string {
	if r.msg == "" {
		return r.Code.String()
	}
	return fmt.Sprintf("%s: %s", r.Code, r.msg)
}

// OK reports whether the result is Success.
func (r Result) OK() bool {
	return r.Code == Success
}
