// Package apperr defines the structured error codes used across the
// control plane, and a carrier type that attaches one of them to an error
// without losing the underlying cause or a stack frame to debug it with.
package apperr

import (
	"fmt"
	"net/http"

	"github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Code is a structured error kind, independent of any particular message.
type Code string

const (
	Validation         Code = "VALIDATION"
	NotFound           Code = "NOT_FOUND"
	Conflict           Code = "CONFLICT"
	Timeout            Code = "TIMEOUT"
	DaemonUnavailable  Code = "DAEMON_UNAVAILABLE"
	StateViolation     Code = "STATE_VIOLATION"
	ResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	External           Code = "EXTERNAL"
	Internal           Code = "INTERNAL"

	// Port registry codes (spec.md §4.2).
	InvalidPort        Code = "INVALID_PORT"
	SystemReserved     Code = "SYSTEM_RESERVED"
	PortOutOfRange     Code = "PORT_OUT_OF_RANGE"
	PortInUse          Code = "PORT_IN_USE"
	PortInUseExternal  Code = "PORT_IN_USE_EXTERNAL"
	NoAvailablePorts   Code = "NO_AVAILABLE_PORTS"
	ProjectMismatch    Code = "PROJECT_MISMATCH"
	InvalidProjectType Code = "INVALID_PROJECT_TYPE"

	// Lifecycle-specific codes.
	StartTimeout Code = "START_TIMEOUT"
)

// ComplexError carries a structured code and a stack frame to the top level.
// Adapted from the teacher's commands.ComplexError, generalized from a
// single hard-coded code to the full enum above.
type ComplexError struct {
	Message string
	Code    Code
	Details map[string]interface{}
	frame   xerrors.Frame
}

func (ce ComplexError) FormatError(p xerrors.Printer) error {
	p.Printf("%s %s", ce.Code, ce.Message)
	ce.frame.Format(p)
	return nil
}

func (ce ComplexError) Format(f fmt.State, c rune) {
	xerrors.FormatError(ce, f, c)
}

func (ce ComplexError) Error() string {
	return fmt.Sprint(ce)
}

// New creates a ComplexError with a captured stack frame.
func New(code Code, message string) error {
	return ComplexError{
		Message: message,
		Code:    code,
		frame:   xerrors.Caller(1),
	}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...interface{}) error {
	return ComplexError{
		Message: fmt.Sprintf(format, args...),
		Code:    code,
		frame:   xerrors.Caller(1),
	}
}

// WithDetails attaches structured details to a ComplexError, returning it
// unchanged if err doesn't carry one.
func WithDetails(err error, details map[string]interface{}) error {
	var ce ComplexError
	if xerrors.As(err, &ce) {
		ce.Details = details
		return ce
	}
	return err
}

// WrapError wraps err for the sake of a stack trace at the top level,
// returning nil unchanged (go-errors otherwise wraps nil into a non-nil
// error, which the teacher's WrapError works around the same way).
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, 0)
}

// CodeOf extracts the structured code from err, or Internal if err doesn't
// carry one.
func CodeOf(err error) Code {
	var ce ComplexError
	if xerrors.As(err, &ce) {
		return ce.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var ce ComplexError
	if xerrors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// MessageOf extracts the human-readable message from err, or err's own
// Error() text if it doesn't carry a ComplexError.
func MessageOf(err error) string {
	var ce ComplexError
	if xerrors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}

// DetailsOf extracts the structured details attached to err, if any.
func DetailsOf(err error) map[string]interface{} {
	var ce ComplexError
	if xerrors.As(err, &ce) {
		return ce.Details
	}
	return nil
}

// HTTPStatus maps a code to the HTTP status spec.md §7 assigns it.
func HTTPStatus(code Code) int {
	switch code {
	case Validation, InvalidPort, PortOutOfRange, InvalidProjectType:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict, PortInUse, PortInUseExternal, SystemReserved, StateViolation, ProjectMismatch:
		return http.StatusConflict
	case Timeout, StartTimeout:
		return http.StatusRequestTimeout
	case DaemonUnavailable, External:
		return http.StatusBadGateway
	case ResourceExhausted, NoAvailablePorts:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
