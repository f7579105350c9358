// Package errors defines the structured error taxonomy used across dnsgate.
//
// Every error carries a Code so callers can branch with errors.Is against a
// bare code value (for example errors.Is(err, errors.New(CodeUpstreamTimeout, "")))
// instead of matching strings.
package errors

import "fmt"

// Code identifies an error category.
type Code string

const (
	// CodeMalformedFrame is a frame that is too short or not IPv4/UDP.
	CodeMalformedFrame Code = "MALFORMED_FRAME"

	// CodeDNSDecode is a UDP payload whose question cannot be decoded.
	CodeDNSDecode Code = "DNS_DECODE_FAILURE"

	// CodeUpstreamTimeout is an upstream resolver that did not answer in time.
	CodeUpstreamTimeout Code = "UPSTREAM_TIMEOUT"

	// CodeUpstreamSocket is any other upstream socket failure.
	CodeUpstreamSocket Code = "UPSTREAM_SOCKET_ERROR"

	// CodeInterfaceWrite is a failed write to the virtual interface.
	CodeInterfaceWrite Code = "INTERFACE_WRITE_FAILURE"

	// CodeTelemetrySend is a telemetry delivery that did not get a 2xx.
	CodeTelemetrySend Code = "TELEMETRY_SEND_FAILURE"

	// CodeConfig is a configuration loading error.
	CodeConfig Code = "CONFIG_ERROR"

	// CodeValidation is a configuration validation error.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeNetwork is a host network setup error (tun, routes, iptables).
	CodeNetwork Code = "NETWORK_ERROR"

	// CodeStorage is a persisted state read/write error.
	CodeStorage Code = "STORAGE_ERROR"
)

// Error is a categorized error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with the given code wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// HasCode reports whether err or anything it wraps carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func NewConfigError(message string, cause error) *Error {
	return Wrap(CodeConfig, message, cause)
}

func NewValidationError(message string, cause error) *Error {
	return Wrap(CodeValidation, message, cause)
}

func NewNetworkError(message string, cause error) *Error {
	return Wrap(CodeNetwork, message, cause)
}

func NewStorageError(message string, cause error) *Error {
	return Wrap(CodeStorage, message, cause)
}
