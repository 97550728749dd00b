package beam

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures raised by the module.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota

	// ErrorNetwork covers transport, DNS and TLS failures and non-2xx replies.
	ErrorNetwork
	// ErrorDecode means an HTTP body was not valid JSON or lacked required fields.
	ErrorDecode
	// ErrorEmptyEndpointList means the platform offered no chat socket endpoint.
	ErrorEmptyEndpointList
	// ErrorProtocol means an inbound socket frame could not be parsed.
	ErrorProtocol
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorNetwork:
		return "network_error"
	case ErrorDecode:
		return "decode_error"
	case ErrorEmptyEndpointList:
		return "empty_endpoint_list"
	case ErrorProtocol:
		return "protocol_error"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// Error is a categorized module error.
type Error struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is.
var (
	ErrNetwork           = &Error{Code: ErrorNetwork, Message: "network failure"}
	ErrDecode            = &Error{Code: ErrorDecode, Message: "malformed response"}
	ErrEmptyEndpointList = &Error{Code: ErrorEmptyEndpointList, Message: "no chat endpoint available"}
	ErrProtocol          = &Error{Code: ErrorProtocol, Message: "malformed socket frame"}
)

func wrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Wrapped: err}
}

// CodeOf returns the code of the first *Error in err's chain, or ErrorUnknown.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrorUnknown
}
