package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType int

const (
	ErrorNone ErrorType = iota
	ErrorTransport
	ErrorProtocol
	ErrorLoop
	ErrorInvalidArgument
)

// TransportError represents socket-level errors scoped to one connection
type TransportError int

const (
	TransportErrorNone TransportError = iota
	TransportErrorSocketCreateFailure
	TransportErrorSocketBindFailure
	TransportErrorSocketAcceptFailure
	TransportErrorSocketReadFailure
	TransportErrorSocketWriteFailure
	TransportErrorSocketCloseFailure
	TransportErrorConnectionClosed
	TransportErrorDnsFailure
	TransportErrorIoUringInit
	TransportErrorIoUringSubmit
)

func (e TransportError) String() string {
	switch e {
	case TransportErrorNone:
		return "none"
	case TransportErrorSocketCreateFailure:
		return "socket creation failed"
	case TransportErrorSocketBindFailure:
		return "socket bind failed"
	case TransportErrorSocketAcceptFailure:
		return "socket accept failed"
	case TransportErrorSocketReadFailure:
		return "socket read failed"
	case TransportErrorSocketWriteFailure:
		return "socket write failed"
	case TransportErrorSocketCloseFailure:
		return "socket close failed"
	case TransportErrorConnectionClosed:
		return "connection closed"
	case TransportErrorDnsFailure:
		return "address resolution failed"
	case TransportErrorIoUringInit:
		return "io_uring init failed"
	case TransportErrorIoUringSubmit:
		return "io_uring submit failed"
	default:
		return fmt.Sprintf("unknown transport error %d", int(e))
	}
}

// ProtocolError represents request parsing errors. Each one maps to the
// HTTP status sent back to the client.
type ProtocolError int

const (
	ProtocolErrorNone ProtocolError = iota
	ProtocolErrorInvalidRequestLine
	ProtocolErrorInvalidMethod
	ProtocolErrorUnsupportedVersion
	ProtocolErrorInvalidHeader
	ProtocolErrorInvalidContentLength
	ProtocolErrorHeaderLineTooLong
	ProtocolErrorBodyTooLarge
	ProtocolErrorNoHandler
)

// StatusCode returns the HTTP status code reported for the protocol error.
func (e ProtocolError) StatusCode() int {
	switch e {
	case ProtocolErrorInvalidRequestLine, ProtocolErrorInvalidMethod,
		ProtocolErrorInvalidHeader, ProtocolErrorInvalidContentLength:
		return 400
	case ProtocolErrorNoHandler:
		return 404
	case ProtocolErrorBodyTooLarge:
		return 413
	case ProtocolErrorHeaderLineTooLong:
		return 431
	case ProtocolErrorUnsupportedVersion:
		return 505
	default:
		return 500
	}
}

// LoopError represents failures of the reactor itself. They are fatal.
type LoopError int

const (
	LoopErrorNone LoopError = iota
	LoopErrorPollerCreate
	LoopErrorPollerWait
	LoopErrorPollerControl
	LoopErrorListen
)

// HttpError is the main error type for the HTTP server
type HttpError struct {
	Type          ErrorType
	TransportErr  TransportError
	ProtocolErr   ProtocolError
	LoopErr       LoopError
	Message       string
	UnderlyingErr error
}

// Error implements the error interface
func (e *HttpError) Error() string {
	if e == nil {
		return "no error"
	}

	var typeStr string
	switch e.Type {
	case ErrorTransport:
		typeStr = fmt.Sprintf("Transport error (%s)", e.TransportErr)
	case ErrorProtocol:
		typeStr = fmt.Sprintf("Protocol error (%d)", e.ProtocolErr.StatusCode())
	case ErrorLoop:
		typeStr = fmt.Sprintf("Loop error (%d)", e.LoopErr)
	case ErrorInvalidArgument:
		typeStr = "Invalid argument"
	default:
		typeStr = "Unknown error"
	}

	if e.Message != "" {
		typeStr = fmt.Sprintf("%s: %s", typeStr, e.Message)
	}

	if e.UnderlyingErr != nil {
		return fmt.Sprintf("%s (caused by: %v)", typeStr, e.UnderlyingErr)
	}

	return typeStr
}

// Unwrap returns the underlying error for error chain support
func (e *HttpError) Unwrap() error {
	return e.UnderlyingErr
}

// StatusCode returns the HTTP status a protocol error maps to, or 0 for
// every other error type.
func (e *HttpError) StatusCode() int {
	if e == nil || e.Type != ErrorProtocol {
		return 0
	}
	return e.ProtocolErr.StatusCode()
}

// NewTransportError creates a new transport error
func NewTransportError(err TransportError, message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorTransport,
		TransportErr:  err,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewProtocolError creates a new protocol error
func NewProtocolError(err ProtocolError, message string) *HttpError {
	return &HttpError{
		Type:        ErrorProtocol,
		ProtocolErr: err,
		Message:     message,
	}
}

// NewLoopError creates a new loop error
func NewLoopError(err LoopError, message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorLoop,
		LoopErr:       err,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorInvalidArgument,
		Message: message,
	}
}

// StatusCode extracts the HTTP status carried by a protocol error anywhere
// in err's chain. It returns 0 if there is none.
func StatusCode(err error) int {
	var httpErr *HttpError
	if stderrors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// IsTransport reports whether err is a transport error, optionally of one of
// the given kinds.
func IsTransport(err error, kinds ...TransportError) bool {
	var httpErr *HttpError
	if !stderrors.As(err, &httpErr) || httpErr.Type != ErrorTransport {
		return false
	}
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if httpErr.TransportErr == k {
			return true
		}
	}
	return false
}

// IsProtocol reports whether err is a protocol error.
func IsProtocol(err error) bool {
	var httpErr *HttpError
	return stderrors.As(err, &httpErr) && httpErr.Type == ErrorProtocol
}

// IsLoop reports whether err is a fatal loop error.
func IsLoop(err error) bool {
	var httpErr *HttpError
	return stderrors.As(err, &httpErr) && httpErr.Type == ErrorLoop
}
