package mcp

import (
	"errors"
	"fmt"
)

// JSON-RPC error codes used on the RPC surface.
const (
	PARSE_ERROR      = -32700
	INVALID_REQUEST  = -32600
	METHOD_NOT_FOUND = -32601
	INVALID_PARAMS   = -32602
	INTERNAL_ERROR   = -32603

	// TOOL_EXECUTION_ERROR is reported when a tool's backend operation fails.
	// Method dispatch failures use INTERNAL_ERROR instead.
	TOOL_EXECUTION_ERROR = -32000
)

// Error is the error object of a JSON-RPC error response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewError returns an Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf returns an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsErrorCode reports whether err is, or wraps, an *Error with the given code.
func IsErrorCode(err error, code int) bool {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == code
	}
	return false
}
