// ABOUTME: JSON-RPC 2.0 envelopes and the fixed gateway error taxonomy
// ABOUTME: Every wire-visible failure maps onto exactly one of these codes

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Version is the only protocol version the gateway speaks.
const Version = "2.0"

// Error codes. The -327xx range follows JSON-RPC 2.0; the -320xx range is
// reserved for gateway-specific conditions.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeUnauthorized       = -32001
	CodeServiceUnavailable = -32002
	CodeRateLimited        = -32003
	CodeTimeout            = -32004
)

var codeNames = map[int]string{
	CodeParseError:         "PARSE_ERROR",
	CodeInvalidRequest:     "INVALID_REQUEST",
	CodeMethodNotFound:     "METHOD_NOT_FOUND",
	CodeInvalidParams:      "INVALID_PARAMS",
	CodeInternalError:      "INTERNAL_ERROR",
	CodeUnauthorized:       "UNAUTHORIZED",
	CodeServiceUnavailable: "SERVICE_UNAVAILABLE",
	CodeRateLimited:        "RATE_LIMITED",
	CodeTimeout:            "TIMEOUT_ERROR",
}

// CodeName returns the symbolic name for a code, or "UNKNOWN".
func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}

// Error is the wire-level error object. It implements the error interface so
// pipeline stages can return it directly and the handler can serialize it.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", CodeName(e.Code), e.Code, e.Message)
}

// NewError creates an Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of the error carrying an attached data payload.
func (e *Error) WithData(data any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

// AsError extracts an *Error from err. Anything that is not already an *Error
// collapses to INTERNAL_ERROR so downstream faults never leak onto the wire
// verbatim.
func AsError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewError(CodeInternalError, "internal error")
}

// Request is the JSON-RPC 2.0 request envelope. ID and Params are kept raw so
// the correlation id is echoed back byte-for-byte and parameter decoding is
// deferred to the execution target.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Response is the JSON-RPC 2.0 response envelope. Exactly one of Result and
// Error is populated.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// DecodeRequest reads and validates a request envelope from r. Malformed JSON
// yields PARSE_ERROR; a structurally valid document that is not a proper
// request yields INVALID_REQUEST.
func DecodeRequest(r io.Reader) (*Request, *Error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, NewError(CodeParseError, "reading request body")
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewError(CodeParseError, "invalid JSON in request body")
	}

	if req.JSONRPC != Version {
		return nil, Errorf(CodeInvalidRequest, "jsonrpc must be %q", Version)
	}
	if req.Method == "" {
		return nil, NewError(CodeInvalidRequest, "method is required")
	}

	return &req, nil
}

// SplitMethod parses a dotted "service.function" method name. The function
// part may itself contain dots; only the first separator is structural.
func SplitMethod(method string) (service, function string, err error) {
	service, function, found := strings.Cut(method, ".")
	if !found {
		return "", "", Errorf(CodeMethodNotFound,
			"Invalid method format. Expected 'service.function', got '%s'", method)
	}
	return service, function, nil
}

// ResultResponse builds a success response echoing the request id. The result
// is marshaled immediately so encoding failures surface as INTERNAL_ERROR
// here rather than during response serialization.
func ResultResponse(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(id, NewError(CodeInternalError, "encoding result"))
	}
	return &Response{JSONRPC: Version, Result: raw, ID: id}
}

// RawResultResponse builds a success response from pre-encoded JSON.
func RawResultResponse(id json.RawMessage, result json.RawMessage) *Response {
	return &Response{JSONRPC: Version, Result: result, ID: id}
}

// ErrorResponse builds an error response echoing the request id.
func ErrorResponse(id json.RawMessage, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, Error: rpcErr, ID: id}
}
