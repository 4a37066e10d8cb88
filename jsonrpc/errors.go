package jsonrpc

import (
	"errors"
	"log/slog"
	"strconv"
)

// Standard JSON-RPC 2.0 error codes, plus the server-defined range used by
// this package.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeApplicationError = -32500
	CodeSystemError      = -32400
	CodeTransportError   = -32300
)

// Kind classifies an error response. The zero value, KindNone, means no kind
// was given and callers fall back to InvalidRequest.
type Kind int

const (
	KindNone Kind = iota
	ParseError
	InvalidRequest
	MethodNotFound
	InvalidParams
	InternalError
	ApplicationError
	SystemError
	TransportError
)

var kindTable = [...]struct {
	name    string
	code    int
	message string
}{
	KindNone:         {"NONE", 0, ""},
	ParseError:       {"PARSE_ERROR", CodeParseError, "Parse Error"},
	InvalidRequest:   {"INVALID_REQUEST", CodeInvalidRequest, "Invalid Request"},
	MethodNotFound:   {"METHOD_NOT_FOUND", CodeMethodNotFound, "Method Not Found"},
	InvalidParams:    {"INVALID_PARAMS", CodeInvalidParams, "Invalid Parameters"},
	InternalError:    {"INTERNAL_ERROR", CodeInternalError, "Internal Error"},
	ApplicationError: {"APPLICATION_ERROR", CodeApplicationError, "Application Error"},
	SystemError:      {"SYSTEM_ERROR", CodeSystemError, "System Error"},
	TransportError:   {"TRANSPORT_ERROR", CodeTransportError, "Transport Error"},
}

func (k Kind) valid() bool {
	return k > KindNone && int(k) < len(kindTable)
}

// Code returns the wire code for k. ok is false for KindNone and unknown kinds.
func (k Kind) Code() (code int, ok bool) {
	if !k.valid() {
		return 0, false
	}
	return kindTable[k].code, true
}

// Message returns the default human-readable message for k.
func (k Kind) Message() (msg string, ok bool) {
	if !k.valid() {
		return "", false
	}
	return kindTable[k].message, true
}

func (k Kind) String() string {
	if k == KindNone || k.valid() {
		return kindTable[k].name
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// KindOf returns the Kind whose code is code, or KindNone.
func KindOf(code int) Kind {
	for k := ParseError; int(k) < len(kindTable); k++ {
		if kindTable[k].code == code {
			return k
		}
	}
	return KindNone
}

// JSONRPCError is the error object carried by an error response.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	if e == nil {
		return "jsonrpc: error: <nil>"
	}
	return e.Message
}

func NewError(code int, message string) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: message}
}

func NewParseError(message string) *JSONRPCError {
	return NewError(CodeParseError, message)
}

func NewInvalidRequestError(message string) *JSONRPCError {
	return NewError(CodeInvalidRequest, message)
}

func NewMethodNotFoundError(message string) *JSONRPCError {
	return NewError(CodeMethodNotFound, message)
}

func NewInvalidParamsError(message string) *JSONRPCError {
	return NewError(CodeInvalidParams, message)
}

func NewInternalError(message string) *JSONRPCError {
	return NewError(CodeInternalError, message)
}

// applicationErrorMessage is the only detail a client sees for a handler
// failure. The failure itself is logged.
const applicationErrorMessage = "Application Error (Check server logs for details)"

// ErrorValue is the payload accepted by Call.SendError. The set of
// implementations is closed:
//
//   - Fault: a runtime failure. Logged in full, reported as APPLICATION_ERROR
//     without detail.
//   - Text: a plain message, coded by its Kind.
//   - *JSONRPCError: a complete error object, passed through.
//   - Data: structured error data without a message.
//
// A nil ErrorValue produces the generic INVALID_REQUEST error object.
type ErrorValue interface {
	errorValue()
}

// Fault reports a runtime failure inside a handler.
type Fault struct {
	Err error
}

// Text reports an error message. Kind selects the code; KindNone means
// INVALID_REQUEST.
type Text struct {
	Kind    Kind
	Message string
}

// Data reports structured error data. The message is the default message of
// Kind (or "Invalid Request").
type Data struct {
	Kind  Kind
	Value any
}

func (Fault) errorValue()         {}
func (Text) errorValue()          {}
func (Data) errorValue()          {}
func (*JSONRPCError) errorValue() {}

// ErrorOf converts a Go error returned by application code into an
// ErrorValue. A *JSONRPCError anywhere in the chain is passed through;
// anything else is a Fault.
func ErrorOf(err error) ErrorValue {
	if err == nil {
		return nil
	}
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) && rpcErr != nil {
		return rpcErr
	}
	return Fault{Err: err}
}

func codeOr(k Kind, fallback int) int {
	if c, ok := k.Code(); ok {
		return c
	}
	return fallback
}

func messageOr(k Kind, fallback string) string {
	if m, ok := k.Message(); ok {
		return m
	}
	return fallback
}

// resolveError maps an ErrorValue onto the error object sent to the client.
func resolveError(v ErrorValue, logger *slog.Logger, method string) *JSONRPCError {
	invalid, _ := InvalidRequest.Message()
	switch e := v.(type) {
	case Fault:
		logger.Warn("error in method", "method", method, "error", e.Err)
		return NewError(CodeApplicationError, applicationErrorMessage)
	case Text:
		return NewError(codeOr(e.Kind, CodeInvalidRequest), e.Message)
	case *JSONRPCError:
		if e == nil {
			break
		}
		if e.Message == "" {
			// An object without a message is error data.
			data := *e
			return &JSONRPCError{Code: CodeInvalidRequest, Message: invalid, Data: &data}
		}
		out := *e
		if out.Code == 0 {
			out.Code = CodeInvalidRequest
		}
		return &out
	case Data:
		return &JSONRPCError{
			Code:    codeOr(e.Kind, CodeInvalidRequest),
			Message: messageOr(e.Kind, invalid),
			Data:    e.Value,
		}
	}
	return NewError(CodeInvalidRequest, invalid)
}
