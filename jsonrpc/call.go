package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Version is the only protocol version accepted and produced.
const Version = "2.0"

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is
// set. ID is null when the request id could not be determined.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, Result: result, ID: id}
}

func errorResponse(id json.RawMessage, err *JSONRPCError) *Response {
	return &Response{JSONRPC: Version, Error: err, ID: id}
}

// reply states of a Call.
const (
	pending int32 = iota
	replied
	// released marks a notification whose handler returned without replying.
	released
)

// Call is the reply context handed to a Handler for one message.
//
// Exactly one reply reaches the transport. Every reply method after the
// first is dropped and logged.
type Call struct {
	ctx          context.Context
	method       string
	params       json.RawMessage
	id           json.RawMessage
	message      map[string]json.RawMessage
	notification bool
	user         any

	state  atomic.Int32
	done   func(*Response)
	logger *slog.Logger
}

// Method returns the method name as sent by the client.
func (c *Call) Method() string { return c.method }

// Params returns the raw params. Absent params, and null, false, "" or 0,
// are "{}".
func (c *Call) Params() json.RawMessage { return c.params }

// DecodeParams unmarshals the params into v.
func (c *Call) DecodeParams(v any) error {
	return json.Unmarshal(c.params, v)
}

// ID returns the raw request id, or nil for a notification without one.
func (c *Call) ID() json.RawMessage { return c.id }

// IsNotification reports whether the client expects no response.
func (c *Call) IsNotification() bool { return c.notification }

// Message returns the decoded request envelope.
func (c *Call) Message() map[string]json.RawMessage { return c.message }

// Context returns the request context supplied by the transport.
func (c *Call) Context() context.Context { return c.ctx }

// User returns the opaque user value supplied by the transport.
func (c *Call) User() any { return c.user }

// Replied reports whether a reply has been delivered.
func (c *Call) Replied() bool { return c.state.Load() != pending }

// claim takes the single reply slot. It reports false, after logging, when
// the slot is already taken.
func (c *Call) claim(ending bool) bool {
	if c.state.CompareAndSwap(pending, replied) {
		return true
	}
	if c.state.Load() == released {
		// The handler returned before replying; the transport has already
		// been told there is no response.
		if !ending {
			c.logger.Warn("notification handler replied after returning; response not sent", "method", c.method)
		}
		return false
	}
	c.logger.Warn("response has already been sent", "method", c.method)
	return false
}

// warnNotification logs an attempted reply to a notification.
func (c *Call) warnNotification(payload any) {
	c.logger.Warn("request was a notification and must not receive a response; response not sent",
		"method", c.method,
		"response", payload,
		"request", rawMessageAttr(c.message),
	)
}

// SendResult replies with result. A nil result is sent as "" because a
// success response requires a result member. A result that cannot be
// encoded as JSON is replied as an application error.
func (c *Call) SendResult(result any) {
	if !c.claim(false) {
		return
	}
	if c.notification {
		c.warnNotification(result)
		c.done(nil)
		return
	}
	if result == nil {
		c.logger.Warn("method should return a result", "method", c.method)
		result = ""
	}
	if _, err := json.Marshal(result); err != nil {
		fault := Fault{Err: fmt.Errorf("result is not JSON-encodable: %w", err)}
		c.done(errorResponse(c.id, resolveError(fault, c.logger, c.method)))
		return
	}
	c.done(resultResponse(c.id, result))
}

// Send is an alias of SendResult.
func (c *Call) Send(result any) {
	c.SendResult(result)
}

// SendError replies with an error built from v. See ErrorValue for how each
// variant is reported.
func (c *Call) SendError(v ErrorValue) {
	if !c.claim(false) {
		return
	}
	if c.notification {
		if f, ok := v.(Fault); ok {
			c.logger.Warn("error in notification", "method", c.method, "error", f.Err)
		}
		c.warnNotification(v)
		c.done(nil)
		return
	}
	c.done(errorResponse(c.id, resolveError(v, c.logger, c.method)))
}

// SendParamsError replies with INVALID_PARAMS.
func (c *Call) SendParamsError(detail string) {
	msg, _ := InvalidParams.Message()
	c.SendError(Text{Kind: InvalidParams, Message: msg + ": " + detail})
}

// End completes the call without a response. It is meant for notifications.
func (c *Call) End() {
	if !c.claim(true) {
		return
	}
	c.done(nil)
}

// release completes a notification whose handler returned without replying.
func (c *Call) release() {
	if c.state.CompareAndSwap(pending, released) {
		c.done(nil)
	}
}

type callKey struct{}

// withCall returns a context carrying c.
func withCall(ctx context.Context, c *Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFromContext returns the Call being served, if any. Handlers bound with
// Methods receive a context carrying their Call.
func CallFromContext(ctx context.Context) (*Call, bool) {
	c, ok := ctx.Value(callKey{}).(*Call)
	return c, ok && c != nil
}

// rawMessageAttr renders a decoded envelope for logging.
func rawMessageAttr(m map[string]json.RawMessage) slog.Value {
	b, err := json.Marshal(m)
	if err != nil {
		return slog.StringValue("<unprintable>")
	}
	return slog.StringValue(string(b))
}
