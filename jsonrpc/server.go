package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
)

// Request is one message handed to the Server by a transport.
type Request struct {
	// Context is the request context. nil means context.Background().
	Context context.Context
	// Message is the raw message ([]byte, string, json.RawMessage) or an
	// already decoded object (map[string]any, map[string]json.RawMessage or
	// any JSON-marshalable value).
	Message any
	// Request and Response are transport handles forwarded to handlers.
	Request  any
	Response any
	// User is an opaque identity forwarded to handlers.
	User any
}

// Outcome is how a handled message ended.
type Outcome string

const (
	OutcomeResult     Outcome = "result"
	OutcomeError      Outcome = "error"
	OutcomeNoResponse Outcome = "none"
)

// Observer is notified once per completed message. method is the lower-cased
// registered name, or "" when the message never resolved to a method.
type Observer interface {
	Observe(method string, outcome Outcome, elapsed time.Duration)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(method string, outcome Outcome, elapsed time.Duration)

func (f ObserverFunc) Observe(method string, outcome Outcome, elapsed time.Duration) {
	f(method, outcome, elapsed)
}

// Server dispatches JSON-RPC 2.0 messages to the handlers of its Registry.
// It holds no per-request state; HandleRequest may be called concurrently.
type Server struct {
	registry *Registry
	logger   *slog.Logger
	observer Observer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger used by the server and its registry.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithObserver sets an Observer notified of every completed message.
func WithObserver(o Observer) ServerOption {
	return func(s *Server) {
		s.observer = o
	}
}

// WithRegistry makes the server dispatch to an existing registry.
func WithRegistry(r *Registry) ServerOption {
	return func(s *Server) {
		s.registry = r
	}
}

// NewServer creates a Server with an empty registry.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.registry == nil {
		s.registry = NewRegistry(s.logger)
	}
	return s
}

// Registry returns the server's method registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ExposeMethod registers h under name.
func (s *Server) ExposeMethod(name string, h Handler) {
	s.registry.Register(name, h)
}

// ExposeModule registers every leaf of m under prefix.
func (s *Server) ExposeModule(prefix string, m Module) error {
	return s.registry.RegisterModule(prefix, m)
}

// Handle handles req on a new goroutine and waits for its completion. It
// returns nil, nil when the message gets no response, and ctx.Err() if ctx
// ends first, even while a synchronous handler is still running.
func (s *Server) Handle(ctx context.Context, req Request) (*Response, error) {
	req.Context = ctx
	// Buffered so a handler that replies after ctx ends does not block.
	ch := make(chan *Response, 1)
	go s.HandleRequest(req, func(resp *Response) {
		ch <- resp
	})
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleRequest handles one message. done is called exactly once: with the
// response, or with nil when nothing must be sent. done may be called after
// HandleRequest returns if the handler replies asynchronously.
func (s *Server) HandleRequest(req Request, done func(*Response)) {
	if done == nil {
		s.logger.Error("completion callback missing")
		return
	}
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	finish := func(method string) func(*Response) {
		return func(resp *Response) {
			s.observe(method, resp, started)
			done(resp)
		}
	}

	msg, perr := decodeMessage(req.Message)
	if perr != nil {
		s.logger.Warn("invalid JSON-RPC request", "error", perr.Message)
		finish("")(errorResponse(nil, perr))
		return
	}

	id, hasID := msg["id"]
	call, malformedID := classifyID(id, hasID)
	if malformedID {
		s.logger.Warn("request id must be a string, number or null; treating request as a notification",
			"id", string(id))
	}
	if !call {
		id = nil
	}

	var method string
	if raw, ok := msg["method"]; !ok || !isJSONString(raw) || json.Unmarshal(raw, &method) != nil {
		if call {
			finish("")(errorResponse(id, NewInvalidRequestError("Invalid request: Method name must be a string.")))
			return
		}
		s.logger.Warn("invalid request (method name must be a string)", "request", rawMessageAttr(msg))
		finish("")(nil)
		return
	}

	h, ok := s.registry.Lookup(method)
	if !ok {
		if call {
			e := NewMethodNotFoundError(fmt.Sprintf("Method %q not found. Available methods are: %s",
				method, strings.Join(s.registry.Methods(), ", ")))
			finish("")(errorResponse(id, e))
			return
		}
		s.logger.Warn("method not found", "method", method, "request", rawMessageAttr(msg))
		finish("")(nil)
		return
	}

	params, ok := msg["params"]
	if !ok || isFalsyJSON(params) {
		params = json.RawMessage("{}")
	}

	c := &Call{
		method:       method,
		params:       params,
		id:           id,
		message:      msg,
		notification: !call,
		user:         req.User,
		done:         finish(strings.ToLower(method)),
		logger:       s.logger,
	}
	c.ctx = withCall(ctx, c)
	s.invoke(h, c, req)
}

// invoke runs h inside a recover boundary. A panic becomes a Fault reply.
func (s *Server) invoke(h Handler, c *Call, req Request) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			s.logger.Error("panic in method", "method", c.method, "panic", r, "stack", string(debug.Stack()))
			c.SendError(Fault{Err: fmt.Errorf("panic: %w", err)})
		}
		if c.notification {
			c.release()
		}
	}()
	h.ServeRPC(c, req.User, req.Request, req.Response)
}

func (s *Server) observe(method string, resp *Response, started time.Time) {
	if s.observer == nil {
		return
	}
	outcome := OutcomeNoResponse
	switch {
	case resp == nil:
	case resp.Error != nil:
		outcome = OutcomeError
	default:
		outcome = OutcomeResult
	}
	s.observer.Observe(method, outcome, time.Since(started))
}

var (
	errNonValidJSON = NewParseError("Parse Error: Non-valid JSON.")
	errNonValidCall = NewParseError("Parse Error: Non-valid JSON-RPC2 call.")
)

// decodeMessage returns the envelope of a JSON-RPC 2.0 message, or the parse
// error to report.
func decodeMessage(m any) (map[string]json.RawMessage, *JSONRPCError) {
	var raw []byte
	switch m := m.(type) {
	case nil:
		return nil, errNonValidCall
	case []byte:
		raw = m
	case json.RawMessage:
		raw = m
	case string:
		raw = []byte(m)
	case map[string]json.RawMessage:
		return checkEnvelope(m)
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return nil, errNonValidCall
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errNonValidJSON
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errNonValidCall
	}
	return checkEnvelope(fields)
}

func checkEnvelope(fields map[string]json.RawMessage) (map[string]json.RawMessage, *JSONRPCError) {
	if fields == nil {
		return nil, errNonValidCall
	}
	raw, ok := fields["jsonrpc"]
	if !ok || !isJSONString(raw) {
		return nil, errNonValidCall
	}
	var version string
	if err := json.Unmarshal(raw, &version); err != nil || version != Version {
		return nil, errNonValidCall
	}
	return fields, nil
}

// classifyID reports whether a message with this id is a call. malformed is
// set for ids that are present but neither a string, a number nor null.
func classifyID(id json.RawMessage, present bool) (call, malformed bool) {
	if !present {
		return false, false
	}
	b := bytes.TrimSpace(id)
	if len(b) == 0 {
		return false, true
	}
	switch c := b[0]; {
	case c == 'n', c == '"', c == '-', c >= '0' && c <= '9':
		return true, false
	}
	return false, true
}

func isJSONString(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 0 && b[0] == '"'
}

// isFalsyJSON reports whether raw is null, false, "" or a numeric zero.
// Such params are replaced by an empty object.
func isFalsyJSON(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "null", "false", `""`:
		return true
	}
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return false
	}
	var n float64
	return json.Unmarshal(raw, &n) == nil && n == 0
}
