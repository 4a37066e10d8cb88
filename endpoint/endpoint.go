// Package endpoint provides the typed HTTP handler abstraction used by the
// instantapi transports.
//
// A request goes through three phases:
//
//  1. Process: zero or more Processors run in order (CORS, rate limiting,
//     user resolution, ...). Each may short-circuit the chain.
//  2. Endpoint: the request is decoded into a typed params struct (see
//     Unmarshal) and the EndpointFunc returns a Renderer. It does not write
//     to the response.
//  3. Render: the Renderer writes status, headers and body.
//
// Supported Renderers:
//   - JSONRenderer: Serializes a value as JSON.
//   - RawJSONRenderer: Writes an already encoded JSON document.
//   - NoContentRenderer: Writes a status code with no body.
package endpoint

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// EndpointError is a client-visible error that maps directly to an HTTP
// status code.
type EndpointError struct {
	Status int
	// Message is a short, human-readable description suitable for an HTTP error body.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError. An err that already is an EndpointError
// is returned unchanged.
func Error(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderer writes a response.
//
// Renderers MUST call w.WriteHeader() and may set Content-Type before doing
// so. A returned error means writing the response failed; it is logged, as
// the status line has usually been sent already.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// Processor is middleware-style logic that runs before the endpoint.
//
// Processors MUST call next(...) unless they intend to short-circuit the
// request. A processor that short-circuits without error owns the response
// and must write it completely (e.g. a CORS preflight answer). Otherwise
// processors MUST NOT write the status or body.
//
// A non-nil error stops the chain and is turned into an HTTP error response.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc receives the decoded params and returns the Renderer for the
// response, or an error.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is the http.Handler wrapper for an EndpointFunc.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
	// Logger receives render failures. nil means slog.Default().
	Logger *slog.Logger
}

// Handler constructs an EndpointHandler.
//
// This helper exists to enable type inference for the params type P.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

func (h *EndpointHandler[P]) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	rendered := false
	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		var params P
		if err := Unmarshal(r2, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}

		rendered = true
		if err := renderer.Render(w2, r2); err != nil {
			h.logger().Warn("render failed", "path", r2.URL.Path, "error", err)
		}
		return nil
	}

	err := run(0, w, r)
	if err == nil || rendered {
		return
	}

	status := http.StatusInternalServerError
	message := err.Error()
	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil {
		if ee.Status >= 100 {
			status = ee.Status
		}
		message = ee.Message
		if message == "" {
			message = http.StatusText(status)
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger().Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	http.Error(w, message, status)
}
