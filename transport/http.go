// Package transport connects jsonrpc.Server to HTTP and WebSocket clients.
//
// Both transports share one endpoint at "/": POST carries a single message
// per request, and GET with an upgrade header opens a WebSocket on which
// every frame is a message.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mnehpets/instantapi/endpoint"
	"github.com/mnehpets/instantapi/jsonrpc"
	"github.com/mnehpets/instantapi/middleware"
)

// Params is what the endpoint decodes from each request. The body size is
// bounded by middleware.BodyLimit rather than a tag.
type Params struct {
	Body []byte `body:"" maxLength:"0"`
}

// HTTP serves JSON-RPC over POST and hands upgrade requests to WebSocket.
type HTTP struct {
	RPC *jsonrpc.Server
	// WebSocket is optional; without it upgrade requests get 404.
	WebSocket *WebSocket
	Logger    *slog.Logger
}

// Handler returns the endpoint for "/" behind the given processors.
func (h *HTTP) Handler(processors ...endpoint.Processor) http.Handler {
	eh := endpoint.Handler(h.Serve, processors...)
	eh.Logger = h.Logger
	return eh
}

// Serve is the EndpointFunc for "/".
func (h *HTTP) Serve(w http.ResponseWriter, r *http.Request, p Params) (endpoint.Renderer, error) {
	switch r.Method {
	case http.MethodPost:
		return h.post(w, r, p.Body)
	case http.MethodGet:
		if h.WebSocket != nil && websocket.IsWebSocketUpgrade(r) {
			return h.WebSocket, nil
		}
		return nil, endpoint.Error(http.StatusNotFound, "", nil)
	default:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "", nil)
	}
}

// post accepts a body of any media type; the message is always parsed as
// JSON.
func (h *HTTP) post(w http.ResponseWriter, r *http.Request, body []byte) (endpoint.Renderer, error) {
	resp, err := h.RPC.Handle(r.Context(), jsonrpc.Request{
		Message:  body,
		Request:  r,
		Response: w,
		User:     userOf(r),
	})
	if err != nil {
		if errors.Is(err, r.Context().Err()) {
			return nil, endpoint.Error(http.StatusServiceUnavailable, "request timed out", err)
		}
		return nil, err
	}
	if resp == nil {
		return &endpoint.NoContentRenderer{Status: http.StatusOK}, nil
	}
	status := http.StatusOK
	if resp.Error != nil {
		status = http.StatusBadRequest
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return &endpoint.RawJSONRenderer{Status: status, Body: b}, nil
}

// userOf returns the resolved user, or an untyped nil so handlers can test
// user == nil.
func userOf(r *http.Request) any {
	if u, ok := middleware.UserFromContext(r.Context()); ok {
		return u
	}
	return nil
}
