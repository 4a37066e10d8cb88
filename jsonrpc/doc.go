// Package jsonrpc implements a transport-agnostic JSON-RPC 2.0 dispatcher.
//
// This package implements the JSON-RPC 2.0 specification
// (https://www.jsonrpc.org/specification) for single requests. Transports
// (see package transport) feed it raw messages and receive a response, or an
// explicit "no response" for notifications.
//
// # Basic Usage
//
// Create a server, expose methods, and hand it messages:
//
//	s := jsonrpc.NewServer()
//	s.ExposeMethod("hello", jsonrpc.HandlerFunc(func(c *jsonrpc.Call, user, req, resp any) {
//	    c.SendResult("hello world!")
//	}))
//	s.HandleRequest(jsonrpc.Request{Message: body}, func(resp *jsonrpc.Response) {
//	    // resp is nil for notifications.
//	})
//
// Method names are case-insensitive.
//
// # Modules
//
// A Group exposes a tree of handlers under dotted names. Keys starting with
// an underscore are never exposed:
//
//	s.ExposeModule("math", jsonrpc.Group{
//	    "add":       addHandler,       // -> "math.add"
//	    "_internal": internalHandler,  // not exposed
//	})
//
// Methods binds a struct's methods into a Group:
//
//	type MathMethods struct{}
//
//	func (m *MathMethods) Add(ctx context.Context, p struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}) (int, error) {
//	    return p.A + p.B, nil
//	}
//
//	s.ExposeModule("math", jsonrpc.MustMethods(&MathMethods{})) // -> "math.add"
//
// # Replies
//
// A handler replies exactly once through its Call, possibly from another
// goroutine. Later replies are dropped with a warning. Notifications never
// produce a response, whatever the handler sends.
//
// Errors are reported with SendError and one of the ErrorValue variants:
//
//	c.SendError(jsonrpc.Text{Kind: jsonrpc.InvalidParams, Message: "size is required"})
//	c.SendError(jsonrpc.NewError(-1000, "custom error"))
//	c.SendError(jsonrpc.Fault{Err: err}) // client sees only "Application Error"
//
// Standard error codes are defined as constants:
//   - CodeParseError (-32700)
//   - CodeInvalidRequest (-32600)
//   - CodeMethodNotFound (-32601)
//   - CodeInvalidParams (-32602)
//   - CodeInternalError (-32603)
//   - CodeApplicationError (-32500)
//   - CodeSystemError (-32400)
//   - CodeTransportError (-32300)
//
// A handler panic is recovered and reported like a Fault.
package jsonrpc
