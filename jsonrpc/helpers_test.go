package jsonrpc

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Contains(s string) bool {
	return strings.Contains(b.String(), s)
}

func newTestServer(opts ...ServerOption) (*Server, *syncBuffer) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewServer(append([]ServerOption{WithLogger(logger)}, opts...)...), logs
}

// handle runs a synchronous request and reports the response and how many
// times the completion callback fired.
func handle(s *Server, msg any) (*Response, int) {
	var (
		mu    sync.Mutex
		got   *Response
		calls int
	)
	s.HandleRequest(Request{Message: msg}, func(r *Response) {
		mu.Lock()
		defer mu.Unlock()
		got = r
		calls++
	})
	mu.Lock()
	defer mu.Unlock()
	return got, calls
}

// wire marshals resp and decodes it back into a generic map, the way a
// client sees it.
func wire(t *testing.T, resp *Response) map[string]interface{} {
	t.Helper()
	if resp == nil {
		t.Fatal("expected a response, got none")
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return m
}

func errorCode(t *testing.T, m map[string]interface{}) int {
	t.Helper()
	errObj, ok := m["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no error object: %v", m)
	}
	return int(errObj["code"].(float64))
}

func echo(c *Call, _, _, _ any) {
	var p struct {
		X any `json:"x"`
	}
	if err := c.DecodeParams(&p); err != nil {
		c.SendParamsError(err.Error())
		return
	}
	c.SendResult(p.X)
}
