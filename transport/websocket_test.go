package transport

import (
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mnehpets/instantapi/jsonrpc"
	"github.com/mnehpets/instantapi/middleware"
)

type countingObserver struct {
	open atomic.Int32
}

func (o *countingObserver) ConnectionOpened() { o.open.Add(1) }
func (o *countingObserver) ConnectionClosed() { o.open.Add(-1) }

func dial(t *testing.T, rpc *jsonrpc.Server, ws *WebSocket) *websocket.Conn {
	t.Helper()
	ws.RPC = rpc
	if ws.Logger == nil {
		ws.Logger = quiet
	}
	h := (&HTTP{RPC: rpc, WebSocket: ws, Logger: quiet}).Handler(middleware.Timeout{Duration: time.Second})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("frame %q is not JSON: %v", data, err)
	}
	return m
}

func write(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWebSocketCall(t *testing.T) {
	conn := dial(t, newRPC(t), &WebSocket{PingInterval: -1})

	write(t, conn, `{"jsonrpc":"2.0","method":"hi"}`)
	write(t, conn, `{"jsonrpc":"2.0","method":"hi","id":"a"}`)
	got := readJSON(t, conn)
	if got["id"] != "a" || got["result"] != "hello world!" {
		t.Errorf("got %v", got)
	}

	write(t, conn, `{"jsonrpc":"2.0","method":"nope","id":2}`)
	got = readJSON(t, conn)
	if e, _ := got["error"].(map[string]interface{}); e["code"] != float64(jsonrpc.CodeMethodNotFound) {
		t.Errorf("got %v, want method not found", got)
	}
}

func TestWebSocketUnencodableResult(t *testing.T) {
	rpc := newRPC(t)
	rpc.ExposeMethod("nan", jsonrpc.HandlerFunc(func(c *jsonrpc.Call, _, _, _ any) {
		c.SendResult(math.Inf(1))
	}))
	conn := dial(t, rpc, &WebSocket{PingInterval: -1})

	write(t, conn, `{"jsonrpc":"2.0","method":"nan","id":7}`)
	got := readJSON(t, conn)
	e, _ := got["error"].(map[string]interface{})
	if got["id"] != float64(7) || e["code"] != float64(jsonrpc.CodeApplicationError) {
		t.Errorf("got %v, want application error for id 7", got)
	}
}

func TestWebSocketConcurrentFrames(t *testing.T) {
	conn := dial(t, newRPC(t), &WebSocket{PingInterval: -1})

	write(t, conn, `{"jsonrpc":"2.0","method":"sleep","params":{"ms":200},"id":"slow"}`)
	write(t, conn, `{"jsonrpc":"2.0","method":"sleep","params":{"ms":1},"id":"fast"}`)

	if got := readJSON(t, conn)["id"]; got != "fast" {
		t.Errorf("first response id %v, want fast", got)
	}
	if got := readJSON(t, conn)["id"]; got != "slow" {
		t.Errorf("second response id %v, want slow", got)
	}
}

func TestWebSocketPing(t *testing.T) {
	conn := dial(t, newRPC(t), &WebSocket{PingInterval: 10 * time.Millisecond})
	got := readJSON(t, conn)
	if got["method"] != "ping" || got["jsonrpc"] != "2.0" {
		t.Errorf("got %v, want ping notification", got)
	}
	if _, ok := got["id"]; ok {
		t.Error("ping carries an id")
	}
	if p, ok := got["params"].(map[string]interface{}); !ok || len(p) != 0 {
		t.Errorf("got params %v, want {}", got["params"])
	}
}

func TestWebSocketPeerNotify(t *testing.T) {
	rpc := newRPC(t)
	rpc.ExposeMethod("progress", jsonrpc.HandlerFunc(func(c *jsonrpc.Call, _, _, resp any) {
		peer, ok := resp.(*Peer)
		if !ok {
			c.SendError(jsonrpc.Text{Kind: jsonrpc.TransportError, Message: "not a websocket"})
			return
		}
		if err := peer.Notify("progress.update", map[string]int{"pct": 50}); err != nil {
			c.SendError(jsonrpc.Fault{Err: err})
			return
		}
		c.SendResult("done")
	}))
	conn := dial(t, rpc, &WebSocket{PingInterval: -1})

	write(t, conn, `{"jsonrpc":"2.0","method":"progress","id":1}`)
	if got := readJSON(t, conn); got["method"] != "progress.update" {
		t.Errorf("got %v, want progress notification", got)
	}
	if got := readJSON(t, conn); got["result"] != "done" {
		t.Errorf("got %v, want result", got)
	}
}

func TestWebSocketCloseCancelsHandlers(t *testing.T) {
	rpc := newRPC(t)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	rpc.ExposeMethod("wait", jsonrpc.HandlerFunc(func(c *jsonrpc.Call, _, _, _ any) {
		close(started)
		<-c.Context().Done()
		close(cancelled)
	}))
	obs := &countingObserver{}
	conn := dial(t, rpc, &WebSocket{PingInterval: -1, Observer: obs})

	write(t, conn, `{"jsonrpc":"2.0","method":"wait","id":1}`)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not start")
	}
	if obs.open.Load() != 1 {
		t.Errorf("got %d open connections, want 1", obs.open.Load())
	}
	conn.Close()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context not cancelled on close")
	}
	deadline := time.Now().Add(5 * time.Second)
	for obs.open.Load() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if obs.open.Load() != 0 {
		t.Errorf("got %d open connections after close, want 0", obs.open.Load())
	}
}

func TestWebSocketOutlivesRequestTimeout(t *testing.T) {
	// dial installs a 1s request timeout.
	conn := dial(t, newRPC(t), &WebSocket{PingInterval: -1})
	time.Sleep(1200 * time.Millisecond)
	write(t, conn, `{"jsonrpc":"2.0","method":"hi","id":1}`)
	if got := readJSON(t, conn)["result"]; got != "hello world!" {
		t.Errorf("got %v", got)
	}
}
