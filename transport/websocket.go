package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mnehpets/instantapi/jsonrpc"
	"github.com/mnehpets/instantapi/middleware"
)

const (
	writeWait           = 10 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultReadLimit    = 5_120_000
)

// ConnectionObserver is told when WebSocket connections open and close.
type ConnectionObserver interface {
	ConnectionOpened()
	ConnectionClosed()
}

// WebSocket is an endpoint.Renderer that upgrades the request and serves
// messages until the connection closes. Frames are handled concurrently and
// responses are written in completion order.
type WebSocket struct {
	RPC *jsonrpc.Server
	// PingInterval is the period of the "ping" notification sent to the
	// client. Zero means 20s; negative disables it.
	PingInterval time.Duration
	// Timeout bounds each message. Zero means no bound.
	Timeout time.Duration
	// ReadLimit caps a single frame. Zero means 5,120,000 bytes.
	ReadLimit int64
	// CheckOrigin defaults to accepting any origin, matching the CORS policy.
	CheckOrigin func(r *http.Request) bool
	// BaseContext, when set, closes every connection once it is done.
	BaseContext context.Context
	Observer    ConnectionObserver
	Logger      *slog.Logger
}

// Peer is the Response handle given to handlers on a WebSocket. Writes are
// serialized with the transport's own responses.
type Peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send writes v as one JSON text frame.
func (p *Peer) Send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.conn.WriteJSON(v)
}

func (p *Peer) close(code int, reason string) {
	p.mu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	p.mu.Unlock()
	_ = p.conn.Close()
}

// Notify sends a server-initiated notification.
func (p *Peer) Notify(method string, params any) error {
	if params == nil {
		params = struct{}{}
	}
	return p.Send(notification{JSONRPC: jsonrpc.Version, Method: method, Params: params})
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

func (ws *WebSocket) logger() *slog.Logger {
	if ws.Logger != nil {
		return ws.Logger
	}
	return slog.Default()
}

// Render implements endpoint.Renderer. It blocks for the life of the
// connection.
func (ws *WebSocket) Render(w http.ResponseWriter, r *http.Request) error {
	checkOrigin := ws.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		return err
	}
	ws.serve(r, conn)
	return nil
}

func (ws *WebSocket) serve(r *http.Request, conn *websocket.Conn) {
	logger := ws.logger().With(
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"remote", middleware.ClientIPFromContext(r.Context()),
	)
	if ws.Observer != nil {
		ws.Observer.ConnectionOpened()
		defer ws.Observer.ConnectionClosed()
	}
	logger.Debug("websocket opened")

	// The request deadline does not apply to the connection; its values
	// (user, request id) do.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	peer := &Peer{conn: conn}
	user := userOf(r)
	if ws.BaseContext != nil {
		stop := context.AfterFunc(ws.BaseContext, func() {
			peer.close(websocket.CloseGoingAway, "server shutting down")
		})
		defer stop()
	}

	readLimit := ws.ReadLimit
	if readLimit == 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	var wg sync.WaitGroup
	if interval := ws.pingInterval(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws.ping(ctx, peer, interval, logger)
		}()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket read failed", "error", err)
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws.handle(ctx, r, peer, user, data, logger)
		}()
	}

	cancel()
	wg.Wait()
	_ = conn.Close()
	logger.Debug("websocket closed")
}

func (ws *WebSocket) handle(ctx context.Context, r *http.Request, peer *Peer, user any, data []byte, logger *slog.Logger) {
	if ws.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ws.Timeout)
		defer cancel()
	}
	resp, err := ws.RPC.Handle(ctx, jsonrpc.Request{
		Message:  data,
		Request:  r,
		Response: peer,
		User:     user,
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("websocket message timed out", "timeout", ws.Timeout)
		return
	case err != nil:
		// Connection closed while the handler was running.
		return
	case resp == nil:
		return
	}
	if err := peer.Send(resp); err != nil {
		logger.Debug("websocket write failed", "error", err)
	}
}

func (ws *WebSocket) pingInterval() time.Duration {
	if ws.PingInterval == 0 {
		return defaultPingInterval
	}
	return ws.PingInterval
}

func (ws *WebSocket) ping(ctx context.Context, peer *Peer, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := peer.Notify("ping", nil); err != nil {
				logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
