package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// RequestIDFromContext returns the id assigned by RequestLogger, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestLogger assigns each request an id (echoed in X-Request-Id) and logs
// one line when the request completes. An incoming X-Request-Id is kept.
type RequestLogger struct {
	Logger *slog.Logger
	// Quiet disables the completion line; ids are still assigned.
	Quiet bool
}

func (p *RequestLogger) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	id := r.Header.Get("X-Request-Id")
	if id == "" || len(id) > 64 {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", id)
	r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

	sw := &statusWriter{ResponseWriter: w}
	start := time.Now()
	err := next(sw, r)
	if p.Quiet {
		return err
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"request_id", id,
		"method", r.Method,
		"path", r.URL.Path,
		"remote", ClientIPFromContext(r.Context()),
		"latency", time.Since(start),
	}
	if err != nil {
		logger.Info("http request", append(attrs, "error", err)...)
	} else {
		logger.Info("http request", append(attrs, "status", sw.code())...)
	}
	return err
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack supports the WebSocket upgrade. A hijacked connection is logged
// with status 101.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}
