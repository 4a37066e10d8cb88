package transport

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mnehpets/instantapi/endpoint"
	"github.com/mnehpets/instantapi/jsonrpc"
	"github.com/mnehpets/instantapi/middleware"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newRPC(t *testing.T) *jsonrpc.Server {
	t.Helper()
	s := jsonrpc.NewServer(jsonrpc.WithLogger(quiet))
	s.ExposeMethod("hi", jsonrpc.HandlerFunc(func(c *jsonrpc.Call, _, _, _ any) {
		c.SendResult("hello world!")
	}))
	s.ExposeMethod("whoami", jsonrpc.HandlerFunc(func(c *jsonrpc.Call, user, _, _ any) {
		if u, ok := user.(*middleware.User); ok {
			c.SendResult(u.ID)
			return
		}
		c.SendResult("anonymous")
	}))
	s.ExposeMethod("stuck", jsonrpc.HandlerFunc(func(c *jsonrpc.Call, _, _, _ any) {}))
	s.ExposeMethod("sleep", jsonrpc.HandlerFunc(func(c *jsonrpc.Call, _, _, _ any) {
		var p struct {
			Ms int `json:"ms"`
		}
		if err := c.DecodeParams(&p); err != nil {
			c.SendParamsError(err.Error())
			return
		}
		select {
		case <-time.After(time.Duration(p.Ms) * time.Millisecond):
			c.SendResult(p.Ms)
		case <-c.Context().Done():
		}
	}))
	return s
}

func post(t *testing.T, h http.Handler, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("response %q is not JSON: %v", rec.Body.String(), err)
	}
	return m
}

func TestHTTPStatusMapping(t *testing.T) {
	h := (&HTTP{RPC: newRPC(t), Logger: quiet}).Handler()

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
		wantResult  interface{}
		wantCode    float64
		wantEmpty   bool
	}{
		{"result", "application/json", `{"jsonrpc":"2.0","method":"hi","id":1}`, 200, "hello world!", 0, false},
		{"text plain", "text/plain", `{"jsonrpc":"2.0","method":"hi","id":1}`, 200, "hello world!", 0, false},
		{"no content type", "", `{"jsonrpc":"2.0","method":"hi","id":1}`, 200, "hello world!", 0, false},
		{"method not found", "application/json", `{"jsonrpc":"2.0","method":"nope","id":1}`, 400, nil, jsonrpc.CodeMethodNotFound, false},
		{"parse error", "application/json", `{bad`, 400, nil, jsonrpc.CodeParseError, false},
		{"notification", "application/json", `{"jsonrpc":"2.0","method":"hi"}`, 200, nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, tt.contentType, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantEmpty {
				if rec.Body.Len() != 0 {
					t.Errorf("got body %q, want empty", rec.Body.String())
				}
				return
			}
			got := decode(t, rec)
			if tt.wantCode != 0 {
				e, _ := got["error"].(map[string]interface{})
				if e["code"] != tt.wantCode {
					t.Errorf("got error %v, want code %v", got["error"], tt.wantCode)
				}
				return
			}
			if got["result"] != tt.wantResult {
				t.Errorf("got result %v, want %v", got["result"], tt.wantResult)
			}
		})
	}
}

func TestHTTPAcceptsAnyContentType(t *testing.T) {
	h := (&HTTP{RPC: newRPC(t), Logger: quiet}).Handler()
	for _, ct := range []string{"application/json-rpc", "application/x-www-form-urlencoded", "application/octet-stream", "application/xml"} {
		rec := post(t, h, ct, `{"jsonrpc":"2.0","method":"hi","id":1}`)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: got status %d, want 200", ct, rec.Code)
			continue
		}
		if got := decode(t, rec)["result"]; got != "hello world!" {
			t.Errorf("%s: got result %v", ct, got)
		}
	}
}

func TestHTTPUnencodableResult(t *testing.T) {
	rpc := newRPC(t)
	rpc.ExposeMethod("nan", jsonrpc.HandlerFunc(func(c *jsonrpc.Call, _, _, _ any) {
		c.SendResult(math.NaN())
	}))
	rec := post(t, (&HTTP{RPC: rpc, Logger: quiet}).Handler(), "application/json", `{"jsonrpc":"2.0","method":"nan","id":7}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400 (%q)", rec.Code, rec.Body.String())
	}
	got := decode(t, rec)
	e, _ := got["error"].(map[string]interface{})
	if e["code"] != float64(jsonrpc.CodeApplicationError) || got["id"] != float64(7) {
		t.Errorf("got %v, want application error for id 7", got)
	}
}

func TestHTTPTimeout(t *testing.T) {
	h := (&HTTP{RPC: newRPC(t), Logger: quiet}).Handler(middleware.Timeout{Duration: 20 * time.Millisecond})
	rec := post(t, h, "application/json", `{"jsonrpc":"2.0","method":"stuck","id":1}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
}

func TestHTTPBodyLimit(t *testing.T) {
	h := (&HTTP{RPC: newRPC(t), Logger: quiet}).Handler(middleware.BodyLimit{Bytes: 16})
	rec := post(t, h, "application/json", `{"jsonrpc":"2.0","method":"hi","id":1}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("got status %d, want 413", rec.Code)
	}
}

func TestHTTPMethods(t *testing.T) {
	h := (&HTTP{RPC: newRPC(t), WebSocket: &WebSocket{}, Logger: quiet}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("plain GET: got %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT: got %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") == "" {
		t.Error("405 without Allow header")
	}
}

func TestHTTPPassesUser(t *testing.T) {
	withUser := endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		return next(w, r.WithContext(middleware.WithUser(r.Context(), &middleware.User{ID: "u7"})))
	})
	rpc := newRPC(t)

	rec := post(t, (&HTTP{RPC: rpc, Logger: quiet}).Handler(withUser), "application/json", `{"jsonrpc":"2.0","method":"whoami","id":1}`)
	if got := decode(t, rec)["result"]; got != "u7" {
		t.Errorf("got %v, want u7", got)
	}
	rec = post(t, (&HTTP{RPC: rpc, Logger: quiet}).Handler(), "application/json", `{"jsonrpc":"2.0","method":"whoami","id":1}`)
	if got := decode(t, rec)["result"]; got != "anonymous" {
		t.Errorf("got %v, want anonymous", got)
	}
}
