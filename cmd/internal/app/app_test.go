package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://relay.example.com", want: "wss://relay.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()

	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/validate-session" || r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"valid":false}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"valid":true,"userId":"u1","userName":"Ada","userImage":""}`))
	}))
	t.Cleanup(auth.Close)

	t.Setenv("RELAY_AUTH_URL", auth.URL+"/api/auth")

	a, err := New(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.relay.Shutdown(ctx)
		_ = a.persister.Close(ctx)
	})
	return a
}

func TestApp_HTTPRoutes(t *testing.T) {
	a := newTestApp(t, Config{ReadinessRequireDB: true})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	cases := []struct {
		path   string
		status int
	}{
		{path: "/healthz", status: http.StatusOK},
		{path: "/readyz", status: http.StatusServiceUnavailable},
		{path: "/metrics", status: http.StatusOK},
		{path: "/rooms/general/presence", status: http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("GET %s status=%d want %d", tc.path, resp.StatusCode, tc.status)
		}
		if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
			t.Fatalf("GET %s missing security headers", tc.path)
		}
	}
}

func TestApp_WebSocketThroughHTTPValidator(t *testing.T) {
	a := newTestApp(t, Config{})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsBaseURL(srv.URL)+"/rooms/general/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer good"}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"type":"connected"`) || !strings.Contains(string(data), `"room_id":"general"`) {
		t.Fatalf("first frame=%s", data)
	}

	bad, _, err := websocket.Dial(ctx, wsBaseURL(srv.URL)+"/rooms/general/ws?token=nope", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer bad.CloseNow()
	if _, _, err := bad.Read(ctx); websocket.CloseStatus(err) != 4401 {
		t.Fatalf("close status=%d want 4401 (err=%v)", websocket.CloseStatus(err), err)
	}
}
