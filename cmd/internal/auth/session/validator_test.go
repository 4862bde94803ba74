package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestAuthServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/validate-session", h)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestValidator(t *testing.T, baseURL string, timeout time.Duration) *HTTPValidator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AuthURL = baseURL
	cfg.Timeout = timeout
	v, err := NewHTTPValidator(cfg)
	if err != nil {
		t.Fatalf("NewHTTPValidator: %v", err)
	}
	return v
}

func TestHTTPValidator_Valid(t *testing.T) {
	t.Parallel()

	ts := newTestAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer good" {
			t.Errorf("authorization header=%q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"valid":     true,
			"userId":    "u-1",
			"userName":  "Ada",
			"userImage": "https://img.example/ada.png",
		})
	})

	v := newTestValidator(t, ts.URL, time.Second)
	id, err := v.Validate(context.Background(), "good")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.UserID != "u-1" || id.DisplayName != "Ada" || !id.IsAuthenticated() {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.AvatarURL != "https://img.example/ada.png" {
		t.Fatalf("avatar mismatch: %q", id.AvatarURL)
	}
}

func TestHTTPValidator_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		status   int
		body     string
		wantKind error
	}{
		{name: "valid false", status: http.StatusOK, body: `{"valid":false}`, wantKind: ErrInvalidSession},
		{name: "missing user id", status: http.StatusOK, body: `{"valid":true}`, wantKind: ErrInvalidSession},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{}`, wantKind: ErrInvalidSession},
		{name: "garbage body", status: http.StatusOK, body: `<html>`, wantKind: ErrInvalidSession},
		{name: "server error", status: http.StatusBadGateway, body: ``, wantKind: ErrUnavailable},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestAuthServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			v := newTestValidator(t, ts.URL, time.Second)

			_, err := v.Validate(context.Background(), "tok")
			if !errors.Is(err, ErrAuthFailure) {
				t.Fatalf("expected ErrAuthFailure, got %v", err)
			}
			if !errors.Is(err, tc.wantKind) {
				t.Fatalf("expected kind %v, got %v", tc.wantKind, err)
			}
		})
	}
}

func TestHTTPValidator_MissingTokenSkipsCall(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := newTestAuthServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	v := newTestValidator(t, ts.URL, time.Second)

	_, err := v.Validate(context.Background(), "   ")
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("auth service must not be called without a token")
	}
}

func TestHTTPValidator_TimeoutIsAuthFailure(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ts := newTestAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	v := newTestValidator(t, ts.URL, 50*time.Millisecond)

	start := time.Now()
	_, err := v.Validate(context.Background(), "slow")
	if !errors.Is(err, ErrAuthFailure) || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable auth failure, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("timeout must be transient")
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("timeout not bounded: %v", took)
	}
}

func TestHTTPValidator_UnreachableIsAuthFailure(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	v := newTestValidator(t, url, time.Second)
	_, err := v.Validate(context.Background(), "tok")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestHTTPValidator_ObserverReceivesReason(t *testing.T) {
	t.Parallel()

	ts := newTestAuthServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	cfg := DefaultConfig()
	cfg.AuthURL = ts.URL
	var got string
	v, err := NewHTTPValidator(cfg, WithObserver(func(reason string, _ time.Duration) { got = reason }))
	if err != nil {
		t.Fatalf("NewHTTPValidator: %v", err)
	}
	_, _ = v.Validate(context.Background(), "tok")
	if got != "invalid_session" {
		t.Fatalf("observer reason=%q", got)
	}
}

func TestReason(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{err: nil, want: "ok"},
		{err: failure(ErrMissingToken, nil), want: "missing_token"},
		{err: failure(ErrInvalidSession, nil), want: "invalid_session"},
		{err: failure(ErrUnavailable, context.DeadlineExceeded), want: "unavailable"},
		{err: errors.New("x"), want: "unknown"},
	}
	for _, tc := range cases {
		if got := Reason(tc.err); got != tc.want {
			t.Fatalf("Reason(%v)=%q want=%q", tc.err, got, tc.want)
		}
	}
}
