package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewHandler_JSONByDefault(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "", slog.LevelInfo, false))
	log.Debug("hidden")
	log.Info("room.load", "room_id", "general")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not a single JSON record: %q (%v)", buf.String(), err)
	}
	if rec["msg"] != "room.load" || rec["room_id"] != "general" {
		t.Fatalf("record=%v", rec)
	}
}

func TestNewHandler_Pretty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "PRETTY", slog.LevelInfo, false))
	log.Info("ws.close", "reason", "idle timeout", "code", 4408)

	out := buf.String()
	for _, want := range []string{"[INFO]", "msg=ws.close", `reason="idle timeout"`, "code=4408"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestNewLogger_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	log, closer := NewLogger(Config{LogLevel: "info", LogFile: path, LogMaxSizeMB: 1})
	log.Info("server.start")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "relay*.log"))
	if len(matches) == 0 {
		t.Fatalf("log file not created")
	}
}
