package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_ColoredOutputStripsToPlain(t *testing.T) {
	t.Parallel()

	var colored, plain bytes.Buffer
	for _, tc := range []struct {
		buf   *bytes.Buffer
		color bool
	}{{&colored, true}, {&plain, false}} {
		log := slog.New(newPrettyHandler(tc.buf, &slog.HandlerOptions{Level: slog.LevelInfo}, tc.color))
		log.Warn("http.request", "method", "get", "status", 404, "duration_ms", 12)
	}

	if !strings.Contains(colored.String(), "\x1b[") {
		t.Fatalf("expected escape codes in %q", colored.String())
	}
	// Timestamps can differ between the two records; compare after it.
	cut := func(s string) string { return s[strings.Index(s, "lvl="):] }
	if got, want := cut(stripANSI(colored.String())), cut(plain.String()); got != want {
		t.Fatalf("stripped=%q want %q", got, want)
	}
	for _, want := range []string{"[WARN]", "method=GET", "status=404", "duration=12ms"} {
		if !strings.Contains(plain.String(), want) {
			t.Fatalf("missing %q in %q", want, plain.String())
		}
	}
}

func TestPrettyHandler_GroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).With("room_id", "general").WithGroup("persist")
	log.Info("persist.retry", "kind", "chat")
	log.Debug("dropped below level")

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", out)
	}
	if !strings.Contains(out, "room_id=general") || !strings.Contains(out, "persist.kind=chat") {
		t.Fatalf("unexpected output %q", out)
	}
}
