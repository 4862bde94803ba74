package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/cmd/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type flakySink struct {
	*InMemorySink
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakySink) SaveChat(ctx context.Context, ev ChatEvent) error {
	s.calls.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errors.New("db unavailable")
	}
	return s.InMemorySink.SaveChat(ctx, ev)
}

type blockingSink struct {
	*InMemorySink
	gate chan struct{}
}

func (s *blockingSink) SaveChat(ctx context.Context, ev ChatEvent) error {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.InMemorySink.SaveChat(ctx, ev)
}

func testPersisterConfig() PersisterConfig {
	return PersisterConfig{
		QueueSize:       16,
		Workers:         1,
		AttemptTimeout:  time.Second,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		MaxElapsed:      2 * time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPersister_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	sink := &flakySink{InMemorySink: NewInMemorySink()}
	sink.failures.Store(2)
	m := metrics.New()

	p := NewPersister(discardLogger(), sink, m, testPersisterConfig())
	p.PublishChat(ChatEvent{RoomID: "r", MessageID: "m1", AuthorID: "a", Text: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := len(sink.Chats("r")); got != 1 {
		t.Fatalf("stored=%d want 1", got)
	}
	if got := sink.calls.Load(); got != 3 {
		t.Fatalf("calls=%d want 3", got)
	}
	if got := testutil.ToFloat64(m.PersistRetries); got != 2 {
		t.Fatalf("retries=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.PersistOutcomes.WithLabelValues("chat", "ok")); got != 1 {
		t.Fatalf("ok outcomes=%v want 1", got)
	}
}

func TestPersister_InvalidEventNotRetried(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	p := NewPersister(discardLogger(), NewInMemorySink(), m, testPersisterConfig())
	p.PublishReaction(ReactionEvent{RoomID: "r"})

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := testutil.ToFloat64(m.PersistRetries); got != 0 {
		t.Fatalf("retries=%v want 0", got)
	}
	if got := testutil.ToFloat64(m.PersistOutcomes.WithLabelValues("reaction", "failed")); got != 1 {
		t.Fatalf("failed outcomes=%v want 1", got)
	}
}

func TestPersister_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	sink := &blockingSink{InMemorySink: NewInMemorySink(), gate: make(chan struct{})}
	m := metrics.New()
	cfg := testPersisterConfig()
	cfg.QueueSize = 1

	p := NewPersister(discardLogger(), sink, m, cfg)

	start := time.Now()
	for i := 0; i < 20; i++ {
		p.PublishChat(ChatEvent{RoomID: "r", MessageID: "m" + string(rune('a'+i)), AuthorID: "a"})
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("publish blocked for %v", took)
	}
	if got := testutil.ToFloat64(m.PersistOutcomes.WithLabelValues("chat", "dropped")); got < 1 {
		t.Fatalf("expected dropped events, got %v", got)
	}

	close(sink.gate)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPersister_PublishAfterCloseIsDropped(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	p := NewPersister(discardLogger(), NewInMemorySink(), m, testPersisterConfig())
	_ = p.Close(context.Background())

	p.PublishChat(ChatEvent{RoomID: "r", MessageID: "m", AuthorID: "a"})
	if got := testutil.ToFloat64(m.PersistOutcomes.WithLabelValues("chat", "dropped")); got != 1 {
		t.Fatalf("dropped=%v want 1", got)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
