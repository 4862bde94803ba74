package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatrelay/cmd/internal/metrics"

	"github.com/cenkalti/backoff/v4"
)

// Publisher receives events from rooms. Implementations must not block.
type Publisher interface {
	PublishChat(ev ChatEvent)
	PublishReaction(ev ReactionEvent)
}

// PersisterConfig tunes the asynchronous hand-off to an EventSink.
type PersisterConfig struct {
	QueueSize       int
	Workers         int
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultPersisterConfig returns conservative defaults.
func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{
		QueueSize:       4096,
		Workers:         4,
		AttemptTimeout:  5 * time.Second,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      1 * time.Minute,
	}
}

type persistJob struct {
	kind     string
	chat     ChatEvent
	reaction ReactionEvent
}

// Persister decouples rooms from the durable store: rooms submit without
// blocking, workers write with exponential backoff. A full queue drops the
// event (logged and counted) rather than stalling fan-out.
type Persister struct {
	log     *slog.Logger
	sink    EventSink
	metrics *metrics.Relay
	cfg     PersisterConfig

	mu     sync.RWMutex
	closed bool
	queue  chan persistJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPersister starts cfg.Workers workers writing to sink.
func NewPersister(log *slog.Logger, sink EventSink, m *metrics.Relay, cfg PersisterConfig) *Persister {
	d := DefaultPersisterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = d.AttemptTimeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = d.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = d.MaxInterval
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = d.MaxElapsed
	}
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = NewInMemorySink()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Persister{
		log:     log,
		sink:    sink,
		metrics: m,
		cfg:     cfg,
		queue:   make(chan persistJob, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// PublishChat queues a chat event for storage.
func (p *Persister) PublishChat(ev ChatEvent) {
	p.submit(persistJob{kind: "chat", chat: ev}, ev.RoomID)
}

// PublishReaction queues a reaction for storage.
func (p *Persister) PublishReaction(ev ReactionEvent) {
	p.submit(persistJob{kind: "reaction", reaction: ev}, ev.RoomID)
}

func (p *Persister) submit(job persistJob, roomID string) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.metrics.Persisted(job.kind, "dropped")
		p.log.Warn("persist.drop", "kind", job.kind, "room_id", roomID, "reason", "closed")
		return
	}

	select {
	case p.queue <- job:
	default:
		p.metrics.Persisted(job.kind, "dropped")
		p.log.Warn("persist.drop", "kind", job.kind, "room_id", roomID, "reason", "queue_full")
	}
}

func (p *Persister) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		p.run(job)
	}
}

func (p *Persister) run(job persistJob) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.MaxElapsedTime = p.cfg.MaxElapsed

	op := func() error {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.AttemptTimeout)
		defer cancel()

		var err error
		switch job.kind {
		case "chat":
			err = p.sink.SaveChat(ctx, job.chat)
		case "reaction":
			err = p.sink.SaveReaction(ctx, job.reaction)
		}
		if errors.Is(err, ErrInvalidEvent) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		p.metrics.PersistRetried()
		p.log.Info("persist.retry", "kind", job.kind, "wait_ms", wait.Milliseconds(), "err", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, p.ctx), notify); err != nil {
		p.metrics.Persisted(job.kind, "failed")
		p.log.Error("persist.fail", "kind", job.kind, "room_id", job.roomID(), "err", err)
		return
	}
	p.metrics.Persisted(job.kind, "ok")
}

func (j persistJob) roomID() string {
	if j.kind == "chat" {
		return j.chat.RoomID
	}
	return j.reaction.RoomID
}

// Close stops accepting events and waits for queued events to drain.
// When ctx expires first, in-flight retries are abandoned.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return p.sink.Close()
	case <-ctx.Done():
		p.cancel()
		<-done
		_ = p.sink.Close()
		return ctx.Err()
	}
}

var _ Publisher = (*Persister)(nil)
