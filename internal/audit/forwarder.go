package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/doughall/rootd/internal/nats"
)

// forwardBatch is the most outbox entries shipped per cycle.
const forwardBatch = 50

// LogPublisher ships su log records to a remote server.
type LogPublisher interface {
	PublishSuLog(ctx context.Context, ev *nats.SuEventMessage) error
	IsConnected() bool
}

// Forwarder periodically ships queued su log entries and removes them
// from the outbox once published. Failures are retried on the next cycle.
type Forwarder struct {
	store    *Store
	pub      LogPublisher
	logger   *slog.Logger
	interval time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewForwarder creates a forwarder draining store's outbox into pub.
func NewForwarder(store *Store, pub LogPublisher, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		store:    store,
		pub:      pub,
		logger:   logger.With(slog.String("component", "sulog-forwarder")),
		interval: 30 * time.Second,
	}
}

// Run forwards pending entries immediately and then every interval until
// ctx is cancelled. Run should be called in a goroutine.
func (f *Forwarder) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.Flush(ctx)
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("forwarder stopping")
			return
		case <-ticker.C:
			f.Flush(ctx)
		}
	}
}

// Flush ships one batch of pending entries and returns how many were
// forwarded.
func (f *Forwarder) Flush(ctx context.Context) int {
	f.wg.Add(1)
	defer f.wg.Done()

	if ctx.Err() != nil || !f.pub.IsConnected() {
		return 0
	}

	entries, err := f.store.Pending(forwardBatch)
	if err != nil {
		f.logger.Warn("failed to read outbox", slog.String("error", err.Error()))
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	var sent []uint64
	for _, e := range entries {
		if err := f.pub.PublishSuLog(ctx, message(e)); err != nil {
			f.logger.Warn("failed to forward su log, will retry next cycle",
				slog.String("error", err.Error()),
				slog.Uint64("id", e.ID),
			)
			break
		}
		sent = append(sent, e.ID)
	}

	if len(sent) > 0 {
		if err := f.store.MarkForwarded(sent); err != nil {
			// Entries may be forwarded again; the server dedups by request id.
			f.logger.Warn("failed to clear outbox", slog.String("error", err.Error()))
		}
		f.logger.Debug("forwarded su log entries", slog.Int("count", len(sent)))
	}
	return len(sent)
}

// Shutdown stops the forwarder and waits for an in-flight batch.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		f.logger.Warn("forwarder shutdown timed out")
		return ctx.Err()
	}
}
