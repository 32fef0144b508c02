// Package audit announces and records resolved superuser requests.
//
// Every resolved request is reported once. Report returns immediately;
// in the background every sink is notified and then every sink logs the
// record, marked with whether any notification went out. Failures are
// only logged.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/doughall/rootd/internal/manager"
	"github.com/doughall/rootd/internal/policy"
)

// deliveryTimeout bounds a single sink delivery.
const deliveryTimeout = 5 * time.Second

// Record is a resolved request as seen by the sinks.
type Record struct {
	Request  manager.Request
	Decision policy.Decision
	Time     time.Time

	// ManagerUser is the user space whose manager should hear about the
	// request.
	ManagerUser int32

	// Notify and Log carry the stored policy's notification and logging
	// flags; sinks facing the user honor them.
	Notify bool
	Log    bool

	// Notified is set for Log calls when a user-facing sink's Notify
	// succeeded.
	Notified bool
}

// Sink receives audit records.
type Sink interface {
	Notify(ctx context.Context, r Record) error
	Log(ctx context.Context, r Record) error
}

// UserFacing is implemented by sinks whose notifications reach the user.
// Only their success marks a record as notified.
type UserFacing interface {
	UserFacing() bool
}

func userFacing(s Sink) bool {
	uf, ok := s.(UserFacing)
	return ok && uf.UserFacing()
}

// Auditor fans records out to its sinks without blocking the caller.
type Auditor struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAuditor creates an auditor delivering to sinks.
func NewAuditor(logger *slog.Logger, sinks ...Sink) *Auditor {
	return &Auditor{
		sinks:   sinks,
		logger:  logger.With(slog.String("component", "audit")),
		timeout: deliveryTimeout,
	}
}

// Report delivers r to every sink without blocking.
func (a *Auditor) Report(r Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Warn("audit record dropped after shutdown",
			slog.String("request_id", r.Request.RequestID),
		)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.deliver(r)
	}()
}

// deliver notifies every sink, then logs to every sink with Notified set
// when a user-facing notification went out. Each pass has its own deadline.
func (a *Auditor) deliver(r Record) {
	nctx, ncancel := context.WithTimeout(context.Background(), a.timeout)
	r.Notified = a.fanOut(nctx, "su notification failed", r, Sink.Notify)
	ncancel()

	lctx, lcancel := context.WithTimeout(context.Background(), a.timeout)
	defer lcancel()
	a.fanOut(lctx, "su log failed", r, Sink.Log)
}

// fanOut calls fn on every sink concurrently and reports whether a call on
// a user-facing sink succeeded.
func (a *Auditor) fanOut(ctx context.Context, msg string, r Record, fn func(Sink, context.Context, Record) error) bool {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok bool
	)
	for _, s := range a.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			err := fn(s, ctx, r)
			switch {
			case err == nil:
				if userFacing(s) {
					mu.Lock()
					ok = true
					mu.Unlock()
				}
			case !errors.Is(err, errSkipped):
				a.logger.Warn(msg,
					slog.String("request_id", r.Request.RequestID),
					slog.String("error", err.Error()),
				)
			}
		}(s)
	}
	wg.Wait()
	return ok
}

// Shutdown stops accepting records and waits for in-flight deliveries.
func (a *Auditor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.logger.Warn("audit shutdown timed out")
		return ctx.Err()
	}
}

// errSkipped marks a delivery a sink chose not to make.
var errSkipped = errors.New("skipped")
