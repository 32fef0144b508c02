// Package dispatch demultiplexes daemon connections by their command code.
//
// Each connection opens with a 4-byte command code. Codes that are unknown
// or not accepted in the current boot phase close the connection without a
// reply. Root-only commands from other peers get ROOT_REQUIRED. Accepted
// stage commands move the daemon into the next boot phase.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doughall/rootd/internal/channel"
	"github.com/doughall/rootd/internal/protocol"
)

// commandTimeout bounds how long a peer may take to send its command code.
const commandTimeout = 10 * time.Second

// Handler serves one command on a connection whose code has been consumed.
// The read deadline set for the code is still in effect; handlers that
// read further or run long extend or clear it. A returned error drops the
// connection.
type Handler interface {
	Serve(ctx context.Context, conn *channel.Conn) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *channel.Conn) error

func (f HandlerFunc) Serve(ctx context.Context, conn *channel.Conn) error {
	return f(ctx, conn)
}

// Dispatcher routes connections to handlers. One instance serves the whole
// daemon; it keeps no per-request state.
type Dispatcher struct {
	handlers map[protocol.Command]Handler
	phase    atomic.Int32
	logger   *slog.Logger
	timeout  time.Duration

	active sync.WaitGroup
}

// New creates a dispatcher in the init phase.
func New(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.Command]Handler),
		logger:   logger.With(slog.String("component", "dispatch")),
		timeout:  commandTimeout,
	}
}

// Handle registers h for cmd. It must not be called once serving starts.
func (d *Dispatcher) Handle(cmd protocol.Command, h Handler) {
	d.handlers[cmd] = h
}

// Phase returns the current boot phase.
func (d *Dispatcher) Phase() protocol.Phase {
	return protocol.Phase(d.phase.Load())
}

// SetPhase moves the dispatcher to p if p is later than the current phase.
func (d *Dispatcher) SetPhase(p protocol.Phase) {
	for {
		cur := d.phase.Load()
		if int32(p) <= cur || d.phase.CompareAndSwap(cur, int32(p)) {
			return
		}
	}
}

// advance moves from the phase before stage into stage. It fails when
// another connection advanced first.
func (d *Dispatcher) advance(stage protocol.Phase) bool {
	return d.phase.CompareAndSwap(int32(stage-1), int32(stage))
}

// Serve accepts connections from ln until ctx is cancelled, then waits for
// connections in progress.
func (d *Dispatcher) Serve(ctx context.Context, ln *channel.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	d.logger.Info("accepting connections", slog.String("socket", ln.Path()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			d.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		d.active.Add(1)
		go func() {
			defer d.active.Done()
			d.ServeConn(ctx, conn)
		}()
	}

	d.active.Wait()
	return nil
}

// ServeConn reads the command code from conn and runs its handler. The
// connection is always closed on return.
func (d *Dispatcher) ServeConn(ctx context.Context, conn *channel.Conn) {
	cred := conn.Cred()
	logger := d.logger.With(
		slog.Int("peer_uid", int(cred.UID)),
		slog.Int("peer_pid", int(cred.PID)),
	)
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("connection handler panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()

	conn.SetReadDeadline(time.Now().Add(d.timeout))
	code, err := protocol.ReadInt32(conn)
	if err != nil {
		logger.Debug("no command code", slog.String("error", err.Error()))
		return
	}

	cmd := protocol.Command(code)
	info, err := protocol.Lookup(cmd)
	if err != nil {
		logger.Warn("dropping connection", slog.String("error", err.Error()))
		return
	}
	logger = logger.With(slog.String("command", info.Name))

	phase := d.Phase()
	if !info.Allowed(phase) {
		logger.Warn("command not accepted in phase", slog.String("phase", phase.String()))
		return
	}
	if info.RootOnly && cred.UID != 0 {
		logger.Warn("root required")
		protocol.WriteInt32(conn, int32(protocol.RespondRootRequired))
		return
	}

	if info.Band == protocol.BandStage {
		if !d.advance(info.Stage) {
			logger.Warn("boot stage already reached", slog.String("phase", d.Phase().String()))
			return
		}
		logger.Info("boot stage reached", slog.String("phase", info.Stage.String()))
	}

	h, ok := d.handlers[cmd]
	if !ok {
		if info.Band == protocol.BandStage {
			protocol.WriteInt32(conn, int32(protocol.RespondOK))
			return
		}
		logger.Warn("no handler registered")
		return
	}

	if err := h.Serve(ctx, conn); err != nil {
		logger.Warn("request failed", slog.String("error", err.Error()))
	}
}

// Shutdown waits for connections in progress. Serve stops accepting when
// its context is cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
