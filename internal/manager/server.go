package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	maxRequestSize = 64 * 1024
	readTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

// Handler is implemented by manager applications.
type Handler interface {
	Prompt(ctx context.Context, req Request) (PromptReply, error)
	Notify(ctx context.Context, ev Event) error
	Log(ctx context.Context, ev Event) error
}

// Server serves the manager side of the protocol on a unix socket.
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger

	active sync.WaitGroup
}

// NewServer creates a server that will listen on socketPath.
func NewServer(socketPath string, handler Handler, logger *slog.Logger) *Server {
	return &Server{socketPath: socketPath, handler: handler, logger: logger}
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight exchanges. If ready is non-nil it is closed once listening.
func (s *Server) Serve(ctx context.Context, ready chan<- struct{}) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		ln.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	if ready != nil {
		close(ready)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handle(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw cbor.RawMessage
	if err := decMode.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if !errors.Is(err, io.EOF) {
			s.write(conn, response{Error: fmt.Sprintf("invalid request: %v", err)})
		}
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := decMode.Unmarshal(raw, &header); err != nil {
		s.write(conn, response{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	result, err := s.dispatch(ctx, header.Action, raw)
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		s.write(conn, response{Error: err.Error()})
		return
	}

	resp := response{OK: true}
	if result != nil {
		data, err := encMode.Marshal(result)
		if err != nil {
			s.write(conn, response{Error: fmt.Sprintf("internal: marshaling response: %v", err)})
			return
		}
		resp.Data = data
	}
	s.write(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, action string, raw []byte) (any, error) {
	switch action {
	case ActionPrompt:
		var msg promptMessage
		if err := decMode.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TimeoutMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(msg.TimeoutMs)*time.Millisecond)
			defer cancel()
		}
		reply, err := s.handler.Prompt(ctx, msg.Request)
		if err != nil {
			return nil, err
		}
		return reply, nil
	case ActionNotify, ActionLog:
		var msg eventMessage
		if err := decMode.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if action == ActionNotify {
			return nil, s.handler.Notify(ctx, msg.Event)
		}
		return nil, s.handler.Log(ctx, msg.Event)
	case "":
		return nil, errors.New("missing required field: action")
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}

func (s *Server) write(conn net.Conn, resp response) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := encMode.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
