package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	dialTimeout     = 2 * time.Second
	maxResponseSize = 64 * 1024

	// eventTimeout bounds a notify or log exchange.
	eventTimeout = 5 * time.Second
)

// ErrUndecided is returned when a prompt reply carries no final decision.
var ErrUndecided = errors.New("manager returned no decision")

// Client sends requests to one manager endpoint.
type Client struct {
	socketPath string
}

// NewClient creates a client for the manager listening at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// SocketPath returns the endpoint the client dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Prompt asks the manager to decide req. The exchange is abandoned when
// ctx ends; the caller treats any error as a denial.
func (c *Client) Prompt(ctx context.Context, req Request) (PromptReply, error) {
	msg := promptMessage{Action: ActionPrompt, Request: req}
	if deadline, ok := ctx.Deadline(); ok {
		msg.TimeoutMs = time.Until(deadline).Milliseconds()
	}

	var reply PromptReply
	if err := c.call(ctx, ActionPrompt, msg, &reply); err != nil {
		return PromptReply{}, err
	}
	if !reply.Decision.Final() {
		return PromptReply{}, ErrUndecided
	}
	return reply, nil
}

// Notify tells the manager a request was resolved.
func (c *Client) Notify(ctx context.Context, ev Event) error {
	return c.event(ctx, ActionNotify, ev)
}

// Log asks the manager to record a resolved request.
func (c *Client) Log(ctx context.Context, ev Event) error {
	return c.event(ctx, ActionLog, ev)
}

func (c *Client) event(ctx context.Context, action string, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	return c.call(ctx, action, eventMessage{Action: action, Event: ev}, nil)
}

// call performs one request/response exchange on a fresh connection.
func (c *Client) call(ctx context.Context, action string, msg any, result any) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("calling %q on %s: connecting: %w", action, c.socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// Unblock pending I/O when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := encMode.NewEncoder(conn).Encode(msg); err != nil {
		return fmt.Errorf("calling %q: writing request: %w", action, ctxErr(ctx, err))
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}

	var resp response
	if err := decMode.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&resp); err != nil {
		return fmt.Errorf("calling %q: reading response: %w", action, ctxErr(ctx, err))
	}
	if !resp.OK {
		return &Error{Action: action, Message: resp.Error}
	}
	if result != nil {
		if len(resp.Data) == 0 {
			return fmt.Errorf("calling %q: empty response data", action)
		}
		if err := decMode.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("calling %q: decoding response data: %w", action, err)
		}
	}
	return nil
}

// ctxErr prefers the context's error over the I/O error it caused.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
