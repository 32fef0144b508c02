package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
)

// nopLogger returns a logger that discards all output, suitable for tests.
func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type closer struct {
	closed *[]string
	name   string
}

func (c closer) Close() error {
	*c.closed = append(*c.closed, c.name)
	return nil
}

func TestShutdownOrder(t *testing.T) {
	var order []string
	c := NewCoordinator(nopLogger())
	for _, name := range []string{"store", "auditor", "listener"} {
		name := name
		c.Register(name, Func(func(context.Context) error {
			order = append(order, name)
			return nil
		}))
	}
	c.Register("db", Closer(closer{closed: &order, name: "db"}))

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	want := []string{"db", "listener", "auditor", "store"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if c.Len() != 4 {
		t.Errorf("Len = %d", c.Len())
	}
}

func TestShutdownContinuesPastFailure(t *testing.T) {
	var ran []string
	boom := errors.New("boom")
	c := NewCoordinator(nopLogger())
	c.Register("first", Func(func(context.Context) error { ran = append(ran, "first"); return nil }))
	c.Register("failing", Func(func(context.Context) error { ran = append(ran, "failing"); return boom }))

	err := c.Shutdown(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
	if len(ran) != 2 {
		t.Errorf("ran = %v", ran)
	}
}

func TestShutdownDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran bool
	c := NewCoordinator(nopLogger())
	c.Register("skipped", Func(func(context.Context) error { ran = true; return nil }))
	c.Register("cancels", Func(func(context.Context) error { cancel(); return nil }))

	if err := c.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if ran {
		t.Error("component ran after deadline")
	}
}
