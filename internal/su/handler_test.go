package su

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/doughall/rootd/internal/audit"
	"github.com/doughall/rootd/internal/channel"
	"github.com/doughall/rootd/internal/executor"
	"github.com/doughall/rootd/internal/manager"
	"github.com/doughall/rootd/internal/policy"
	"github.com/doughall/rootd/internal/procinfo"
	"github.com/doughall/rootd/internal/protocol"
)

func channelCred(uid uint32, pid int32) channel.PeerCred {
	return channel.PeerCred{UID: uid, PID: pid}
}

type staticSettings struct {
	st  policy.Settings
	err error
}

func (s staticSettings) Settings() (policy.Settings, error) { return s.st, s.err }

type recordingReporter struct {
	mu      sync.Mutex
	records []audit.Record
}

func (r *recordingReporter) Report(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingReporter) all() []audit.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Record(nil), r.records...)
}

type fakeEngine struct {
	mu     sync.Mutex
	jobs   []*executor.Job
	status int32
	err    error
}

func (f *fakeEngine) Execute(_ context.Context, job *executor.Job) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.status, f.err
}

func (f *fakeEngine) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeProcs struct{}

func (fakeProcs) Lookup(_ context.Context, pid int32) (procinfo.Info, error) {
	return procinfo.Info{PID: pid, Name: "requester"}, nil
}

type harness struct {
	handler  *Handler
	store    *policy.Store
	reporter *recordingReporter
	engine   *fakeEngine
}

func newHarness(t *testing.T, st policy.Settings) *harness {
	t.Helper()
	store := openStore(t)
	h := &harness{
		store:    store,
		reporter: &recordingReporter{},
		engine:   &fakeEngine{},
	}
	resolver := NewResolver(store, manager.NewRegistry(), time.Second, nopLogger())
	h.handler = NewHandler(resolver, staticSettings{st: st}, h.reporter, h.engine, fakeProcs{}, nopLogger())
	return h
}

// serve runs the handler on the server end of a fresh connection and
// returns the client end plus the handler's result.
func (h *harness) serve(t *testing.T) (*channel.Conn, <-chan error) {
	t.Helper()
	ln, err := channel.Listen(filepath.Join(t.TempDir(), "d.sock"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	result := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			result <- err
			return
		}
		defer conn.Close()
		result <- h.handler.Serve(context.Background(), conn)
	}()

	client, err := channel.Dial(ln.Path(), time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, result
}

func sendStdio(t *testing.T, c *channel.Conn) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()
	if err := c.SendFiles(r, w, w); err != nil {
		t.Fatalf("SendFiles failed: %v", err)
	}
}

func readInt(t *testing.T, c *channel.Conn) int32 {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	v, err := protocol.ReadInt32(c)
	if err != nil {
		t.Fatalf("ReadInt32 failed: %v", err)
	}
	return v
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
		return nil
	}
}

func TestServe_Allowed(t *testing.T) {
	st := policy.DefaultSettings()
	st.MountNsMode = protocol.MountIsolate
	h := newHarness(t, st)
	h.engine.status = 42
	uid := int32(os.Getuid())
	h.store.Put(policy.Policy{UID: uid, Decision: policy.Allow, Logging: true, Notification: true})

	client, result := h.serve(t)
	req := &protocol.SuRequest{TargetUID: 0, Command: "id", Groups: []uint32{3003}}
	if err := req.Encode(client); err != nil {
		t.Fatal(err)
	}
	if ack := readInt(t, client); ack != int32(protocol.RespondOK) {
		t.Fatalf("ack = %d, want OK", ack)
	}
	sendStdio(t, client)
	if status := readInt(t, client); status != 42 {
		t.Errorf("status = %d, want 42", status)
	}
	client.Close()
	if err := waitResult(t, result); err != nil {
		t.Errorf("Serve returned %v", err)
	}

	if h.engine.calls() != 1 {
		t.Fatalf("engine calls = %d", h.engine.calls())
	}
	job := h.engine.jobs[0]
	if job.Request.Command != "id" || job.Mode != protocol.MountIsolate || job.ClientPID != int32(os.Getpid()) {
		t.Errorf("job = %+v", job)
	}
	if job.ID == "" || job.Stdin == nil || job.Stdout == nil || job.Stderr == nil {
		t.Errorf("job missing id or stdio: %+v", job)
	}

	records := h.reporter.all()
	if len(records) != 1 || records[0].Decision != policy.Allow {
		t.Fatalf("records = %+v", records)
	}
	if records[0].Request.RequestID != job.ID || records[0].Request.Process != "requester" {
		t.Errorf("record = %+v", records[0].Request)
	}
}

func TestServe_Denied(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root requests are always allowed")
	}
	st := policy.DefaultSettings()
	st.RootAccess = policy.RootAccessDisabled
	h := newHarness(t, st)

	client, result := h.serve(t)
	(&protocol.SuRequest{Command: "id"}).Encode(client)
	if ack := readInt(t, client); ack != int32(protocol.RespondAccessDenied) {
		t.Errorf("ack = %d, want ACCESS_DENIED", ack)
	}
	if err := waitResult(t, result); err != nil {
		t.Errorf("Serve returned %v", err)
	}
	if h.engine.calls() != 0 {
		t.Error("denied request reached the engine")
	}
	if records := h.reporter.all(); len(records) != 1 || records[0].Decision != policy.Deny {
		t.Errorf("records = %+v", records)
	}
}

func TestServe_ExecutionFailure(t *testing.T) {
	h := newHarness(t, policy.DefaultSettings())
	h.engine.err = errors.New("setns: operation not permitted")
	h.store.Put(policy.Policy{UID: int32(os.Getuid()), Decision: policy.Allow})

	client, result := h.serve(t)
	(&protocol.SuRequest{Command: "id"}).Encode(client)
	if ack := readInt(t, client); ack != int32(protocol.RespondOK) {
		t.Fatalf("ack = %d", ack)
	}
	sendStdio(t, client)
	if status := readInt(t, client); status != protocol.ExitNotStarted {
		t.Errorf("status = %d, want %d", status, protocol.ExitNotStarted)
	}
	client.Close()
	waitResult(t, result)
}

func TestServe_MalformedRequest(t *testing.T) {
	h := newHarness(t, policy.DefaultSettings())

	client, result := h.serve(t)
	var buf bytes.Buffer
	(&protocol.SuRequest{Command: "id"}).Encode(&buf)
	client.Write(buf.Bytes()[:buf.Len()-2])
	client.CloseWrite()

	if err := waitResult(t, result); err == nil {
		t.Error("expected decode error")
	}
	if h.engine.calls() != 0 || len(h.reporter.all()) != 0 {
		t.Error("malformed request was resolved")
	}
}

func TestServe_ClientGoneAfterAck(t *testing.T) {
	h := newHarness(t, policy.DefaultSettings())
	h.store.Put(policy.Policy{UID: int32(os.Getuid()), Decision: policy.Allow})

	client, result := h.serve(t)
	(&protocol.SuRequest{Command: "id"}).Encode(client)
	readInt(t, client)
	client.Close()

	if err := waitResult(t, result); err == nil {
		t.Error("expected error when stdio never arrives")
	}
	if h.engine.calls() != 0 {
		t.Error("engine ran without stdio")
	}
}

func TestServe_StalledClientIsDropped(t *testing.T) {
	tests := []struct {
		name  string
		stall func(t *testing.T, c *channel.Conn)
	}{
		{
			name:  "no request payload",
			stall: func(*testing.T, *channel.Conn) {},
		},
		{
			name: "no stdio after ack",
			stall: func(t *testing.T, c *channel.Conn) {
				(&protocol.SuRequest{Command: "id"}).Encode(c)
				if ack := readInt(t, c); ack != int32(protocol.RespondOK) {
					t.Fatalf("ack = %d", ack)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, policy.DefaultSettings())
			h.store.Put(policy.Policy{UID: int32(os.Getuid()), Decision: policy.Allow})
			h.handler.readTimeout = 200 * time.Millisecond

			client, result := h.serve(t)
			tt.stall(t, client)

			start := time.Now()
			if err := waitResult(t, result); err == nil {
				t.Error("expected an error for a stalled client")
			}
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Errorf("handler held the connection for %v", elapsed)
			}
			if h.engine.calls() != 0 {
				t.Error("engine ran for a stalled client")
			}
		})
	}
}
