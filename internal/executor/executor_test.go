package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/doughall/rootd/internal/protocol"
	"github.com/doughall/rootd/internal/terminal"
)

// nopLogger returns a logger that discards all output, suitable for tests.
func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingApplier struct {
	calls []string
	fail  string
}

func (r *recordingApplier) record(name string) error {
	r.calls = append(r.calls, name)
	if name == r.fail {
		return errors.New(name + " failed")
	}
	return nil
}

func (r *recordingApplier) Setgroups([]uint32) error { return r.record("setgroups") }
func (r *recordingApplier) Setgid(uint32) error      { return r.record("setgid") }
func (r *recordingApplier) Setuid(uint32) error      { return r.record("setuid") }

func TestSwitchIdentity_Order(t *testing.T) {
	tests := []struct {
		name string
		fail string
		want []string
	}{
		{"all steps", "", []string{"setgroups", "setgid", "setuid"}},
		{"groups fail", "setgroups", []string{"setgroups"}},
		{"gid fail", "setgid", []string{"setgroups", "setgid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &recordingApplier{fail: tt.fail}
			err := switchIdentity(a, 10100, []uint32{3003})
			if (err != nil) != (tt.fail != "") {
				t.Fatalf("error = %v", err)
			}
			if !reflect.DeepEqual(a.calls, tt.want) {
				t.Errorf("calls = %v, want %v", a.calls, tt.want)
			}
		})
	}
}

func TestCredentialBuilder(t *testing.T) {
	b := &credentialBuilder{}
	if err := switchIdentity(b, 10100, []uint32{1004, 3003}); err != nil {
		t.Fatalf("switchIdentity failed: %v", err)
	}
	if b.cred.Uid != 10100 || b.cred.Gid != 10100 {
		t.Errorf("cred = %+v", b.cred)
	}
	if !reflect.DeepEqual(b.cred.Groups, []uint32{1004, 3003}) {
		t.Errorf("groups = %v", b.cred.Groups)
	}

	t.Run("empty list clears groups", func(t *testing.T) {
		b := &credentialBuilder{}
		if err := switchIdentity(b, 0, nil); err != nil {
			t.Fatal(err)
		}
		if b.cred.Groups == nil || len(b.cred.Groups) != 0 || b.cred.NoSetGroups {
			t.Errorf("groups = %#v, NoSetGroups = %v", b.cred.Groups, b.cred.NoSetGroups)
		}
	})

	t.Run("out of order", func(t *testing.T) {
		if err := (&credentialBuilder{}).Setuid(0); !errors.Is(err, errIdentityOrder) {
			t.Errorf("Setuid first = %v", err)
		}
		if err := (&credentialBuilder{}).Setgid(0); !errors.Is(err, errIdentityOrder) {
			t.Errorf("Setgid first = %v", err)
		}
		b := &credentialBuilder{}
		b.Setgroups(nil)
		if err := b.Setgroups(nil); !errors.Is(err, errIdentityOrder) {
			t.Errorf("second Setgroups = %v", err)
		}
	})

	t.Run("negative uid", func(t *testing.T) {
		a := &recordingApplier{}
		if err := switchIdentity(a, -1, nil); err == nil || len(a.calls) != 0 {
			t.Errorf("err = %v, calls = %v", err, a.calls)
		}
	})
}

func TestBuildEnv(t *testing.T) {
	parent := []string{"PATH=/usr/bin:/bin", "TERM=xterm", "SECRET=1"}

	t.Run("keep env", func(t *testing.T) {
		got := buildEnv(&protocol.SuRequest{KeepEnv: true}, "/bin/sh", parent)
		if !reflect.DeepEqual(got, parent) {
			t.Errorf("env = %v", got)
		}
	})

	tests := []struct {
		uid  int32
		want []string
	}{
		{0, []string{"PATH=/usr/bin:/bin", "HOME=/data", "SHELL=/bin/sh", "USER=root", "LOGNAME=root", "TERM=xterm"}},
		{2000, []string{"PATH=/usr/bin:/bin", "HOME=/", "SHELL=/bin/sh", "USER=2000", "LOGNAME=2000", "TERM=xterm"}},
	}
	for _, tt := range tests {
		got := buildEnv(&protocol.SuRequest{TargetUID: tt.uid}, "/bin/sh", parent)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("uid %d: env = %v, want %v", tt.uid, got, tt.want)
		}
	}

	got := buildEnv(&protocol.SuRequest{}, "/bin/sh", nil)
	if got[0] != "PATH="+defaultPath || len(got) != 5 {
		t.Errorf("env without parent = %v", got)
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		req  protocol.SuRequest
		want []string
	}{
		{protocol.SuRequest{Command: "id"}, []string{"/bin/sh", "-c", "id"}},
		{protocol.SuRequest{Command: "id", Login: true}, []string{"/bin/sh", "-c", "id"}},
		{protocol.SuRequest{Login: true}, []string{"-sh"}},
		{protocol.SuRequest{}, []string{"/bin/sh"}},
	}
	for _, tt := range tests {
		cmd := command("/bin/sh", &tt.req)
		if cmd.Path != "/bin/sh" || !reflect.DeepEqual(cmd.Args, tt.want) {
			t.Errorf("command(%+v) = %s %v", tt.req, cmd.Path, cmd.Args)
		}
	}
}

func TestExitStatus(t *testing.T) {
	sh := lookSh(t)
	tests := []struct {
		script string
		want   int32
	}{
		{"exit 0", 0},
		{"exit 3", 3},
		{"kill -TERM $$", 128 + 15},
	}
	for _, tt := range tests {
		err := exec.Command(sh, "-c", tt.script).Run()
		if got := exitStatus(err); got != tt.want {
			t.Errorf("%q: status = %d, want %d", tt.script, got, tt.want)
		}
	}

	if got := exitStatus(errors.New("fork failed")); got != protocol.ExitNotStarted {
		t.Errorf("start failure status = %d", got)
	}
}

func TestShellResolver(t *testing.T) {
	sh := lookSh(t)
	dir := t.TempDir()
	plain := filepath.Join(dir, "notes.txt")
	os.WriteFile(plain, []byte("x"), 0644)

	r := NewShellResolver(sh)

	got, err := r.Resolve("")
	if err != nil || got != sh {
		t.Errorf("Resolve(\"\") = %q, %v", got, err)
	}
	if got, err := r.Resolve("sh"); err != nil || !filepath.IsAbs(got) {
		t.Errorf("Resolve(sh) = %q, %v", got, err)
	}
	if _, err := r.Resolve(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing shell")
	}
	if _, err := r.Resolve(plain); !errors.Is(err, ErrShellNotExecutable) {
		t.Errorf("Resolve(non-executable) = %v", err)
	}
	if _, err := r.Resolve(dir); !errors.Is(err, ErrShellNotExecutable) {
		t.Errorf("Resolve(directory) = %v", err)
	}
	if _, err := NewShellResolver("").Resolve(""); err == nil {
		t.Error("expected error with no default shell")
	}

	t.Run("concurrent cached lookups", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if p, err := r.Resolve(sh); err != nil || p != sh {
					t.Errorf("Resolve = %q, %v", p, err)
				}
			}()
		}
		wg.Wait()
	})
}

func lookSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	abs, err := filepath.Abs(sh)
	if err != nil {
		t.Fatal(err)
	}
	return abs
}

type fakeNamespacer struct {
	mu    sync.Mutex
	modes []protocol.MountNamespaceMode
	pids  []int32
	err   error
}

func (f *fakeNamespacer) Enter(mode protocol.MountNamespaceMode, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	f.pids = append(f.pids, pid)
	return f.err
}

type fakeLabeler struct {
	labels []string
}

func (f *fakeLabeler) SetExecLabel(label string) error {
	f.labels = append(f.labels, label)
	return nil
}

func testEngine(t *testing.T) (*Engine, *fakeNamespacer, *fakeLabeler) {
	t.Helper()
	ns := &fakeNamespacer{}
	labels := &fakeLabeler{}
	e := NewEngine(NewShellResolver(lookSh(t)), terminal.NewManager(nopLogger()), nopLogger())
	e.ns = ns
	e.labels = labels
	return e, ns, labels
}

func outputFile(t *testing.T, name string) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func readFile(t *testing.T, f *os.File) string {
	t.Helper()
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestExecute_Direct(t *testing.T) {
	e, ns, labels := testEngine(t)
	stdout, stderr := outputFile(t, "out"), outputFile(t, "err")

	job := &Job{
		ID: "job-1",
		Request: &protocol.SuRequest{
			TargetUID: int32(os.Geteuid()),
			Command:   "echo out; echo err >&2; exit 3",
			Context:   "u:r:su:s0",
		},
		ClientPID: 4242,
		Mode:      protocol.MountRequester,
		Stdout:    stdout,
		Stderr:    stderr,
	}

	status, err := e.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status != 3 {
		t.Errorf("status = %d, want 3", status)
	}
	if got := readFile(t, stdout); got != "out\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := readFile(t, stderr); got != "err\n" {
		t.Errorf("stderr = %q", got)
	}
	if len(ns.modes) != 1 || ns.modes[0] != protocol.MountRequester || ns.pids[0] != 4242 {
		t.Errorf("namespace calls = %v %v", ns.modes, ns.pids)
	}
	if !reflect.DeepEqual(labels.labels, []string{"u:r:su:s0"}) {
		t.Errorf("labels = %v", labels.labels)
	}
}

func TestExecute_Failures(t *testing.T) {
	t.Run("identity refused", func(t *testing.T) {
		e, ns, _ := testEngine(t)
		e.euid = 12345
		status, err := e.Execute(context.Background(), &Job{Request: &protocol.SuRequest{TargetUID: 0, Command: "true"}})
		if err == nil || status != protocol.ExitNotStarted {
			t.Errorf("Execute = %d, %v", status, err)
		}
		if len(ns.modes) != 0 {
			t.Error("namespace entered before identity was validated")
		}
	})

	t.Run("groups without root", func(t *testing.T) {
		e, _, _ := testEngine(t)
		e.euid = 12345
		req := &protocol.SuRequest{TargetUID: 12345, Groups: []uint32{1}}
		if status, err := e.Execute(context.Background(), &Job{Request: req}); err == nil || status != protocol.ExitNotStarted {
			t.Errorf("Execute = %d, %v", status, err)
		}
	})

	t.Run("namespace failure", func(t *testing.T) {
		e, ns, labels := testEngine(t)
		ns.err = errors.New("no such process")
		out := outputFile(t, "out")
		req := &protocol.SuRequest{TargetUID: int32(os.Geteuid()), Command: "echo ran"}
		status, err := e.Execute(context.Background(), &Job{Request: req, Stdout: out})
		if err == nil || !strings.Contains(err.Error(), "mount namespace") || status != protocol.ExitNotStarted {
			t.Errorf("Execute = %d, %v", status, err)
		}
		if len(labels.labels) != 0 || readFile(t, out) != "" {
			t.Error("execution continued after namespace failure")
		}
	})

	t.Run("missing shell", func(t *testing.T) {
		e, _, _ := testEngine(t)
		req := &protocol.SuRequest{TargetUID: int32(os.Geteuid()), Shell: "/nonexistent/sh"}
		if status, err := e.Execute(context.Background(), &Job{Request: req}); err == nil || status != protocol.ExitNotStarted {
			t.Errorf("Execute = %d, %v", status, err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		e, _, _ := testEngine(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := &protocol.SuRequest{TargetUID: int32(os.Geteuid()), Command: "true"}
		if _, err := e.Execute(ctx, &Job{Request: req}); !errors.Is(err, context.Canceled) {
			t.Errorf("Execute = %v", err)
		}
	})
}

func TestExecute_Login(t *testing.T) {
	e, _, _ := testEngine(t)
	out := outputFile(t, "out")
	in, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	defer w.Close()

	req := &protocol.SuRequest{
		TargetUID: int32(os.Geteuid()),
		Login:     true,
		Command:   "test -t 0 && echo tty-ok; exit 5",
	}
	status, err := e.Execute(context.Background(), &Job{ID: "login-1", Request: req, Stdin: in, Stdout: out})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	if status != 5 {
		t.Errorf("status = %d, want 5", status)
	}
	if got := readFile(t, out); !strings.Contains(got, "tty-ok") {
		t.Errorf("output = %q", got)
	}
	if n := e.terminals.SessionCount(); n != 0 {
		t.Errorf("SessionCount = %d", n)
	}
}

func TestExecute_SwitchesToTargetUID(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	e, _, _ := testEngine(t)
	out := outputFile(t, "out")
	req := &protocol.SuRequest{TargetUID: 10100, Command: "id -u; id -g; id -G"}

	status, err := e.Execute(context.Background(), &Job{Request: req, Stdout: out})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status != 0 {
		t.Errorf("status = %d", status)
	}
	lines := strings.Split(strings.TrimSpace(readFile(t, out)), "\n")
	if len(lines) != 3 || lines[0] != "10100" || lines[1] != "10100" || lines[2] != "10100" {
		t.Errorf("identity = %q", lines)
	}
}
