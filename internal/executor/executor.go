// executor.go implements the execution engine for approved su requests.
// Each request runs on its own locked OS thread, which enters the target
// mount namespace and sets the exec security label before the shell is
// forked. The identity switch happens in the child between fork and exec,
// so the shell is never running with the daemon's credentials.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/doughall/rootd/internal/protocol"
	"github.com/doughall/rootd/internal/terminal"
)

// Job is one approved request ready to run.
type Job struct {
	// ID correlates the job with its request in logs and the terminal
	// manager.
	ID      string
	Request *protocol.SuRequest

	// ClientPID is the requester whose mount namespace is used in the
	// requester and isolate modes.
	ClientPID int32
	Mode      protocol.MountNamespaceMode

	// Stdin, Stdout and Stderr are the client's descriptors.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// ClientGone is closed when the client's control connection ends.
	ClientGone <-chan struct{}
}

// Engine spawns shells for approved requests.
type Engine struct {
	shells    *ShellResolver
	terminals *terminal.Manager
	ns        Namespacer
	labels    LabelSetter
	euid      int
	logger    *slog.Logger
}

// NewEngine creates an engine using the host's namespace and label
// primitives.
func NewEngine(shells *ShellResolver, terminals *terminal.Manager, logger *slog.Logger) *Engine {
	return &Engine{
		shells:    shells,
		terminals: terminals,
		ns:        NewNamespacer(),
		labels:    NewLabelSetter(),
		euid:      os.Geteuid(),
		logger:    logger.With(slog.String("component", "executor")),
	}
}

type outcome struct {
	status int32
	err    error
}

// Execute runs job and returns the shell's exit status. A non-nil error
// means the shell never ran and the status is protocol.ExitNotStarted.
// Execute returns when the shell has exited and been reaped.
func (e *Engine) Execute(ctx context.Context, job *Job) (int32, error) {
	if job.Request == nil {
		return protocol.ExitNotStarted, errors.New("job has no request")
	}
	if err := ctx.Err(); err != nil {
		return protocol.ExitNotStarted, err
	}

	shell, err := e.shells.Resolve(job.Request.Shell)
	if err != nil {
		return protocol.ExitNotStarted, err
	}

	cmd := command(shell, job.Request)
	cmd.Env = buildEnv(job.Request, shell, os.Environ())
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	if err := e.identity(cmd.SysProcAttr, job.Request); err != nil {
		return protocol.ExitNotStarted, fmt.Errorf("identity: %w", err)
	}
	if job.Mode == protocol.MountIsolate {
		cmd.SysProcAttr.Unshareflags |= unix.CLONE_NEWNS
	}

	done := make(chan outcome, 1)
	go func() {
		// The thread's namespace and label no longer match the rest of the
		// process, so it is never returned to the scheduler and exits with
		// this goroutine.
		runtime.LockOSThread()
		status, err := e.run(job, cmd)
		done <- outcome{status: status, err: err}
	}()
	res := <-done

	if res.err != nil {
		return protocol.ExitNotStarted, res.err
	}
	e.logger.Debug("su shell exited",
		slog.String("request_id", job.ID),
		slog.Int("status", int(res.status)),
	)
	return res.status, nil
}

// run must be called on a locked OS thread.
func (e *Engine) run(job *Job, cmd *exec.Cmd) (int32, error) {
	if err := e.ns.Enter(job.Mode, job.ClientPID); err != nil {
		return protocol.ExitNotStarted, fmt.Errorf("mount namespace: %w", err)
	}
	if err := e.labels.SetExecLabel(job.Request.Context); err != nil {
		return protocol.ExitNotStarted, fmt.Errorf("security label: %w", err)
	}

	if job.Request.Login {
		return e.runTerminal(job, cmd)
	}
	return e.runDirect(job, cmd)
}

func (e *Engine) runTerminal(job *Job, cmd *exec.Cmd) (int32, error) {
	var size *pty.Winsize
	if job.Stdin != nil {
		if ws, err := pty.GetsizeFull(job.Stdin); err == nil {
			size = ws
		}
	}

	session, err := e.terminals.Start(job.ID, cmd, size)
	if err != nil {
		return protocol.ExitNotStarted, err
	}
	e.logger.Info("su shell started",
		slog.String("request_id", job.ID),
		slog.Int("pid", session.PID()),
		slog.Bool("pty", true),
	)

	var out io.Writer = io.Discard
	if job.Stdout != nil {
		out = job.Stdout
	}
	return exitStatus(session.Relay(job.Stdin, out, job.ClientGone)), nil
}

func (e *Engine) runDirect(job *Job, cmd *exec.Cmd) (int32, error) {
	if job.Stdin != nil {
		cmd.Stdin = job.Stdin
	}
	if job.Stdout != nil {
		cmd.Stdout = job.Stdout
	}
	if job.Stderr != nil {
		cmd.Stderr = job.Stderr
	}
	cmd.SysProcAttr.Setpgid = true

	if err := cmd.Start(); err != nil {
		return protocol.ExitNotStarted, fmt.Errorf("start shell: %w", err)
	}
	e.logger.Info("su shell started",
		slog.String("request_id", job.ID),
		slog.Int("pid", cmd.Process.Pid),
		slog.Bool("pty", false),
	)
	return exitStatus(cmd.Wait()), nil
}

// identity fills attr with the requested credentials. Without root the
// only reachable identity is the daemon's own.
func (e *Engine) identity(attr *syscall.SysProcAttr, req *protocol.SuRequest) error {
	if req.TargetUID < 0 {
		return fmt.Errorf("invalid target uid %d", req.TargetUID)
	}
	if e.euid != 0 {
		if int(req.TargetUID) != e.euid {
			return fmt.Errorf("cannot switch to uid %d without root", req.TargetUID)
		}
		if len(req.Groups) > 0 {
			return errors.New("cannot set supplementary groups without root")
		}
		return nil
	}

	b := &credentialBuilder{}
	if err := switchIdentity(b, req.TargetUID, req.Groups); err != nil {
		return err
	}
	attr.Credential = b.cred
	return nil
}

// command builds the shell invocation: "shell -c command" when a command
// is given, a login shell when login is set, a plain shell otherwise.
func command(shell string, req *protocol.SuRequest) *exec.Cmd {
	args := []string{shell}
	switch {
	case req.Command != "":
		args = append(args, "-c", req.Command)
	case req.Login:
		args[0] = "-" + filepath.Base(shell)
	}
	return &exec.Cmd{Path: shell, Args: args}
}
