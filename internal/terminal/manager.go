// Package terminal runs interactive su sessions on a pseudo-terminal and
// relays it to the client's stdio until the shell exits or the client
// goes away.
//
// The manager tracks live sessions so that daemon shutdown can hang up
// every one of them.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// DefaultMaxSessions is the default maximum number of concurrent sessions.
const DefaultMaxSessions = 64

const (
	// hangupGrace is how long a hung-up session may take to exit before it
	// is killed.
	hangupGrace = 2 * time.Second

	// drainTimeout bounds how long buffered output is relayed after the
	// shell exits.
	drainTimeout = time.Second

	pollInterval = 100 // milliseconds
)

// ErrTooManySessions is returned when the session limit is reached.
var ErrTooManySessions = errors.New("maximum terminal sessions reached")

// Manager manages terminal PTY sessions.
type Manager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	maxSessions int
	logger      *slog.Logger
}

// NewManager creates a new terminal manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: DefaultMaxSessions,
		logger:      logger,
	}
}

// SetMaxSessions sets the maximum number of concurrent sessions.
func (m *Manager) SetMaxSessions(max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxSessions = max
}

// Start runs cmd as the leader of a new session whose controlling
// terminal is a fresh pty. cmd's stdio must be unset. The caller's
// SysProcAttr is kept; Setsid and Setctty are added to it.
func (m *Manager) Start(id string, cmd *exec.Cmd, size *pty.Winsize) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("session %s already exists", id)
	}
	if len(m.sessions) >= m.maxSessions {
		return nil, ErrTooManySessions
	}

	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	s := &Session{
		ID:        id,
		Shell:     cmd.Path,
		cmd:       cmd,
		ptmx:      ptmx,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		manager:   m,
		logger:    m.logger.With(slog.String("session_id", id)),
	}
	m.sessions[id] = s

	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()

	s.logger.Info("terminal session started",
		slog.String("shell", cmd.Path),
		slog.Int("pid", cmd.Process.Pid),
	)
	return s, nil
}

// Close hangs up the session with the given id.
func (m *Manager) Close(id, reason string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.hangup(reason)
	return nil
}

// CloseAll hangs up every active session.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.hangup(reason)
		}(s)
	}
	wg.Wait()

	if len(sessions) > 0 {
		m.logger.Info("all terminal sessions closed",
			slog.String("reason", reason),
			slog.Int("count", len(sessions)),
		)
	}
}

// Shutdown implements the shutdown.Shutdowner interface.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.CloseAll("daemon shutdown")
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionCount returns the number of active sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Session is an interactive shell attached to a pty.
type Session struct {
	ID    string
	Shell string

	cmd       *exec.Cmd
	ptmx      *os.File
	startedAt time.Time
	manager   *Manager
	logger    *slog.Logger

	done    chan struct{}
	waitErr error

	hangupOnce sync.Once
	closeOnce  sync.Once
}

// PID returns the shell's process id.
func (s *Session) PID() int {
	return s.cmd.Process.Pid
}

// Done is closed once the shell has been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Relay pumps in to the pty and the pty to out until the shell exits or
// clientGone is closed, in which case the session is hung up. The shell is
// always reaped and the pty closed before Relay returns. The result is the
// shell's wait error.
func (s *Session) Relay(in *os.File, out io.Writer, clientGone <-chan struct{}) error {
	stop := make(chan struct{})
	inDone := make(chan struct{})
	go func() {
		defer close(inDone)
		pumpInput(in, s.ptmx, stop)
	}()

	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		io.Copy(out, s.ptmx)
	}()

	select {
	case <-s.done:
	case <-clientGone:
		s.hangup("client disconnected")
	}

	select {
	case <-outDone:
	case <-time.After(drainTimeout):
	}
	close(stop)
	s.closePTY()
	<-inDone
	select {
	case <-outDone:
	case <-time.After(drainTimeout):
	}

	s.manager.remove(s.ID)
	s.logger.Info("terminal session ended",
		slog.Duration("duration", time.Since(s.startedAt)),
	)
	return s.waitErr
}

// hangup sends SIGHUP to the session's process group, escalates to
// SIGKILL after hangupGrace, and waits for the shell to be reaped.
func (s *Session) hangup(reason string) {
	s.hangupOnce.Do(func() {
		select {
		case <-s.done:
			return
		default:
		}

		s.logger.Info("hanging up terminal session", slog.String("reason", reason))
		pid := s.cmd.Process.Pid
		if pgid, err := syscall.Getpgid(pid); err == nil {
			syscall.Kill(-pgid, syscall.SIGHUP)
		} else {
			s.cmd.Process.Signal(syscall.SIGHUP)
		}

		select {
		case <-s.done:
		case <-time.After(hangupGrace):
			if pgid, err := syscall.Getpgid(pid); err == nil {
				syscall.Kill(-pgid, syscall.SIGKILL)
			} else {
				s.cmd.Process.Kill()
			}
		}
	})
	<-s.done
}

func (s *Session) closePTY() {
	s.closeOnce.Do(func() {
		s.ptmx.Close()
	})
}

// pumpInput copies in to dst until in reaches end of file, a copy fails or
// stop is closed. It polls rather than blocking in read so that no input
// is consumed after the session ends.
func pumpInput(in *os.File, dst io.Writer, stop <-chan struct{}) {
	if in == nil {
		return
	}
	fd := int(in.Fd())
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := unix.Poll(fds, pollInterval)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
		if n == 0 || fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		r, err := unix.Read(fd, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil || r <= 0 {
			return
		}
		if _, err := dst.Write(buf[:r]); err != nil {
			return
		}
	}
}
