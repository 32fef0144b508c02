// Package channel implements the daemon's credential channel: a unix stream
// socket whose peers are identified by kernel-verified credentials, and which
// can carry open file descriptors alongside byte payloads.
package channel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Channel errors.
var (
	ErrNotUnix        = errors.New("connection is not a unix socket")
	ErrNoCredentials  = errors.New("peer credentials unavailable")
	ErrMissingRights  = errors.New("message carried no file descriptors")
	ErrRightsMismatch = errors.New("unexpected number of file descriptors")
)

// PeerCred is the identity of a connecting process as reported by the kernel.
// It is never taken from the request payload.
type PeerCred struct {
	PID int32
	UID uint32
	GID uint32

	// Context is the peer's security label, empty when unavailable.
	Context string
}

// Listener accepts credential-checked connections on a filesystem socket.
type Listener struct {
	path string
	ln   *net.UnixListener
}

// Listen creates the socket at path, replacing any stale socket file.
// The socket is world-connectable; authorization happens per request.
func Listen(path string) (*Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	return &Listener{path: path, ln: ln}, nil
}

// Accept waits for the next connection and reads its peer credentials.
// A connection whose credentials cannot be read is closed and the error
// returned; the caller should keep accepting.
func (l *Listener) Accept() (*Conn, error) {
	uc, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, err
	}
	cred, err := peerCred(uc)
	if err != nil {
		uc.Close()
		return nil, err
	}
	return &Conn{UnixConn: uc, cred: cred}, nil
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	os.Remove(l.path)
	return err
}

// Path returns the socket path.
func (l *Listener) Path() string {
	return l.path
}

// Conn is one accepted connection.
type Conn struct {
	*net.UnixConn
	cred PeerCred
}

// Cred returns the peer credentials captured at accept time.
func (c *Conn) Cred() PeerCred {
	return c.cred
}

// Dial connects to a daemon socket.
func Dial(path string, timeout time.Duration) (*Conn, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, ErrNotUnix
	}
	return &Conn{UnixConn: uc}, nil
}

func peerCred(uc *net.UnixConn) (PeerCred, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return PeerCred{}, fmt.Errorf("raw connection: %w", err)
	}

	var (
		ucred   *unix.Ucred
		credErr error
		label   string
	)
	err = raw.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if credErr != nil {
			return
		}
		// SO_PEERSEC fails when no LSM labels sockets; the label is optional.
		if s, err := unix.GetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_PEERSEC); err == nil {
			label = trimNul(s)
		}
	})
	if err != nil {
		return PeerCred{}, fmt.Errorf("raw control: %w", err)
	}
	if credErr != nil {
		return PeerCred{}, fmt.Errorf("%w: %v", ErrNoCredentials, credErr)
	}
	if ucred.Pid <= 0 {
		return PeerCred{}, ErrNoCredentials
	}

	return PeerCred{
		PID:     ucred.Pid,
		UID:     ucred.Uid,
		GID:     ucred.Gid,
		Context: label,
	}, nil
}

func trimNul(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return s[:i]
		}
	}
	return s
}
