package executor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/doughall/rootd/internal/procinfo"
	"github.com/doughall/rootd/internal/protocol"
)

// Namespacer moves the calling thread into the mount namespace a request
// should run in. Callers must hold a locked OS thread.
type Namespacer interface {
	Enter(mode protocol.MountNamespaceMode, pid int32) error
}

// NewNamespacer returns the host implementation backed by setns(2).
func NewNamespacer() Namespacer {
	return mountNamespacer{}
}

type mountNamespacer struct{}

// Enter attaches the thread to the init process's namespace for
// MountGlobal and to pid's namespace otherwise. MountIsolate gets its
// private copy when the child unshares.
func (mountNamespacer) Enter(mode protocol.MountNamespaceMode, pid int32) error {
	target := pid
	switch mode {
	case protocol.MountGlobal:
		target = 1
	case protocol.MountRequester, protocol.MountIsolate:
		if pid <= 0 {
			return fmt.Errorf("invalid requester pid %d", pid)
		}
	default:
		return fmt.Errorf("unknown mount namespace mode %d", int32(mode))
	}

	path := procinfo.MountNamespacePath(target)
	if same, err := sameNamespace(path, "/proc/thread-self/ns/mnt"); err == nil && same {
		return nil
	}

	// setns(CLONE_NEWNS) is refused while the thread shares its fs
	// attributes with the rest of the process.
	if err := unix.Unshare(unix.CLONE_FS); err != nil {
		return fmt.Errorf("unshare fs: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Setns(int(f.Fd()), unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("setns %s: %w", path, err)
	}
	return nil
}

func sameNamespace(a, b string) (bool, error) {
	fa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(fa, fb), nil
}
