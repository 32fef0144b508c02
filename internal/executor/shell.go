// shell.go resolves and verifies the shell a request asks for.
// Resolved paths are cached so repeated requests skip the lookup.
package executor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ErrShellNotExecutable is returned when a shell exists but cannot be run.
var ErrShellNotExecutable = errors.New("shell is not an executable file")

// ShellResolver maps requested shells to verified absolute paths.
type ShellResolver struct {
	defaultShell string

	mu    sync.RWMutex
	cache map[string]string
}

// NewShellResolver creates a resolver falling back to defaultShell.
func NewShellResolver(defaultShell string) *ShellResolver {
	return &ShellResolver{
		defaultShell: defaultShell,
		cache:        make(map[string]string),
	}
}

// Default returns the shell used when a request names none.
func (r *ShellResolver) Default() string {
	return r.defaultShell
}

// Resolve returns the absolute path of shell, or of the default shell when
// shell is empty. Bare names are searched in PATH.
func (r *ShellResolver) Resolve(shell string) (string, error) {
	if shell == "" {
		shell = r.defaultShell
	}
	if shell == "" {
		return "", errors.New("no shell requested and no default configured")
	}

	r.mu.RLock()
	path, ok := r.cache[shell]
	r.mu.RUnlock()
	if ok {
		return path, nil
	}

	path, err := verifyShell(shell)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[shell] = path
	r.mu.Unlock()
	return path, nil
}

func verifyShell(shell string) (string, error) {
	path := shell
	if !filepath.IsAbs(shell) {
		p, err := exec.LookPath(shell)
		if err != nil {
			return "", fmt.Errorf("shell '%s' not found in PATH: %w", shell, err)
		}
		if path, err = filepath.Abs(p); err != nil {
			return "", err
		}
	}

	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("shell %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() || fi.Mode().Perm()&0111 == 0 {
		return "", fmt.Errorf("%s: %w", path, ErrShellNotExecutable)
	}
	return path, nil
}
