package executor

import (
	"errors"
	"os/exec"
	"syscall"

	"github.com/doughall/rootd/internal/protocol"
)

// exitStatus converts a wait error into the status reported to the
// client: the exit code, 128 plus the signal number for a killed shell,
// and protocol.ExitNotStarted when the shell never ran.
func exitStatus(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return protocol.ExitNotStarted
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int32(ws.Signal())
	}
	return int32(exitErr.ExitCode())
}
