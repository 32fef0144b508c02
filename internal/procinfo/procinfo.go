// Package procinfo describes requesting processes for prompts and logs.
//
// Lookups use gopsutil v4. Only the process name is essential; the command
// line and uids are filled in when readable.
package procinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrGone is returned when the process no longer exists.
var ErrGone = errors.New("process no longer exists")

const maxCmdline = 500

// Info describes a single process.
type Info struct {
	PID     int32  `json:"pid"`
	PPID    int32  `json:"ppid"`
	Name    string `json:"name"`
	Cmdline string `json:"cmdline"`

	// UIDs are the real, effective, saved and filesystem uids when
	// readable.
	UIDs []uint32 `json:"uids,omitempty"`
}

// Inspector reads process details from the host.
type Inspector struct {
	logger *slog.Logger
}

// NewInspector creates a new inspector with the given logger.
func NewInspector(logger *slog.Logger) *Inspector {
	return &Inspector{logger: logger}
}

// Exists reports whether pid is a live process.
func (i *Inspector) Exists(ctx context.Context, pid int32) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}

// Lookup returns the details of pid.
func (i *Inspector) Lookup(ctx context.Context, pid int32) (Info, error) {
	if !i.Exists(ctx, pid) {
		return Info{PID: pid}, fmt.Errorf("pid %d: %w", pid, ErrGone)
	}

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Info{PID: pid}, fmt.Errorf("pid %d: %w", pid, ErrGone)
	}

	info := Info{PID: pid}

	name, err := p.NameWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("pid %d name: %w", pid, err)
	}
	info.Name = name

	if ppid, err := p.PpidWithContext(ctx); err == nil {
		info.PPID = ppid
	}

	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		if len(cmdline) > maxCmdline {
			cmdline = cmdline[:maxCmdline] + "..."
		}
		info.Cmdline = cmdline
	}

	if uids, err := p.UidsWithContext(ctx); err == nil {
		info.UIDs = uids
	}

	i.logger.Debug("inspected requester",
		slog.Int("pid", int(pid)),
		slog.String("name", info.Name),
	)
	return info, nil
}

// MountNamespacePath returns the mount namespace handle of pid.
func MountNamespacePath(pid int32) string {
	return "/proc/" + strconv.Itoa(int(pid)) + "/ns/mnt"
}
