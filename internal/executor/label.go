package executor

import (
	"fmt"
	"os"
)

// LabelSetter sets the security label the calling thread's next exec runs
// under. Callers must hold a locked OS thread.
type LabelSetter interface {
	SetExecLabel(label string) error
}

const (
	selinuxMount = "/sys/fs/selinux"
	execAttrPath = "/proc/thread-self/attr/exec"
)

// NewLabelSetter returns an SELinux label setter. It is a no-op when
// SELinux is not mounted.
func NewLabelSetter() LabelSetter {
	_, err := os.Stat(selinuxMount)
	return &selinuxLabeler{enabled: err == nil, path: execAttrPath}
}

type selinuxLabeler struct {
	enabled bool
	path    string
}

// SetExecLabel writes label to the thread's exec attribute. An empty label
// keeps the default transition.
func (l *selinuxLabeler) SetExecLabel(label string) error {
	if !l.enabled || label == "" {
		return nil
	}
	if err := os.WriteFile(l.path, []byte(label), 0); err != nil {
		return fmt.Errorf("set exec label %q: %w", label, err)
	}
	return nil
}
