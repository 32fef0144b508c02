package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// SuRequest is one superuser ask: run Command (or an interactive Shell) as
// TargetUID with Groups as supplementary groups and Context as the security
// label. TargetPID names the originating client process.
type SuRequest struct {
	TargetUID int32
	TargetPID int32
	Login     bool
	KeepEnv   bool
	Shell     string
	Command   string
	Context   string
	Groups    []uint32
}

// DecodeSuRequest reads a SuRequest in wire order. A decode failure leaves
// no partial request behind.
func DecodeSuRequest(r io.Reader) (*SuRequest, error) {
	var (
		req SuRequest
		err error
	)
	if req.TargetUID, err = ReadInt32(r); err != nil {
		return nil, fmt.Errorf("target_uid: %w", err)
	}
	if req.TargetPID, err = ReadInt32(r); err != nil {
		return nil, fmt.Errorf("target_pid: %w", err)
	}
	if req.Login, err = ReadBool(r); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if req.KeepEnv, err = ReadBool(r); err != nil {
		return nil, fmt.Errorf("keep_env: %w", err)
	}
	if req.Shell, err = ReadString(r); err != nil {
		return nil, fmt.Errorf("shell: %w", err)
	}
	if req.Command, err = ReadString(r); err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}
	if req.Context, err = ReadString(r); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	if req.Groups, err = ReadUint32s(r, MaxGroups); err != nil {
		return nil, fmt.Errorf("gids: %w", err)
	}
	return &req, nil
}

// Encode writes the request in wire order as a single write.
func (r *SuRequest) Encode(w io.Writer) error {
	// bytes.Buffer writes cannot fail.
	var buf bytes.Buffer
	WriteInt32(&buf, r.TargetUID)
	WriteInt32(&buf, r.TargetPID)
	WriteBool(&buf, r.Login)
	WriteBool(&buf, r.KeepEnv)
	WriteString(&buf, r.Shell)
	WriteString(&buf, r.Command)
	WriteString(&buf, r.Context)
	WriteUint32s(&buf, r.Groups)
	_, err := w.Write(buf.Bytes())
	return err
}

// MountNamespaceMode selects the mount view of a spawned root shell.
type MountNamespaceMode int32

const (
	// MountGlobal uses the init process mount namespace.
	MountGlobal MountNamespaceMode = iota
	// MountRequester uses the requesting client's mount namespace.
	MountRequester
	// MountIsolate uses a private copy of the requester's namespace.
	MountIsolate
)

func (m MountNamespaceMode) String() string {
	switch m {
	case MountGlobal:
		return "global"
	case MountRequester:
		return "requester"
	case MountIsolate:
		return "isolate"
	default:
		return fmt.Sprintf("mount_ns(%d)", int32(m))
	}
}

// ParseMountNamespaceMode accepts the names produced by String.
func ParseMountNamespaceMode(s string) (MountNamespaceMode, error) {
	switch s {
	case "global":
		return MountGlobal, nil
	case "requester", "":
		return MountRequester, nil
	case "isolate":
		return MountIsolate, nil
	default:
		return 0, fmt.Errorf("unknown mount namespace mode %q", s)
	}
}
