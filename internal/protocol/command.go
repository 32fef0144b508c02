// Package protocol defines the wire protocol spoken on the daemon socket.
//
// Every connection starts with a 4-byte little-endian command code. Codes are
// stable wire constants. Each command kind carries an explicit Band tag, so
// callers never classify a code by comparing ordinals against the barrier
// values.
package protocol

import (
	"errors"
	"fmt"
)

// Command identifies the operation requested on a daemon connection.
type Command int32

// Wire values. The two barriers are never dispatchable.
const (
	CmdStartDaemon      Command = 0
	CmdCheckVersion     Command = 1
	CmdCheckVersionCode Command = 2
	CmdStopDaemon       Command = 3

	syncBarrier Command = 4

	CmdSuperuser     Command = 5
	CmdZygoteRestart Command = 6
	CmdDenylist      Command = 7
	CmdSQLite        Command = 8
	CmdRemoveModules Command = 9
	CmdZygisk        Command = 10

	stageBarrier Command = 11

	CmdPostFsData   Command = 12
	CmdLateStart    Command = 13
	CmdBootComplete Command = 14
)

// Band groups commands by when they may be served.
type Band int

const (
	// BandSession commands manage the daemon itself and are accepted in any phase.
	BandSession Band = iota + 1
	// BandAction commands perform privileged work once the daemon is initialized.
	BandAction
	// BandStage commands advance the boot phase.
	BandStage
)

func (b Band) String() string {
	switch b {
	case BandSession:
		return "session"
	case BandAction:
		return "action"
	case BandStage:
		return "stage"
	default:
		return fmt.Sprintf("band(%d)", int(b))
	}
}

// Phase is the daemon's boot phase. Phases only move forward.
type Phase int

const (
	PhaseInit Phase = iota
	PhasePostFsData
	PhaseLateStart
	PhaseBootComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhasePostFsData:
		return "post-fs-data"
	case PhaseLateStart:
		return "late-start"
	case PhaseBootComplete:
		return "boot-complete"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// CommandInfo describes a dispatchable command kind.
type CommandInfo struct {
	Name string
	Band Band

	// RootOnly commands are refused for peers whose uid is not 0.
	RootOnly bool

	// Stage is the phase a BandStage command moves the daemon into.
	Stage Phase
}

// ErrUnknownCommand is returned by Lookup for codes outside the enumeration
// and for the barrier values.
var ErrUnknownCommand = errors.New("unknown command code")

var commands = map[Command]CommandInfo{
	CmdStartDaemon:      {Name: "start_daemon", Band: BandSession, RootOnly: true},
	CmdCheckVersion:     {Name: "check_version", Band: BandSession},
	CmdCheckVersionCode: {Name: "check_version_code", Band: BandSession},
	CmdStopDaemon:       {Name: "stop_daemon", Band: BandSession, RootOnly: true},

	CmdSuperuser:     {Name: "superuser", Band: BandAction},
	CmdZygoteRestart: {Name: "zygote_restart", Band: BandAction, RootOnly: true},
	CmdDenylist:      {Name: "denylist", Band: BandAction, RootOnly: true},
	CmdSQLite:        {Name: "sqlite", Band: BandAction, RootOnly: true},
	CmdRemoveModules: {Name: "remove_modules", Band: BandAction, RootOnly: true},
	CmdZygisk:        {Name: "zygisk", Band: BandAction},

	CmdPostFsData:   {Name: "post_fs_data", Band: BandStage, RootOnly: true, Stage: PhasePostFsData},
	CmdLateStart:    {Name: "late_start", Band: BandStage, RootOnly: true, Stage: PhaseLateStart},
	CmdBootComplete: {Name: "boot_complete", Band: BandStage, RootOnly: true, Stage: PhaseBootComplete},
}

// Lookup returns the description of a command code.
func Lookup(c Command) (CommandInfo, error) {
	info, ok := commands[c]
	if !ok {
		return CommandInfo{}, fmt.Errorf("%w: %d", ErrUnknownCommand, int32(c))
	}
	return info, nil
}

func (c Command) String() string {
	if info, ok := commands[c]; ok {
		return info.Name
	}
	return fmt.Sprintf("command(%d)", int32(c))
}

// Allowed reports whether a command of this kind may be served while the
// daemon is in phase p.
func (info CommandInfo) Allowed(p Phase) bool {
	switch info.Band {
	case BandSession:
		return true
	case BandAction:
		return p >= PhasePostFsData
	case BandStage:
		return info.Stage == p+1
	default:
		return false
	}
}

// RespondCode is the generic status written back by session commands and
// as the superuser acknowledgement.
type RespondCode int32

const (
	RespondError        RespondCode = -1
	RespondOK           RespondCode = 0
	RespondRootRequired RespondCode = 1
	RespondAccessDenied RespondCode = 2
)

// ExitNotStarted is the exit status reported when a request was approved
// but the command never ran.
const ExitNotStarted int32 = -1
