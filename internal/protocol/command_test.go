package protocol

import (
	"errors"
	"testing"
)

func TestLookupRejectsBarriersAndUnknown(t *testing.T) {
	for _, c := range []Command{syncBarrier, stageBarrier, -1, 15, 1000} {
		if _, err := Lookup(c); !errors.Is(err, ErrUnknownCommand) {
			t.Errorf("Lookup(%d) error = %v, want ErrUnknownCommand", c, err)
		}
	}
}

func TestCommandBands(t *testing.T) {
	tests := []struct {
		cmd  Command
		band Band
	}{
		{CmdStartDaemon, BandSession},
		{CmdCheckVersion, BandSession},
		{CmdCheckVersionCode, BandSession},
		{CmdStopDaemon, BandSession},
		{CmdSuperuser, BandAction},
		{CmdZygoteRestart, BandAction},
		{CmdDenylist, BandAction},
		{CmdSQLite, BandAction},
		{CmdRemoveModules, BandAction},
		{CmdZygisk, BandAction},
		{CmdPostFsData, BandStage},
		{CmdLateStart, BandStage},
		{CmdBootComplete, BandStage},
	}
	for _, tt := range tests {
		info, err := Lookup(tt.cmd)
		if err != nil {
			t.Fatalf("Lookup(%v): %v", tt.cmd, err)
		}
		if info.Band != tt.band {
			t.Errorf("%v band = %v, want %v", tt.cmd, info.Band, tt.band)
		}
	}
}

func TestWireConstantsStable(t *testing.T) {
	// These values are shared with clients built separately.
	want := map[Command]int32{
		CmdStartDaemon:  0,
		CmdStopDaemon:   3,
		CmdSuperuser:    5,
		CmdZygisk:       10,
		CmdPostFsData:   12,
		CmdBootComplete: 14,
	}
	for c, v := range want {
		if int32(c) != v {
			t.Errorf("%v = %d, want %d", c, int32(c), v)
		}
	}
}

func TestCommandAllowed(t *testing.T) {
	session, _ := Lookup(CmdCheckVersion)
	superuser, _ := Lookup(CmdSuperuser)
	postFs, _ := Lookup(CmdPostFsData)
	lateStart, _ := Lookup(CmdLateStart)
	bootComplete, _ := Lookup(CmdBootComplete)

	tests := []struct {
		name  string
		info  CommandInfo
		phase Phase
		want  bool
	}{
		{"session during init", session, PhaseInit, true},
		{"session after boot", session, PhaseBootComplete, true},
		{"superuser during init", superuser, PhaseInit, false},
		{"superuser after post-fs-data", superuser, PhasePostFsData, true},
		{"post-fs-data during init", postFs, PhaseInit, true},
		{"post-fs-data repeated", postFs, PhasePostFsData, false},
		{"late-start skipping post-fs-data", lateStart, PhaseInit, false},
		{"late-start in order", lateStart, PhasePostFsData, true},
		{"boot-complete in order", bootComplete, PhaseLateStart, true},
		{"boot-complete repeated", bootComplete, PhaseBootComplete, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.Allowed(tt.phase); got != tt.want {
				t.Errorf("Allowed(%v) = %v, want %v", tt.phase, got, tt.want)
			}
		})
	}
}

func TestRootOnly(t *testing.T) {
	open := map[Command]bool{CmdCheckVersion: true, CmdCheckVersionCode: true, CmdSuperuser: true, CmdZygisk: true}
	for c := range commands {
		info, _ := Lookup(c)
		if info.RootOnly == open[c] {
			t.Errorf("%v RootOnly = %v", c, info.RootOnly)
		}
	}
}
