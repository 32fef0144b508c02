package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/doughall/rootd/internal/channel"
	"github.com/doughall/rootd/internal/protocol"
)

const dialTimeout = 5 * time.Second

type options struct {
	command   string
	login     bool
	keepEnv   bool
	shell     string
	context   string
	groups    []uint
	targetPID int32
	socket    string
}

// request builds the wire request from the parsed flags and the positional
// arguments, which are an optional "-" and an optional user.
func (o *options) request(args []string) (*protocol.SuRequest, error) {
	req := &protocol.SuRequest{
		TargetPID: o.targetPID,
		Login:     o.login,
		KeepEnv:   o.keepEnv,
		Shell:     o.shell,
		Command:   o.command,
		Context:   o.context,
	}
	if len(args) > 0 && args[0] == "-" {
		req.Login = true
		args = args[1:]
	}
	if len(args) > 1 {
		return nil, fmt.Errorf("unexpected argument %q", args[1])
	}
	if len(args) == 1 {
		uid, err := parseUser(args[0])
		if err != nil {
			return nil, err
		}
		req.TargetUID = uid
	}
	if len(o.groups) > protocol.MaxGroups {
		return nil, fmt.Errorf("at most %d groups may be given", protocol.MaxGroups)
	}
	for _, g := range o.groups {
		if g > math.MaxUint32 {
			return nil, fmt.Errorf("invalid group id %d", g)
		}
		req.Groups = append(req.Groups, uint32(g))
	}
	return req, nil
}

// parseUser accepts "root" or a numeric uid.
func parseUser(s string) (int32, error) {
	if s == "root" {
		return 0, nil
	}
	uid, err := strconv.ParseInt(s, 10, 32)
	if err != nil || uid < 0 {
		return 0, fmt.Errorf("unknown user %q", s)
	}
	return int32(uid), nil
}

// exchange runs the superuser conversation on conn: command code and
// request, acknowledgement, descriptor handoff, then the exit status.
// raw is called once the request is approved and returns the function that
// undoes it.
func exchange(conn *channel.Conn, req *protocol.SuRequest, stdio []*os.File, raw func() func()) (int32, error) {
	if err := protocol.WriteInt32(conn, int32(protocol.CmdSuperuser)); err != nil {
		return protocol.ExitNotStarted, err
	}
	if err := req.Encode(conn); err != nil {
		return protocol.ExitNotStarted, err
	}

	ack, err := protocol.ReadInt32(conn)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return protocol.ExitNotStarted, errors.New("daemon closed the connection")
		}
		return protocol.ExitNotStarted, err
	}
	switch protocol.RespondCode(ack) {
	case protocol.RespondOK:
	case protocol.RespondAccessDenied:
		return protocol.ExitNotStarted, ErrDenied
	default:
		return protocol.ExitNotStarted, fmt.Errorf("unexpected daemon response %d", ack)
	}

	if err := conn.SendFiles(stdio...); err != nil {
		return protocol.ExitNotStarted, fmt.Errorf("pass descriptors: %w", err)
	}

	restore := raw()
	defer restore()

	status, err := protocol.ReadInt32(conn)
	if err != nil {
		return protocol.ExitNotStarted, fmt.Errorf("read exit status: %w", err)
	}
	return status, nil
}

// exitCode maps a daemon status onto a process exit code.
func exitCode(status int32) int {
	if status < 0 || status > 255 {
		return 1
	}
	return int(status)
}
