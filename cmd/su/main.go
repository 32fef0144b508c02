// su - superuser client
//
// su asks the rootd daemon to run a command or an interactive shell as
// another user. The daemon decides whether the caller may do so. When it
// agrees, su hands over its standard streams and waits for the exit status.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/doughall/rootd/internal/channel"
	"github.com/doughall/rootd/internal/config"
	"github.com/doughall/rootd/internal/protocol"
	"github.com/doughall/rootd/internal/version"
)

func main() {
	status, err := newRootCmd().execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "su: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode(status))
}

type suCommand struct {
	cmd    *cobra.Command
	opts   options
	status int32
}

func newRootCmd() *suCommand {
	s := &suCommand{}
	s.cmd = &cobra.Command{
		Use:   "su [options] [-] [user]",
		Short: "Run a command with a substitute user id",
		Long: `su asks the root broker to run a shell or command as user (root by default).
A bare "-" is the same as --login.`,
		Version:       version.Version,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := s.opts.request(args)
			if err != nil {
				return err
			}
			s.status, err = run(s.opts.socket, req)
			return err
		},
	}

	f := s.cmd.Flags()
	f.StringVarP(&s.opts.command, "command", "c", "", "pass `command` to the shell with -c")
	f.BoolVarP(&s.opts.login, "login", "l", false, "start a login shell")
	f.BoolVarP(&s.opts.keepEnv, "preserve-environment", "m", false, "keep the caller's environment")
	f.BoolVarP(&s.opts.keepEnv, "preserve", "p", false, "same as --preserve-environment")
	f.StringVarP(&s.opts.shell, "shell", "s", "", "use `shell` instead of the default")
	f.StringVarP(&s.opts.context, "context", "Z", "", "run with security `label`")
	f.UintSliceVarP(&s.opts.groups, "group", "G", nil, "supplementary group `gid`, may be repeated")
	f.Int32VarP(&s.opts.targetPID, "target", "t", 0, "use the mount namespace of `pid`")
	f.StringVar(&s.opts.socket, "socket", config.Default().SocketPath, "daemon socket `path`")
	return s
}

func (s *suCommand) execute() (int32, error) {
	if err := s.cmd.Execute(); err != nil {
		return protocol.ExitNotStarted, err
	}
	return s.status, nil
}

// ErrDenied is returned when the daemon refuses the request.
var ErrDenied = errors.New("permission denied")

// run sends req to the daemon and relays the process standard streams.
func run(socket string, req *protocol.SuRequest) (int32, error) {
	conn, err := channel.Dial(socket, dialTimeout)
	if err != nil {
		return protocol.ExitNotStarted, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	raw := func() func() {
		fd := int(os.Stdin.Fd())
		if !req.Login || !term.IsTerminal(fd) {
			return func() {}
		}
		state, err := term.MakeRaw(fd)
		if err != nil {
			return func() {}
		}
		return func() { term.Restore(fd, state) }
	}
	return exchange(conn, req, []*os.File{os.Stdin, os.Stdout, os.Stderr}, raw)
}
