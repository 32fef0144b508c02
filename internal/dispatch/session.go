package dispatch

import (
	"context"
	"log/slog"

	"github.com/doughall/rootd/internal/channel"
	"github.com/doughall/rootd/internal/protocol"
	"github.com/doughall/rootd/internal/version"
)

// RegisterSession installs the daemon lifecycle handlers. stop is called
// after STOP_DAEMON has been acknowledged.
func (d *Dispatcher) RegisterSession(stop func()) {
	d.Handle(protocol.CmdCheckVersion, HandlerFunc(checkVersion))
	d.Handle(protocol.CmdCheckVersionCode, HandlerFunc(checkVersionCode))
	d.Handle(protocol.CmdStartDaemon, HandlerFunc(respondOK))
	d.Handle(protocol.CmdStopDaemon, HandlerFunc(func(ctx context.Context, conn *channel.Conn) error {
		err := respondOK(ctx, conn)
		d.logger.Info("stop requested", slog.Int("peer_pid", int(conn.Cred().PID)))
		stop()
		return err
	}))
}

func checkVersion(_ context.Context, conn *channel.Conn) error {
	return protocol.WriteString(conn, version.Version)
}

func checkVersionCode(_ context.Context, conn *channel.Conn) error {
	return protocol.WriteInt32(conn, version.VersionCode())
}

func respondOK(_ context.Context, conn *channel.Conn) error {
	return protocol.WriteInt32(conn, int32(protocol.RespondOK))
}
