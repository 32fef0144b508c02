package su

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/doughall/rootd/internal/audit"
	"github.com/doughall/rootd/internal/channel"
	"github.com/doughall/rootd/internal/executor"
	"github.com/doughall/rootd/internal/policy"
	"github.com/doughall/rootd/internal/procinfo"
	"github.com/doughall/rootd/internal/protocol"
)

// stdioCount is the number of descriptors a client passes after approval.
const stdioCount = 3

// readTimeout bounds each read the client owes before execution starts:
// the request payload and the stdio descriptors.
const readTimeout = 10 * time.Second

// SettingsSource provides the current daemon settings.
type SettingsSource interface {
	Settings() (policy.Settings, error)
}

// Reporter receives every resolved request exactly once.
type Reporter interface {
	Report(r audit.Record)
}

// Executor runs approved requests.
type Executor interface {
	Execute(ctx context.Context, job *executor.Job) (int32, error)
}

// ProcessInspector describes requesting processes.
type ProcessInspector interface {
	Lookup(ctx context.Context, pid int32) (procinfo.Info, error)
}

// Handler serves the superuser command on an accepted connection.
type Handler struct {
	resolver *Resolver
	settings SettingsSource
	reporter Reporter
	engine   Executor
	procs    ProcessInspector
	logger   *slog.Logger

	readTimeout time.Duration
}

// NewHandler wires the superuser pipeline together.
func NewHandler(resolver *Resolver, settings SettingsSource, reporter Reporter, engine Executor, procs ProcessInspector, logger *slog.Logger) *Handler {
	return &Handler{
		resolver: resolver,
		settings: settings,
		reporter: reporter,
		engine:   engine,
		procs:    procs,
		logger:   logger.With(slog.String("component", "su")),

		readTimeout: readTimeout,
	}
}

// Serve reads one SuRequest from conn and carries it through to its exit
// status. A returned error means the connection should be dropped.
func (h *Handler) Serve(ctx context.Context, conn *channel.Conn) error {
	conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	req, err := protocol.DecodeSuRequest(conn)
	if err != nil {
		return fmt.Errorf("decode su request: %w", err)
	}

	st, err := h.settings.Settings()
	if err != nil {
		h.logger.Warn("settings unavailable, using defaults", slog.String("error", err.Error()))
		st = policy.DefaultSettings()
	}

	app := NewAppRequest(uuid.NewString(), conn.Cred(), req, st.MultiuserMode)
	if info, err := h.procs.Lookup(ctx, app.PID); err == nil {
		app.Process = info.Name
		app.Cmdline = info.Cmdline
	}

	logger := h.logger.With(
		slog.String("request_id", app.ID),
		slog.Int("uid", int(app.UID)),
		slog.Int("pid", int(app.PID)),
		slog.Int("target_uid", int(req.TargetUID)),
	)

	out := h.resolver.Resolve(ctx, app, st)
	h.reporter.Report(audit.Record{
		Request:     app.ManagerRequest(),
		Decision:    out.Decision,
		Time:        time.Now(),
		ManagerUser: app.ManagerUser,
		Notify:      out.Notify,
		Log:         out.Log,
	})

	if out.Decision != policy.Allow {
		logger.Info("su request denied", slog.String("source", string(out.Source)))
		return protocol.WriteInt32(conn, int32(protocol.RespondAccessDenied))
	}
	logger.Info("su request allowed", slog.String("source", string(out.Source)))

	if err := protocol.WriteInt32(conn, int32(protocol.RespondOK)); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	files, err := conn.RecvFiles(stdioCount)
	if err != nil {
		protocol.WriteInt32(conn, protocol.ExitNotStarted)
		return fmt.Errorf("receive stdio: %w", err)
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	// The client sends nothing more; end of stream means it is gone.
	conn.SetReadDeadline(time.Time{})
	clientGone := make(chan struct{})
	go func() {
		io.Copy(io.Discard, conn)
		close(clientGone)
	}()

	status, err := h.engine.Execute(ctx, &executor.Job{
		ID:         app.ID,
		Request:    req,
		ClientPID:  app.NamespacePID(),
		Mode:       st.MountNsMode,
		Stdin:      files[0],
		Stdout:     files[1],
		Stderr:     files[2],
		ClientGone: clientGone,
	})
	if err != nil {
		logger.Error("su execution failed", slog.String("error", err.Error()))
		status = protocol.ExitNotStarted
	}

	if err := protocol.WriteInt32(conn, status); err != nil {
		logger.Debug("client gone before exit status", slog.String("error", err.Error()))
	}
	return nil
}
