// rootd - root broker daemon
//
// rootd is the privileged side of the su framework. It listens on a local
// socket, verifies each peer through kernel credentials, resolves superuser
// requests against stored policies or the manager application, and runs
// approved commands with the requested identity, mount namespace and
// security label.
//
// Configuration is loaded from /data/adb/rootd/config.yaml (or the path
// given by --config). Settings persisted in the policy database take
// precedence over the file once written.
//
// Lifecycle:
//  1. Load configuration and set up JSON logging
//  2. Open the policy and su log databases
//  3. Wire resolver, auditor and execution engine into the dispatcher
//  4. Connect to NATS when configured
//  5. Notify the service manager and serve until SIGTERM/SIGINT or STOP_DAEMON;
//     SIGHUP reloads the manager list
//  6. Coordinated shutdown, last started first stopped
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/doughall/rootd/internal/audit"
	"github.com/doughall/rootd/internal/channel"
	"github.com/doughall/rootd/internal/config"
	"github.com/doughall/rootd/internal/dispatch"
	"github.com/doughall/rootd/internal/executor"
	"github.com/doughall/rootd/internal/logging"
	"github.com/doughall/rootd/internal/maintenance"
	"github.com/doughall/rootd/internal/manager"
	natsinternal "github.com/doughall/rootd/internal/nats"
	"github.com/doughall/rootd/internal/policy"
	"github.com/doughall/rootd/internal/procinfo"
	"github.com/doughall/rootd/internal/protocol"
	"github.com/doughall/rootd/internal/shutdown"
	"github.com/doughall/rootd/internal/su"
	"github.com/doughall/rootd/internal/sysinfo"
	"github.com/doughall/rootd/internal/systemd"
	"github.com/doughall/rootd/internal/terminal"
	"github.com/doughall/rootd/internal/version"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.StringP("config", "c", config.DefaultConfigPath, "path to configuration file")
	writeConfig := flag.String("write-config", "", "write the effective configuration to `path` and exit")
	phase := flag.String("phase", "", "start in the given boot phase (post-fs-data, late-start, boot-complete)")
	showVersion := flag.BoolP("version", "v", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *writeConfig != "" {
		if err := config.Save(*writeConfig, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	startPhase, err := parsePhase(*phase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2)
	}

	logger := logging.SetupLogger(cfg.LogLevel)
	logger.Info("rootd starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("config_path", *configPath),
		slog.String("socket", cfg.SocketPath),
		slog.Int("euid", os.Geteuid()),
	)

	if err := run(cfg, *configPath, startPhase, logger); err != nil {
		logger.Error("rootd failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, configPath string, startPhase protocol.Phase, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	coordinator := shutdown.NewCoordinator(logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}()

	if dev, err := sysinfo.Collect(ctx, version.Version); err == nil {
		logger.Info("device",
			slog.String("kernel", dev.KernelVersion),
			slog.String("arch", dev.KernelArch),
			slog.String("platform", dev.Platform+" "+dev.PlatformVersion),
			slog.String("selinux", dev.SELinux),
		)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	policies, err := policy.Open(cfg.PolicyDBPath())
	if err != nil {
		return err
	}
	coordinator.Register("policy-store", shutdown.Closer(policies))

	if err := seedSettings(policies, cfg, logger); err != nil {
		return err
	}

	suLog, err := audit.OpenStore(cfg.SuLogDBPath())
	if err != nil {
		return err
	}
	coordinator.Register("sulog-store", shutdown.Closer(suLog))

	registry := manager.NewRegistry(endpoints(cfg)...)
	if len(registry.All()) == 0 {
		logger.Warn("no manager registered, uncached requests will be denied")
	}

	// NATS is optional; the daemon serves local requests without it.
	var publisher *natsinternal.Publisher
	var natsClient *natsinternal.Client
	if cfg.NATSEnabled() {
		id, err := deviceID(policies, cfg)
		if err != nil {
			return err
		}
		natsClient = natsinternal.NewClient(natsinternal.Config{
			Servers:       cfg.NATSServers,
			NKeySeed:      cfg.NATSNKeySeed,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			DeviceID:      id,
		}, logging.WithComponent(logger, "nats"))

		if err := natsClient.Connect(ctx); err != nil {
			logger.Warn("NATS connection failed, remote audit disabled",
				slog.String("error", err.Error()),
			)
			natsClient = nil
		} else {
			publisher = natsinternal.NewPublisher(natsClient, logger)
			natsClient.SetHandler(natsinternal.NewHandler(policies, natsinternal.NewDeduplicator(logger), logger))
			coordinator.Register("nats", natsClient)
		}
	}

	sinks := []audit.Sink{
		audit.NewManagerSink(registry),
		audit.NewStoreSink(suLog, publisher != nil),
	}
	if publisher != nil {
		sinks = append(sinks, audit.NewRemoteSink(publisher))
	}
	auditor := audit.NewAuditor(logger, sinks...)
	coordinator.Register("auditor", auditor)

	var forwarder *audit.Forwarder
	if publisher != nil {
		forwarder = audit.NewForwarder(suLog, publisher, logger)
		coordinator.Register("sulog-forwarder", forwarder)
	}

	jobs := maintenance.NewRunner(logger)
	if err := jobs.Add("policy-sweep", cfg.MaintenanceSchedule, maintenance.SweepPolicies(policies, logger)); err != nil {
		return err
	}
	if err := jobs.Add("sulog-retention", cfg.MaintenanceSchedule, maintenance.PruneLog(suLog, cfg.LogRetention(), time.Now, logger)); err != nil {
		return err
	}
	if publisher != nil {
		count := func() (int, error) {
			all, err := policies.List()
			return len(all), err
		}
		if err := jobs.Add("heartbeat", "@every 1m", maintenance.Heartbeat(publisher, version.Version, count)); err != nil {
			return err
		}
		describe := func(ctx context.Context) (any, error) {
			return sysinfo.Collect(ctx, version.Version)
		}
		if err := jobs.Add("device-info", "@daily", maintenance.DeviceInfo(publisher, describe)); err != nil {
			return err
		}
	}
	coordinator.Register("maintenance", jobs)

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	d := dispatch.New(logger)
	d.SetPhase(startPhase)
	d.RegisterSession(stopServing)

	ln, err := channel.Listen(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.SocketPath, err)
	}
	coordinator.Register("dispatcher", d)

	// Sessions hang up before the dispatcher drains connections.
	terminals := terminal.NewManager(logging.WithComponent(logger, "terminal"))
	coordinator.Register("terminals", terminals)

	engine := executor.NewEngine(executor.NewShellResolver(cfg.DefaultShell), terminals, logger)
	resolver := su.NewResolver(policies, registry, cfg.PromptTimeout(), logger)
	d.Handle(protocol.CmdSuperuser, su.NewHandler(resolver, policies, auditor, engine, procinfo.NewInspector(logger), logger))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadManagers(serveCtx, hup, configPath, registry, logger)

	notifier := systemd.NewNotifier(logger)
	go func() {
		if err := d.Serve(serveCtx, ln); err != nil {
			logger.Error("dispatcher stopped", slog.String("error", err.Error()))
		}
	}()

	jobs.RunNow()
	jobs.Start()
	if forwarder != nil {
		go forwarder.Run(serveCtx)
	}
	if natsClient != nil {
		go natsClient.Run(serveCtx)
	}

	notifier.Ready("serving " + cfg.SocketPath)
	notifier.StartWatchdog(serveCtx, func() bool { return serveCtx.Err() == nil })
	logger.Info("rootd ready", slog.String("phase", d.Phase().String()))

	<-serveCtx.Done()
	logger.Info("shutdown requested")
	notifier.Stopping()
	return nil
}
