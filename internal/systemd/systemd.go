// Package systemd reports daemon state to a supervising service manager.
//
// It wraps coreos/go-systemd for sd_notify READY/STOPPING/STATUS messages
// and watchdog pings. Without NOTIFY_SOCKET every call is a no-op, which
// is the normal case on devices where init does not speak sd_notify.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// HealthCheckFunc reports whether the daemon is healthy. Watchdog pings
// are skipped while it returns false.
type HealthCheckFunc func() bool

// Notifier sends state notifications.
type Notifier struct {
	logger *slog.Logger
}

// NewNotifier creates a notifier logging through logger.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger.With(slog.String("component", "systemd"))}
}

// Ready reports that the daemon socket is accepting requests.
func (n *Notifier) Ready(status string) bool {
	return n.notify(daemon.SdNotifyReady + "\nSTATUS=" + status)
}

// Stopping reports that shutdown has begun.
func (n *Notifier) Stopping() bool {
	return n.notify(daemon.SdNotifyStopping)
}

// Status updates the free-form status line.
func (n *Notifier) Status(status string) bool {
	return n.notify("STATUS=" + status)
}

func (n *Notifier) notify(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.logger.Warn("sd_notify failed", slog.String("error", err.Error()))
		return false
	}
	return sent
}

// StartWatchdog pings the watchdog at half its interval until ctx ends.
// It returns false when no watchdog is configured.
func (n *Notifier) StartWatchdog(ctx context.Context, healthy HealthCheckFunc) bool {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return false
	}
	n.logger.Info("watchdog enabled", slog.Duration("interval", interval))
	go n.watchdogLoop(ctx, interval/2, healthy)
	return true
}

func (n *Notifier) watchdogLoop(ctx context.Context, every time.Duration, healthy HealthCheckFunc) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthy() {
				n.logger.Warn("health check failed, skipping watchdog ping")
				continue
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}

// Supervised reports whether a service manager is listening.
func Supervised() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
