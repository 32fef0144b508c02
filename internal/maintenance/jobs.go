package maintenance

import (
	"context"
	"log/slog"
	"time"
)

// PolicySweeper removes expired policies.
type PolicySweeper interface {
	SweepExpired() (int, error)
}

// LogPruner removes su log records older than a cutoff.
type LogPruner interface {
	Prune(before time.Time) (int, error)
}

// HeartbeatPublisher announces the daemon to a remote server.
type HeartbeatPublisher interface {
	PublishHeartbeat(version string, policies int) error
	IsConnected() bool
}

// DeviceInfoPublisher sends a device description to a remote server.
type DeviceInfoPublisher interface {
	PublishDeviceInfo(info any) error
	IsConnected() bool
}

// DeviceInfoFunc describes the device.
type DeviceInfoFunc func(ctx context.Context) (any, error)

// PolicyCounter reports the number of stored policies.
type PolicyCounter func() (int, error)

// SweepPolicies returns a job deleting expired policies.
func SweepPolicies(store PolicySweeper, logger *slog.Logger) JobFunc {
	return func(context.Context) error {
		n, err := store.SweepExpired()
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("expired policies removed", slog.Int("count", n))
		}
		return nil
	}
}

// PruneLog returns a job deleting su log records older than retention.
func PruneLog(store LogPruner, retention time.Duration, now func() time.Time, logger *slog.Logger) JobFunc {
	return func(context.Context) error {
		n, err := store.Prune(now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("su log pruned", slog.Int("count", n))
		}
		return nil
	}
}

// Heartbeat returns a job publishing the daemon's status while connected.
func Heartbeat(pub HeartbeatPublisher, version string, count PolicyCounter) JobFunc {
	return func(context.Context) error {
		if !pub.IsConnected() {
			return nil
		}
		n, err := count()
		if err != nil {
			return err
		}
		return pub.PublishHeartbeat(version, n)
	}
}

// DeviceInfo returns a job publishing the device description while connected.
func DeviceInfo(pub DeviceInfoPublisher, describe DeviceInfoFunc) JobFunc {
	return func(ctx context.Context) error {
		if !pub.IsConnected() {
			return nil
		}
		info, err := describe(ctx)
		if err != nil {
			return err
		}
		return pub.PublishDeviceInfo(info)
	}
}
