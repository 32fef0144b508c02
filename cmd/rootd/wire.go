package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/doughall/rootd/internal/config"
	"github.com/doughall/rootd/internal/manager"
	"github.com/doughall/rootd/internal/policy"
	"github.com/doughall/rootd/internal/protocol"
)

// seedSettings writes the configured settings on first start. Later
// starts keep whatever the store holds. The owner's manager package is
// recorded on every start.
func seedSettings(store *policy.Store, cfg *config.Config, logger *slog.Logger) error {
	for _, m := range cfg.Managers {
		if m.UserID == 0 && m.Package != "" {
			if err := store.SetString(policy.KeyManagerPackage, m.Package); err != nil {
				return err
			}
		}
	}

	ok, err := store.HasSettings()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	st, err := settingsFromConfig(cfg)
	if err != nil {
		return err
	}
	logger.Info("settings initialized from configuration",
		slog.String("root_access", cfg.RootAccess),
		slog.String("multiuser_mode", cfg.MultiuserMode),
		slog.String("mount_ns_mode", cfg.MountNamespaceMode),
	)
	return store.SaveSettings(st)
}

func settingsFromConfig(cfg *config.Config) (policy.Settings, error) {
	var st policy.Settings
	var err error
	if st.RootAccess, err = policy.ParseRootAccess(cfg.RootAccess); err != nil {
		return st, err
	}
	if st.MultiuserMode, err = policy.ParseMultiuserMode(cfg.MultiuserMode); err != nil {
		return st, err
	}
	if st.MountNsMode, err = protocol.ParseMountNamespaceMode(cfg.MountNamespaceMode); err != nil {
		return st, err
	}
	return st, nil
}

// endpoints converts the configured managers into registry entries.
func endpoints(cfg *config.Config) []manager.Endpoint {
	eps := make([]manager.Endpoint, 0, len(cfg.Managers))
	for _, m := range cfg.Managers {
		eps = append(eps, manager.Endpoint{
			UserID:  int32(m.UserID),
			Socket:  m.Socket,
			Package: m.Package,
			UID:     int32(m.UID),
		})
	}
	return eps
}

// syncManagers makes registry hold exactly eps.
func syncManagers(registry *manager.Registry, eps []manager.Endpoint) {
	keep := make(map[int32]bool, len(eps))
	for _, ep := range eps {
		registry.Register(ep)
		keep[ep.UserID] = true
	}
	for _, ep := range registry.All() {
		if !keep[ep.UserID] {
			registry.Unregister(ep.UserID)
		}
	}
}

// reloadManagers re-reads the manager list from path on every hangup signal
// until ctx is done. A config that fails to load leaves the registry as is.
func reloadManagers(ctx context.Context, hup <-chan os.Signal, path string, registry *manager.Registry, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(path)
			if err != nil {
				logger.Warn("manager reload failed", slog.String("error", err.Error()))
				continue
			}
			syncManagers(registry, endpoints(cfg))
			logger.Info("managers reloaded", slog.Int("count", len(registry.All())))
		}
	}
}

// deviceID returns the configured device id, or a generated one that is
// persisted so it survives restarts.
func deviceID(store *policy.Store, cfg *config.Config) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	id, err := store.String(policy.KeyDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := store.SetString(policy.KeyDeviceID, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// parsePhase maps a --phase value to a boot phase.
func parsePhase(s string) (protocol.Phase, error) {
	for p := protocol.PhaseInit; p <= protocol.PhaseBootComplete; p++ {
		if s == p.String() {
			return p, nil
		}
	}
	if s == "" {
		return protocol.PhaseInit, nil
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}
