package su

import (
	"context"
	"log/slog"
	"time"

	"github.com/doughall/rootd/internal/manager"
	"github.com/doughall/rootd/internal/policy"
)

// Source names the step that produced a decision.
type Source string

const (
	SourceImplicit     Source = "implicit"
	SourceSettings     Source = "settings"
	SourceCache        Source = "cache"
	SourceManager      Source = "manager"
	SourceNoManager    Source = "no_manager"
	SourceManagerError Source = "manager_error"
)

// Outcome is a resolved request.
type Outcome struct {
	Decision policy.Decision
	Source   Source

	// Notify and Log carry the flags of the policy the decision came from.
	Notify bool
	Log    bool
}

// PolicyCache is the decision store consulted and filled by the resolver.
type PolicyCache interface {
	Get(uid int32) (policy.Policy, bool, error)
	Put(p policy.Policy) error
}

// Resolver turns requests into Allow or Deny. It never returns Query.
type Resolver struct {
	store    PolicyCache
	registry *manager.Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewResolver creates a resolver. timeout bounds each manager prompt.
func NewResolver(store PolicyCache, registry *manager.Registry, timeout time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		registry: registry,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "resolver")),
	}
}

// Resolve decides req under st. A manager prompt outlives ctx so that a
// departed client still yields an accurate log and cache entry.
func (r *Resolver) Resolve(ctx context.Context, req *AppRequest, st policy.Settings) Outcome {
	if req.UID == AIDRoot {
		return Outcome{Decision: policy.Allow, Source: SourceImplicit}
	}
	if !permitted(req, st) {
		return Outcome{Decision: policy.Deny, Source: SourceSettings, Notify: true, Log: true}
	}
	if r.registry.IsManager(req.UID) {
		return Outcome{Decision: policy.Allow, Source: SourceImplicit}
	}

	p, ok, err := r.store.Get(req.EvalUID)
	if err != nil {
		r.logger.Warn("policy lookup failed",
			slog.Int("eval_uid", int(req.EvalUID)),
			slog.String("error", err.Error()),
		)
	}
	if ok {
		return Outcome{Decision: p.Decision, Source: SourceCache, Notify: p.Notification, Log: p.Logging}
	}

	client, err := r.registry.Client(req.ManagerUser)
	if err != nil {
		return Outcome{Decision: policy.Deny, Source: SourceNoManager, Notify: true, Log: true}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	reply, err := client.Prompt(pctx, req.ManagerRequest())
	if err != nil {
		r.logger.Warn("manager prompt failed",
			slog.String("request_id", req.ID),
			slog.Int("manager_user", int(req.ManagerUser)),
			slog.String("error", err.Error()),
		)
		return Outcome{Decision: policy.Deny, Source: SourceManagerError, Notify: true, Log: true}
	}

	out := Outcome{Decision: reply.Decision, Source: SourceManager, Notify: true, Log: true}
	if reply.Remember {
		pol := policy.Policy{
			UID:          req.EvalUID,
			Decision:     reply.Decision,
			Until:        reply.Until,
			Logging:      reply.Logging,
			Notification: reply.Notification,
		}
		if err := r.store.Put(pol); err != nil {
			r.logger.Warn("policy write failed",
				slog.Int("eval_uid", int(req.EvalUID)),
				slog.String("error", err.Error()),
			)
		}
		out.Notify, out.Log = reply.Notification, reply.Logging
	}
	return out
}

// permitted applies the root access and multiuser settings.
func permitted(req *AppRequest, st policy.Settings) bool {
	adb := req.UID == AIDShell
	switch st.RootAccess {
	case policy.RootAccessDisabled:
		return false
	case policy.RootAccessAppsOnly:
		if adb {
			return false
		}
	case policy.RootAccessAdbOnly:
		if !adb {
			return false
		}
	}
	if st.MultiuserMode == policy.MultiuserOwnerOnly && UserID(req.UID) != 0 {
		return false
	}
	return true
}
