// Package nats handler applies remote policy changes to the local store.
package nats

import (
	"fmt"
	"log/slog"

	"github.com/doughall/rootd/internal/policy"
)

// PolicyStore is the subset of the policy store the handler writes to.
type PolicyStore interface {
	Put(p policy.Policy) error
	Delete(uid int32) error
}

// Handler processes incoming policy messages.
type Handler struct {
	store  PolicyStore
	dedup  *Deduplicator
	logger *slog.Logger
}

// NewHandler creates a new policy message handler.
func NewHandler(store PolicyStore, dedup *Deduplicator, logger *slog.Logger) *Handler {
	return &Handler{store: store, dedup: dedup, logger: logger}
}

// HandlePolicySet stores a remotely assigned decision.
func (h *Handler) HandlePolicySet(msg *PolicySetMessage) error {
	if h.dedup != nil && !h.dedup.MarkSeen(msg.ID) {
		return nil
	}

	var d policy.Decision
	switch msg.Decision {
	case "allow":
		d = policy.Allow
	case "deny":
		d = policy.Deny
	default:
		return fmt.Errorf("policy_set %s: invalid decision %q", msg.ID, msg.Decision)
	}

	p := policy.Policy{
		UID:          msg.UID,
		Decision:     d,
		Until:        msg.Until,
		Logging:      msg.Logging,
		Notification: msg.Notification,
	}
	if err := h.store.Put(p); err != nil {
		return fmt.Errorf("policy_set %s: %w", msg.ID, err)
	}

	h.logger.Info("applied remote policy",
		slog.String("message_id", msg.ID),
		slog.Int("uid", int(msg.UID)),
		slog.String("decision", d.String()),
	)
	return nil
}

// HandlePolicyRevoke removes a stored decision.
func (h *Handler) HandlePolicyRevoke(msg *PolicyRevokeMessage) error {
	if h.dedup != nil && !h.dedup.MarkSeen(msg.ID) {
		return nil
	}
	if err := h.store.Delete(msg.UID); err != nil {
		return fmt.Errorf("policy_revoke %s: %w", msg.ID, err)
	}
	h.logger.Info("revoked policy",
		slog.String("message_id", msg.ID),
		slog.Int("uid", int(msg.UID)),
	)
	return nil
}
