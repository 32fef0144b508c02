package audit

import (
	"context"
	"time"

	"github.com/doughall/rootd/internal/manager"
	"github.com/doughall/rootd/internal/nats"
)

// ManagerSink delivers records to the manager of the record's user space.
type ManagerSink struct {
	registry *manager.Registry
}

// NewManagerSink creates a sink backed by registry.
func NewManagerSink(registry *manager.Registry) *ManagerSink {
	return &ManagerSink{registry: registry}
}

// UserFacing reports true: manager notifications are shown to the user.
func (s *ManagerSink) UserFacing() bool { return true }

func (s *ManagerSink) Notify(ctx context.Context, r Record) error {
	if !r.Notify {
		return errSkipped
	}
	c, err := s.registry.Client(r.ManagerUser)
	if err != nil {
		return err
	}
	return c.Notify(ctx, event(r))
}

func (s *ManagerSink) Log(ctx context.Context, r Record) error {
	if !r.Log {
		return errSkipped
	}
	c, err := s.registry.Client(r.ManagerUser)
	if err != nil {
		return err
	}
	return c.Log(ctx, event(r))
}

func event(r Record) manager.Event {
	return manager.Event{Request: r.Request, Decision: r.Decision, Time: r.Time.Unix()}
}

// StoreSink writes every record to the local su log. Notifications are
// not stored.
type StoreSink struct {
	store   *Store
	forward bool
}

// NewStoreSink creates a sink appending to store. When forward is set the
// entries are queued for a Forwarder.
func NewStoreSink(store *Store, forward bool) *StoreSink {
	return &StoreSink{store: store, forward: forward}
}

func (s *StoreSink) Notify(context.Context, Record) error {
	return errSkipped
}

func (s *StoreSink) Log(_ context.Context, r Record) error {
	return s.store.Append(entry(r), s.forward)
}

func entry(r Record) *Entry {
	return &Entry{
		RequestID: r.Request.RequestID,
		Time:      r.Time,
		UID:       r.Request.UID,
		EvalUID:   r.Request.EvalUID,
		PID:       r.Request.PID,
		Process:   r.Request.Process,
		TargetUID: r.Request.TargetUID,
		Command:   r.Request.Command,
		Decision:  r.Decision.String(),
		Notified:  r.Notified,
	}
}

// Notifier publishes live notifications to a remote server.
type Notifier interface {
	PublishSuNotify(ev *nats.SuEventMessage) error
}

// RemoteSink publishes notifications through a Notifier. Logs reach the
// remote side through the Forwarder instead.
type RemoteSink struct {
	pub Notifier
}

// NewRemoteSink creates a sink publishing through pub.
func NewRemoteSink(pub Notifier) *RemoteSink {
	return &RemoteSink{pub: pub}
}

func (s *RemoteSink) Notify(_ context.Context, r Record) error {
	return s.pub.PublishSuNotify(message(entry(r)))
}

func (s *RemoteSink) Log(context.Context, Record) error {
	return errSkipped
}

func message(e *Entry) *nats.SuEventMessage {
	return &nats.SuEventMessage{
		RequestID: e.RequestID,
		UID:       e.UID,
		EvalUID:   e.EvalUID,
		PID:       e.PID,
		Process:   e.Process,
		TargetUID: e.TargetUID,
		Command:   e.Command,
		Decision:  e.Decision,
		Time:      e.Time.UTC().Format(time.RFC3339),
	}
}
