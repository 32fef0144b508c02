package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/doughall/rootd/internal/policy"
)

// nopLogger returns a logger that discards all output, suitable for tests.
func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu       sync.Mutex
	policies map[int32]policy.Policy
	puts     int
}

func newMemStore() *memStore {
	return &memStore{policies: make(map[int32]policy.Policy)}
}

func (m *memStore) Put(p policy.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.policies[p.UID] = p
	return nil
}

func (m *memStore) Delete(uid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, uid)
	return nil
}

func TestHandlePolicySet(t *testing.T) {
	store := newMemStore()
	h := NewHandler(store, NewDeduplicator(nopLogger()), nopLogger())

	msg := &PolicySetMessage{ID: "m1", UID: 10100, Decision: "allow", Until: 99, Logging: true}
	if err := h.HandlePolicySet(msg); err != nil {
		t.Fatalf("HandlePolicySet failed: %v", err)
	}
	want := policy.Policy{UID: 10100, Decision: policy.Allow, Until: 99, Logging: true}
	if got := store.policies[10100]; got != want {
		t.Errorf("stored %+v, want %+v", got, want)
	}

	t.Run("redelivery applied once", func(t *testing.T) {
		if err := h.HandlePolicySet(msg); err != nil {
			t.Fatalf("HandlePolicySet failed: %v", err)
		}
		if store.puts != 1 {
			t.Errorf("puts = %d, want 1", store.puts)
		}
	})

	t.Run("invalid decision", func(t *testing.T) {
		err := h.HandlePolicySet(&PolicySetMessage{ID: "m2", UID: 10100, Decision: "query"})
		if err == nil {
			t.Fatal("expected error for query decision")
		}
	})
}

func TestHandlePolicyRevoke(t *testing.T) {
	store := newMemStore()
	store.Put(policy.Policy{UID: 2000, Decision: policy.Allow})
	h := NewHandler(store, nil, nopLogger())

	if err := h.HandlePolicyRevoke(&PolicyRevokeMessage{ID: "r1", UID: 2000}); err != nil {
		t.Fatalf("HandlePolicyRevoke failed: %v", err)
	}
	if _, ok := store.policies[2000]; ok {
		t.Error("policy survived revoke")
	}
}

func TestProcessMessageRouting(t *testing.T) {
	store := newMemStore()
	c := NewClient(Config{SubjectPrefix: "rootd", DeviceID: "dev1"}, nopLogger())

	if err := c.processMessage([]byte(`{}`)); err == nil {
		t.Error("expected error with no handler")
	}

	c.SetHandler(NewHandler(store, nil, nopLogger()))

	payload, _ := json.Marshal(PolicySetMessage{ID: "x", UID: 10200, Decision: "deny"})
	data, _ := json.Marshal(MessageEnvelope{Type: TypePolicySet, Payload: payload})
	if err := c.processMessage(data); err != nil {
		t.Fatalf("processMessage failed: %v", err)
	}
	if store.policies[10200].Decision != policy.Deny {
		t.Errorf("policy not applied: %+v", store.policies)
	}

	unknown, _ := json.Marshal(MessageEnvelope{Type: "reboot"})
	if err := c.processMessage(unknown); err != nil {
		t.Errorf("unknown type should be ignored, got %v", err)
	}
	if err := c.processMessage([]byte("not json")); err == nil {
		t.Error("expected error for malformed envelope")
	}
}

func TestSubjects(t *testing.T) {
	c := NewClient(Config{SubjectPrefix: "rootd", DeviceID: "dev1"}, nopLogger())

	if got := c.subject("sulog"); got != "rootd.dev1.sulog" {
		t.Errorf("subject = %q", got)
	}
	subs := c.policySubjects()
	if len(subs) != 2 || subs[0] != "rootd.dev1.policy" || subs[1] != "rootd.fleet.policy" {
		t.Errorf("policySubjects = %v", subs)
	}
}

func TestPublisherNotConnected(t *testing.T) {
	p := NewPublisher(NewClient(Config{}, nopLogger()), nopLogger())

	if err := p.PublishSuNotify(&SuEventMessage{RequestID: "r"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishSuNotify error = %v", err)
	}
	if err := p.PublishHeartbeat("dev", 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishHeartbeat error = %v", err)
	}
	if err := p.PublishDeviceInfo(map[string]string{"arch": "arm64"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishDeviceInfo error = %v", err)
	}
	if p.IsConnected() {
		t.Error("IsConnected true without connection")
	}
}

func TestDeduplicator(t *testing.T) {
	d := NewDeduplicator(nopLogger())
	d.maxSeen = 20

	if !d.MarkSeen("a") || d.MarkSeen("a") {
		t.Error("MarkSeen did not detect duplicate")
	}
	if !d.MarkSeen("") || !d.MarkSeen("") {
		t.Error("empty IDs must always be new")
	}
	for i := 0; i < 30; i++ {
		d.MarkSeen(fmt.Sprintf("id-%d", i))
	}
	if n := d.Count(); n > 20 {
		t.Errorf("Count = %d, want <= 20 after eviction", n)
	}
}
