package manager

import (
	"fmt"

	"github.com/doughall/rootd/internal/policy"
	"github.com/fxamacker/cbor/v2"
)

// Actions understood by a manager endpoint.
const (
	ActionPrompt = "prompt"
	ActionNotify = "notify"
	ActionLog    = "log"
)

// Request describes a superuser request to the manager.
type Request struct {
	RequestID string `cbor:"request_id"`

	// UID is the requester's real uid; EvalUID is the uid its policy is
	// stored under after multiuser mapping.
	UID     int32 `cbor:"uid"`
	EvalUID int32 `cbor:"eval_uid"`
	PID     int32 `cbor:"pid"`

	// Process is the requester's command name, Cmdline its full command
	// line, when they could be read.
	Process string `cbor:"process,omitempty"`
	Cmdline string `cbor:"cmdline,omitempty"`

	TargetUID int32  `cbor:"target_uid"`
	Command   string `cbor:"command,omitempty"`
	Login     bool   `cbor:"login,omitempty"`
	Context   string `cbor:"context,omitempty"`
}

// PromptReply is the manager's answer to a prompt.
type PromptReply struct {
	Decision policy.Decision `cbor:"decision"`

	// Remember asks the daemon to cache Decision for EvalUID. Without it
	// the answer applies to this request only.
	Remember bool `cbor:"remember,omitempty"`

	// Until is the unix time a remembered decision expires; 0 is forever.
	Until int64 `cbor:"until,omitempty"`

	// Logging and Notification are stored with a remembered decision.
	Logging      bool `cbor:"logging,omitempty"`
	Notification bool `cbor:"notification,omitempty"`
}

type promptMessage struct {
	Action    string  `cbor:"action"`
	Request   Request `cbor:"request"`
	TimeoutMs int64   `cbor:"timeout_ms"`
}

// Event is a notify or log record sent after a request is resolved.
type Event struct {
	Request  Request         `cbor:"request"`
	Decision policy.Decision `cbor:"decision"`
	Time     int64           `cbor:"time"`
}

type eventMessage struct {
	Action string `cbor:"action"`
	Event
}

// response is the envelope of every manager reply.
type response struct {
	OK    bool            `cbor:"ok"`
	Error string          `cbor:"error,omitempty"`
	Data  cbor.RawMessage `cbor:"data,omitempty"`
}

// Error is a failure reported by the manager itself.
type Error struct {
	Action  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("manager %s: %s", e.Action, e.Message)
}
