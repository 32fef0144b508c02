// Package nats message types for NATS communication.
//
// Defines the message envelope and payload structures exchanged between
// the daemon and a fleet management server.
package nats

import "encoding/json"

// Envelope types.
const (
	TypePolicySet    = "policy_set"
	TypePolicyRevoke = "policy_revoke"
	TypeSuLog        = "su_log"
	TypeSuNotify     = "su_notify"
	TypeHeartbeat    = "heartbeat"
	TypeDeviceInfo   = "device_info"
)

// MessageEnvelope wraps all NATS messages with type information.
type MessageEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// PolicySetMessage stores a decision for a uid on the device.
type PolicySetMessage struct {
	ID           string `json:"id"`
	UID          int32  `json:"uid"`
	Decision     string `json:"decision"` // "allow" or "deny"
	Until        int64  `json:"until,omitempty"`
	Logging      bool   `json:"logging"`
	Notification bool   `json:"notification"`
}

// PolicyRevokeMessage removes the stored decision for a uid.
type PolicyRevokeMessage struct {
	ID  string `json:"id"`
	UID int32  `json:"uid"`
}

// SuEventMessage describes one resolved superuser request.
type SuEventMessage struct {
	RequestID string `json:"requestId"`
	UID       int32  `json:"uid"`
	EvalUID   int32  `json:"evalUid"`
	PID       int32  `json:"pid"`
	Process   string `json:"process,omitempty"`
	TargetUID int32  `json:"targetUid"`
	Command   string `json:"command,omitempty"`
	Decision  string `json:"decision"`
	Time      string `json:"time"`
}

// HeartbeatMessage is published for presence detection.
type HeartbeatMessage struct {
	Online    bool   `json:"online"`
	Version   string `json:"version,omitempty"`
	Policies  int    `json:"policies"`
	Timestamp string `json:"timestamp"`
}
