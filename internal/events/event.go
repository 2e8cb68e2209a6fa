// Package events fans domain events out to live subscribers and durable sinks.
package events

import (
	"encoding/json"
	"time"
)

const (
	TypePolicyCreated      = "policy.created"
	TypePolicyRevoked      = "policy.revoked"
	TypeAccessRemoved      = "policy.access_removed"
	TypeTokenGranted       = "token.granted"
	TypeTokenTransferred   = "token.transferred"
	TypeTokenBurned        = "token.burned"
	TypeAuditSubmitted     = "audit.submitted"
	TypeAuditFailureAlert  = "audit.failure_alert"
	TypeSessionKeyVerified = "session_key.verified"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, at time.Time, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: at.UTC().Format(time.RFC3339Nano), Data: raw}
}

// Publisher accepts events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(evt Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// FailureAlert is the payload of TypeAuditFailureAlert.
type FailureAlert struct {
	BlobRef  string `json:"blob_ref"`
	RecordID string `json:"record_id"`
	Auditor  string `json:"auditor"`
	Failed   uint16 `json:"failed"`
	Total    uint16 `json:"total"`
	Reason   string `json:"reason"`
}
