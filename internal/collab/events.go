package collab

import (
	"encoding/json"
	"time"
)

// Outbound event types form a closed set; every mutating operation on a
// session produces an explicit Broadcast rather than firing callbacks.
const (
	EventParticipantJoined = "participant.joined"
	EventParticipantLeft   = "participant.left"
	EventPresenceChanged   = "presence.changed"
	EventCursorUpdated     = "cursor.updated"
	EventCommentAdded      = "comment.added"
	EventMutationApplied   = "mutation.applied"
)

type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Broadcast names the connections an event must be delivered to. Targets is
// the authoritative fan-out set; the publisher must not widen it.
type Broadcast struct {
	Targets []string
	Event   Event
}

// Publisher delivers broadcasts to live connections. Implementations must not
// block and must not call back into the Registry.
type Publisher interface {
	Publish(b Broadcast)
}

type PresencePayload struct {
	UserID            string  `json:"userId"`
	ViewingResourceID *string `json:"viewingResourceId"`
}

type CursorPayload struct {
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
	ResourceID  string  `json:"resourceId"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
}

// MutationPayload relays an externally-owned state change verbatim. ChangeSet
// is opaque to this core and is never persisted here.
type MutationPayload struct {
	ResourceID string          `json:"resourceId"`
	ChangeSet  json.RawMessage `json:"changeSet"`
	ChangedBy  string          `json:"changedBy"`
	Timestamp  time.Time       `json:"timestamp"`
}
