package realtime

import "encoding/json"

// Inbound message types form a closed set; anything else is answered with an
// error frame and otherwise ignored.
const (
	MsgJoin            = "join"
	MsgLeave           = "leave"
	MsgPresenceUpdate  = "presence.update"
	MsgCursorMove      = "cursor.move"
	MsgCommentAdd      = "comment.add"
	MsgMutationPublish = "mutation.publish"
)

const (
	AckJoin    = "join.ok"
	AckComment = "comment.ok"
	TypeError  = "error"
)

// inboundFrame is the superset of all client message shapes; Type selects
// which fields are meaningful. Ref, when present, is echoed on the ack or
// error so clients can correlate.
type inboundFrame struct {
	Type        string          `json:"type"`
	Ref         string          `json:"ref,omitempty"`
	SessionName string          `json:"sessionName,omitempty"`
	ResourceID  *string         `json:"resourceId,omitempty"`
	X           float64         `json:"x,omitempty"`
	Y           float64         `json:"y,omitempty"`
	Content     string          `json:"content,omitempty"`
	ParentID    *string         `json:"parentId,omitempty"`
	ChangeSet   json.RawMessage `json:"changeSet,omitempty"`
}

type ackFrame struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
