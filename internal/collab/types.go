package collab

import (
	"time"

	"feedloop/api/internal/store"
)

type CursorState struct {
	ResourceID string    `json:"resourceId"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Participant is one connected identity joined to a session. LastCursor is
// advisory; consumers decide staleness.
type Participant struct {
	ConnectionID      string       `json:"connectionId"`
	UserID            string       `json:"userId"`
	DisplayName       string       `json:"displayName"`
	AvatarRef         string       `json:"avatarRef,omitempty"`
	Role              string       `json:"role,omitempty"`
	JoinedAt          time.Time    `json:"joinedAt"`
	ViewingResourceID *string      `json:"viewingResourceId"`
	LastCursor        *CursorState `json:"lastCursor,omitempty"`
}

// Comment is the wire shape of a persisted comment. Comments are immutable
// once created; there is no edit or delete operation.
type Comment struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	AvatarRef  string    `json:"avatarRef,omitempty"`
	Content    string    `json:"content"`
	ResourceID *string   `json:"resourceId"`
	ParentID   *string   `json:"parentId"`
	CreatedAt  time.Time `json:"createdAt"`
}

func commentFromRecord(rec store.CommentRecord) Comment {
	return Comment{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		AuthorID:   rec.AuthorID,
		AuthorName: rec.AuthorName,
		AvatarRef:  rec.AuthorAvatar,
		Content:    rec.Content,
		ResourceID: rec.ResourceID,
		ParentID:   rec.ParentID,
		CreatedAt:  rec.CreatedAt,
	}
}

func commentsFromRecords(records []store.CommentRecord) []Comment {
	comments := make([]Comment, 0, len(records))
	for _, rec := range records {
		comments = append(comments, commentFromRecord(rec))
	}
	return comments
}

func recordFromComment(c Comment) store.CommentRecord {
	return store.CommentRecord{
		ID:           c.ID,
		SessionID:    c.SessionID,
		AuthorID:     c.AuthorID,
		AuthorName:   c.AuthorName,
		AuthorAvatar: c.AvatarRef,
		Content:      c.Content,
		ResourceID:   c.ResourceID,
		ParentID:     c.ParentID,
		CreatedAt:    c.CreatedAt,
	}
}
