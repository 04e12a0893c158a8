package store

import "time"

// SessionRecord is the persisted, append-only summary row for a collaboration
// session. It exists for audit and cold-start comment history; the in-memory
// registry is authoritative for who is online.
type SessionRecord struct {
	ID             string
	Name           string
	Type           string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

type CommentRecord struct {
	ID           string
	SessionID    string
	AuthorID     string
	AuthorName   string
	AuthorAvatar string
	Content      string
	ResourceID   *string
	ParentID     *string
	CreatedAt    time.Time
}
