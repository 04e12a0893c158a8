package store

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertSession creates the session row on first join and bumps
// last_activity_at on every subsequent one.
func (s *PostgresStore) UpsertSession(ctx context.Context, id, name, sessionType string) (SessionRecord, error) {
	const query = `
		INSERT INTO collab_sessions (id, name, session_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET last_activity_at = NOW()
		RETURNING id, name, session_type, created_at, last_activity_at
	`
	var rec SessionRecord
	err := s.db.QueryRowContext(ctx, query, id, name, sessionType).
		Scan(&rec.ID, &rec.Name, &rec.Type, &rec.CreatedAt, &rec.LastActivityAt)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("upsert session: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE collab_sessions SET last_activity_at=NOW() WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSessionByName(ctx context.Context, name string) (SessionRecord, error) {
	const query = `
		SELECT id, name, session_type, created_at, last_activity_at
		FROM collab_sessions WHERE name=$1
	`
	var rec SessionRecord
	err := s.db.QueryRowContext(ctx, query, name).
		Scan(&rec.ID, &rec.Name, &rec.Type, &rec.CreatedAt, &rec.LastActivityAt)
	if err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, session_type, created_at, last_activity_at
		FROM collab_sessions
		ORDER BY last_activity_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Type, &rec.CreatedAt, &rec.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) InsertComment(ctx context.Context, c CommentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_comments (id, session_id, author_id, author_name, author_avatar, content, resource_id, parent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.SessionID, c.AuthorID, c.AuthorName, c.AuthorAvatar, c.Content, c.ResourceID, c.ParentID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// GetComment resolves a comment by id scoped to one session; a parent from
// another session is indistinguishable from a missing one.
func (s *PostgresStore) GetComment(ctx context.Context, sessionID, commentID string) (CommentRecord, error) {
	const query = `
		SELECT id, session_id, author_id, author_name, author_avatar, content, resource_id, parent_id, created_at
		FROM collab_comments
		WHERE session_id=$1 AND id=$2
	`
	var rec CommentRecord
	err := s.db.QueryRowContext(ctx, query, sessionID, commentID).Scan(
		&rec.ID, &rec.SessionID, &rec.AuthorID, &rec.AuthorName, &rec.AuthorAvatar,
		&rec.Content, &rec.ResourceID, &rec.ParentID, &rec.CreatedAt,
	)
	if err != nil {
		return CommentRecord{}, err
	}
	return rec, nil
}

// ListRecentComments returns the newest comments in chronological order
// (oldest first) so clients can render them without re-sorting.
func (s *PostgresStore) ListRecentComments(ctx context.Context, sessionID string, limit int) ([]CommentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, author_id, author_name, author_avatar, content, resource_id, parent_id, created_at
		FROM collab_comments
		WHERE session_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent comments: %w", err)
	}
	defer rows.Close()

	var records []CommentRecord
	for rows.Next() {
		var rec CommentRecord
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.AuthorID, &rec.AuthorName, &rec.AuthorAvatar,
			&rec.Content, &rec.ResourceID, &rec.ParentID, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}
