package app

import (
	"context"
	"log"
	"time"

	"feedloop/api/internal/collab"
	"feedloop/api/internal/config"
	"feedloop/api/internal/store"
)

type dataStore interface {
	GetSessionByName(context.Context, string) (store.SessionRecord, error)
	ListSessions(context.Context, int) ([]store.SessionRecord, error)
	ListRecentComments(context.Context, string, int) ([]store.CommentRecord, error)
	Ping(ctx context.Context) error
}

// Service composes the durable store with the live registry for the
// read-side HTTP API. All mutations flow through the websocket gateway.
type Service struct {
	cfg      config.Config
	store    dataStore
	registry *collab.Registry
}

func New(cfg config.Config, st dataStore, registry *collab.Registry) *Service {
	return &Service{cfg: cfg, store: st, registry: registry}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ListSessions merges persisted audit rows with live active counts. The
// registry, not the store, is authoritative for "online now".
func (s *Service) ListSessions(ctx context.Context) ([]map[string]any, error) {
	records, err := s.store.ListSessions(ctx, 100)
	if err != nil {
		return nil, err
	}

	live := make(map[string]collab.SessionSnapshot)
	for _, snap := range s.registry.ActiveSessions() {
		live[snap.Name] = snap
	}

	items := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		item := map[string]any{
			"id":             rec.ID,
			"name":           rec.Name,
			"type":           rec.Type,
			"createdAt":      rec.CreatedAt.Format(time.RFC3339),
			"lastActivityAt": rec.LastActivityAt.Format(time.RFC3339),
			"activeCount":    0,
		}
		if snap, ok := live[rec.Name]; ok {
			item["activeCount"] = snap.ActiveCount
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) GetSession(ctx context.Context, name string) (map[string]any, error) {
	rec, err := s.store.GetSessionByName(ctx, name)
	if err != nil {
		return nil, err
	}

	activeCount := 0
	participants := []collab.Participant{}
	if snapshot, ok := s.registry.Snapshot(name); ok {
		participants = snapshot
		activeCount = len(snapshot)
	}

	return map[string]any{
		"id":             rec.ID,
		"name":           rec.Name,
		"type":           rec.Type,
		"createdAt":      rec.CreatedAt.Format(time.RFC3339),
		"lastActivityAt": rec.LastActivityAt.Format(time.RFC3339),
		"activeCount":    activeCount,
		"participants":   participants,
	}, nil
}

func (s *Service) SessionComments(ctx context.Context, name string, limit int) (map[string]any, error) {
	rec, err := s.store.GetSessionByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cfg.RecentCommentLimit {
		limit = s.cfg.RecentCommentLimit
	}
	records, err := s.store.ListRecentComments(ctx, rec.ID, limit)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(records))
	for _, c := range records {
		items = append(items, map[string]any{
			"id":         c.ID,
			"sessionId":  c.SessionID,
			"authorId":   c.AuthorID,
			"authorName": c.AuthorName,
			"avatarRef":  c.AuthorAvatar,
			"content":    c.Content,
			"resourceId": c.ResourceID,
			"parentId":   c.ParentID,
			"createdAt":  c.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return map[string]any{
		"sessionName": rec.Name,
		"comments":    items,
	}, nil
}

// StartJanitor sweeps idle empty sessions until ctx is done.
func (s *Service) StartJanitor(ctx context.Context) {
	interval := s.cfg.SessionIdleTimeout / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := s.registry.EvictIdle(s.cfg.SessionIdleTimeout); evicted > 0 {
					log.Printf("collab: evicted %d idle sessions", evicted)
				}
			}
		}
	}()
}
