// Package collab implements the real-time collaboration core: the session
// registry, presence and cursor relays, the comment service, and the resource
// mutation relay. The in-memory registry is the single source of truth for
// who is online; the durable store keeps only audit rows and comment history.
package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"feedloop/api/internal/auth"
	"feedloop/api/internal/store"
	"feedloop/api/internal/util"
)

// Store is the durable-store contract the core depends on. Session rows are
// best-effort audit records; comment writes are load-bearing.
type Store interface {
	UpsertSession(ctx context.Context, id, name, sessionType string) (store.SessionRecord, error)
	TouchSession(ctx context.Context, sessionID string) error
	InsertComment(ctx context.Context, c store.CommentRecord) error
	GetComment(ctx context.Context, sessionID, commentID string) (store.CommentRecord, error)
	ListRecentComments(ctx context.Context, sessionID string, limit int) ([]store.CommentRecord, error)
}

// CommentCache is an optional warm cache for recent comment history.
type CommentCache interface {
	Push(ctx context.Context, sessionID string, c Comment) error
	List(ctx context.Context, sessionID string, limit int) ([]Comment, error)
}

// CommentIndexer is an optional search collaborator; indexing failures never
// affect the comment contract.
type CommentIndexer interface {
	IndexComment(c Comment) error
}

type Options struct {
	RecentCommentLimit int
	CommentMaxLen      int
}

func (o Options) withDefaults() Options {
	if o.RecentCommentLimit <= 0 {
		o.RecentCommentLimit = 50
	}
	if o.CommentMaxLen <= 0 {
		o.CommentMaxLen = 4000
	}
	return o
}

// Registry is the authoritative map of session name to live session state.
//
// Lock order: Registry.mu before session.mu, never the reverse. The publisher
// is invoked while session locks are held and therefore must never block or
// re-enter the registry.
type Registry struct {
	store   Store
	cache   CommentCache   // may be nil
	indexer CommentIndexer // may be nil
	publish Publisher
	opts    Options

	mu       sync.RWMutex
	sessions map[string]*session
	byConn   map[string]*session
}

func NewRegistry(st Store, cache CommentCache, indexer CommentIndexer, publisher Publisher, opts Options) *Registry {
	return &Registry{
		store:    st,
		cache:    cache,
		indexer:  indexer,
		publish:  publisher,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*session),
		byConn:   make(map[string]*session),
	}
}

type SessionSnapshot struct {
	ID           string    `json:"id,omitempty"`
	Name         string    `json:"name"`
	ActiveCount  int       `json:"activeCount"`
	LastActivity time.Time `json:"lastActivityAt"`
}

type JoinResult struct {
	SessionName    string        `json:"sessionName"`
	Participants   []Participant `json:"participants"`
	RecentComments []Comment     `json:"recentComments"`
}

// Join adds the connection to the named session, lazily creating it and
// upserting the persisted audit row. A connection already joined elsewhere is
// moved; its old session sees a participant.left first.
func (r *Registry) Join(ctx context.Context, sessionName string, principal auth.Principal, connID string) (JoinResult, error) {
	sessionName = strings.TrimSpace(sessionName)
	if sessionName == "" {
		return JoinResult{}, validationError("sessionName is required")
	}

	r.mu.Lock()
	if old := r.byConn[connID]; old != nil {
		r.removeLocked(old, connID)
	}
	s := r.sessions[sessionName]
	if s == nil {
		s = newSession(sessionName)
		r.sessions[sessionName] = s
	}
	s.mu.Lock()
	s.pendingJoins++
	s.mu.Unlock()
	r.byConn[connID] = s
	r.mu.Unlock()

	// Store I/O runs outside the session mutex so a slow store never stalls
	// presence, cursor, or leave traffic. joinMu orders joins to the same
	// session so concurrent first joins don't race the upsert.
	//
	// The audit row upsert is best-effort: a store outage must not keep
	// participants out of the in-memory session.
	s.joinMu.Lock()
	sessionID := s.persistedID()
	if sessionID == "" {
		rec, err := r.store.UpsertSession(ctx, util.NewID("ses"), sessionName, sessionTypeOf(sessionName))
		if err != nil {
			log.Printf("collab: upsert session %q: %v", sessionName, err)
		} else {
			sessionID = rec.ID
			s.setPersistedID(sessionID)
		}
	} else if _, err := r.store.UpsertSession(ctx, sessionID, sessionName, sessionTypeOf(sessionName)); err != nil {
		log.Printf("collab: touch session %q: %v", sessionName, err)
	}
	recent := r.loadRecentComments(ctx, sessionID)
	s.joinMu.Unlock()

	participant := &Participant{
		ConnectionID: connID,
		UserID:       principal.UserID,
		DisplayName:  principal.DisplayName,
		AvatarRef:    principal.AvatarRef,
		Role:         principal.Role,
		JoinedAt:     time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingJoins--
	s.participants[connID] = participant
	s.touchLocked()

	if targets := s.otherConnectionsLocked(connID); len(targets) > 0 {
		r.publish.Publish(Broadcast{
			Targets: targets,
			Event:   Event{Type: EventParticipantJoined, Payload: *participant},
		})
	}

	return JoinResult{
		SessionName:    sessionName,
		Participants:   s.participantsLocked(),
		RecentComments: recent,
	}, nil
}

// loadRecentComments reads warm history from the cache and falls back to the
// store. Read failures degrade to an empty history; a join never fails on
// them. Callers hold joinMu, not the session mutex.
func (r *Registry) loadRecentComments(ctx context.Context, sessionID string) []Comment {
	if sessionID == "" {
		return []Comment{}
	}
	limit := r.opts.RecentCommentLimit
	if r.cache != nil {
		cached, err := r.cache.List(ctx, sessionID, limit)
		if err != nil {
			log.Printf("collab: recent comment cache read: %v", err)
		} else if len(cached) > 0 {
			return cached
		}
	}
	records, err := r.store.ListRecentComments(ctx, sessionID, limit)
	if err != nil {
		log.Printf("collab: recent comment read: %v", err)
		return []Comment{}
	}
	return commentsFromRecords(records)
}

// Leave removes the connection from its session, broadcasting
// participant.left to the remaining members. It is called both for explicit
// leave frames and for transport disconnects, and is idempotent.
func (r *Registry) Leave(connID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.byConn[connID]
	if s == nil {
		return Participant{}, false
	}
	return r.removeLocked(s, connID)
}

// callers must hold r.mu; acquires s.mu
func (r *Registry) removeLocked(s *session, connID string) (Participant, bool) {
	delete(r.byConn, connID)

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[connID]
	if !ok {
		return Participant{}, false
	}
	delete(s.participants, connID)
	s.touchLocked()

	if len(s.participants) == 0 && s.pendingJoins == 0 {
		// Empty sessions are evicted immediately; the persisted row is
		// untouched on eviction.
		delete(r.sessions, s.name)
	} else {
		r.publish.Publish(Broadcast{
			Targets: s.allConnectionsLocked(),
			Event:   Event{Type: EventParticipantLeft, Payload: *p},
		})
	}
	return *p, true
}

// UpdatePresence records which resource the caller is viewing and notifies
// everyone else in the session. Repeated identical updates intentionally
// produce repeated broadcasts.
func (r *Registry) UpdatePresence(connID string, resourceID *string) error {
	s := r.sessionFor(connID)
	if s == nil {
		return notJoinedError()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[connID]
	if !ok {
		return notJoinedError()
	}
	p.ViewingResourceID = resourceID
	s.touchLocked()

	if targets := s.otherConnectionsLocked(connID); len(targets) > 0 {
		r.publish.Publish(Broadcast{
			Targets: targets,
			Event: Event{Type: EventPresenceChanged, Payload: PresencePayload{
				UserID:            p.UserID,
				ViewingResourceID: resourceID,
			}},
		})
	}
	return nil
}

// MoveCursor relays a pointer position to participants viewing the same
// resource. Best-effort: no ack, no resequencing, loss under backpressure is
// acceptable.
func (r *Registry) MoveCursor(connID, resourceID string, x, y float64) error {
	if strings.TrimSpace(resourceID) == "" {
		return validationError("resourceId is required")
	}
	s := r.sessionFor(connID)
	if s == nil {
		return notJoinedError()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[connID]
	if !ok {
		return notJoinedError()
	}
	p.LastCursor = &CursorState{
		ResourceID: resourceID,
		X:          x,
		Y:          y,
		UpdatedAt:  time.Now().UTC(),
	}
	s.touchLocked()

	if targets := s.viewersOfLocked(resourceID, connID); len(targets) > 0 {
		r.publish.Publish(Broadcast{
			Targets: targets,
			Event: Event{Type: EventCursorUpdated, Payload: CursorPayload{
				UserID:      p.UserID,
				DisplayName: p.DisplayName,
				ResourceID:  resourceID,
				X:           x,
				Y:           y,
			}},
		})
	}
	return nil
}

// AddComment validates, persists, and then broadcasts a comment. The write
// precedes the fan-out: peers never see a comment that failed to persist. The
// broadcast goes to all participants including the author; the returned
// comment is the ack payload.
//
// Comment commits are serialized per session on commentMu, which makes the
// persistence commit order the broadcast order. The session mutex is not held
// across the store write, so presence and cursor traffic in the same session
// never waits on comment I/O. The write uses a detached context: an add that
// is in flight when its connection drops still completes and is still
// broadcast to the remaining participants.
func (r *Registry) AddComment(ctx context.Context, connID, content string, resourceID, parentID *string) (Comment, error) {
	s := r.sessionFor(connID)
	if s == nil {
		return Comment{}, notJoinedError()
	}
	s.mu.Lock()
	p, ok := s.participants[connID]
	if !ok {
		s.mu.Unlock()
		return Comment{}, notJoinedError()
	}
	author := *p
	s.mu.Unlock()

	content = strings.TrimSpace(content)
	if content == "" {
		return Comment{}, validationError("content is required")
	}
	if utf8.RuneCountInString(content) > r.opts.CommentMaxLen {
		return Comment{}, validationError("content is too long")
	}

	s.commentMu.Lock()
	defer s.commentMu.Unlock()

	detached := context.WithoutCancel(ctx)

	sessionID := s.persistedID()
	if sessionID == "" {
		// The audit row upsert failed during join; repair it now because
		// comments reference it.
		rec, err := r.store.UpsertSession(detached, util.NewID("ses"), s.name, sessionTypeOf(s.name))
		if err != nil {
			return Comment{}, persistenceError(err)
		}
		sessionID = rec.ID
		s.setPersistedID(sessionID)
	}

	if parentID != nil {
		_, err := r.store.GetComment(detached, sessionID, *parentID)
		if errors.Is(err, sql.ErrNoRows) {
			return Comment{}, invalidParentError(*parentID)
		}
		if err != nil {
			return Comment{}, persistenceError(err)
		}
	}

	comment := Comment{
		ID:         util.NewID("cmt"),
		SessionID:  sessionID,
		AuthorID:   author.UserID,
		AuthorName: author.DisplayName,
		AvatarRef:  author.AvatarRef,
		Content:    content,
		ResourceID: resourceID,
		ParentID:   parentID,
		// Truncate to microseconds so the ack matches the Postgres
		// round-trip byte for byte.
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := r.store.InsertComment(detached, recordFromComment(comment)); err != nil {
		return Comment{}, persistenceError(err)
	}

	if r.cache != nil {
		if err := r.cache.Push(detached, sessionID, comment); err != nil {
			log.Printf("collab: comment cache write: %v", err)
		}
	}
	if err := r.store.TouchSession(detached, sessionID); err != nil {
		log.Printf("collab: touch session after comment: %v", err)
	}
	if r.indexer != nil {
		go func(c Comment) {
			if err := r.indexer.IndexComment(c); err != nil {
				log.Printf("collab: index comment %s: %v", c.ID, err)
			}
		}(comment)
	}

	s.mu.Lock()
	targets := s.allConnectionsLocked()
	s.touchLocked()
	s.mu.Unlock()

	if len(targets) > 0 {
		r.publish.Publish(Broadcast{
			Targets: targets,
			Event:   Event{Type: EventCommentAdded, Payload: comment},
		})
	}
	return comment, nil
}

// PublishMutation relays an externally-produced state change to every session
// participant. The change set is stamped with the caller and a timestamp but
// is otherwise opaque: never validated, interpreted, or persisted here.
// Authorization belongs to the resource-owning service.
func (r *Registry) PublishMutation(connID, resourceID string, changeSet json.RawMessage) (MutationPayload, error) {
	if strings.TrimSpace(resourceID) == "" {
		return MutationPayload{}, validationError("resourceId is required")
	}
	s := r.sessionFor(connID)
	if s == nil {
		return MutationPayload{}, notJoinedError()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[connID]
	if !ok {
		return MutationPayload{}, notJoinedError()
	}
	payload := MutationPayload{
		ResourceID: resourceID,
		ChangeSet:  changeSet,
		ChangedBy:  p.UserID,
		Timestamp:  time.Now().UTC(),
	}
	s.touchLocked()
	r.publish.Publish(Broadcast{
		Targets: s.allConnectionsLocked(),
		Event:   Event{Type: EventMutationApplied, Payload: payload},
	})
	return payload, nil
}

func (r *Registry) sessionFor(connID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// ActiveCount reports how many connections are currently joined to the named
// session. The boolean is false when the session is not live.
func (r *Registry) ActiveCount(sessionName string) (int, bool) {
	r.mu.RLock()
	s := r.sessions[sessionName]
	r.mu.RUnlock()
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants), true
}

// Snapshot returns the live participant list for one session.
func (r *Registry) Snapshot(sessionName string) ([]Participant, bool) {
	r.mu.RLock()
	s := r.sessions[sessionName]
	r.mu.RUnlock()
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantsLocked(), true
}

// ActiveSessions lists all live sessions for the read-side API.
func (r *Registry) ActiveSessions() []SessionSnapshot {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	snapshots := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		snapshots = append(snapshots, SessionSnapshot{
			ID:           s.id,
			Name:         s.name,
			ActiveCount:  len(s.participants),
			LastActivity: s.lastActivity,
		})
		s.mu.Unlock()
	}
	return snapshots
}

// EvictIdle drops sessions that have no participants and have been silent
// longer than maxIdle. Empty sessions are normally evicted on the last leave;
// this is the janitor backstop behind the idle-eviction config knob.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for name, s := range r.sessions {
		s.mu.Lock()
		stale := len(s.participants) == 0 && s.pendingJoins == 0 && s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(r.sessions, name)
			evicted++
		}
	}
	return evicted
}
