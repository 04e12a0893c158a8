package collab

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// session owns all mutable state for one named collaboration session. Every
// access goes through its mutex; operations against the same session are
// serialized, different sessions share no locks.
//
// commentMu serializes comment commits separately so a slow store write never
// holds up presence or cursor traffic in the same session. Broadcast order for
// comments equals commit order because the publish happens before commentMu is
// released.
//
// joinMu serializes the join-time store I/O (audit upsert, history read) the
// same way: joins to one session are ordered among themselves without holding
// mu across the store calls. pendingJoins counts joins between registration
// and participant insertion so eviction never drops a session a join is still
// entering.
type session struct {
	name string

	mu           sync.Mutex
	id           string // persisted row id, empty until the upsert succeeds
	participants map[string]*Participant
	lastActivity time.Time
	pendingJoins int

	joinMu    sync.Mutex
	commentMu sync.Mutex
}

func newSession(name string) *session {
	return &session{
		name:         name,
		participants: make(map[string]*Participant),
		lastActivity: time.Now().UTC(),
	}
}

func (s *session) persistedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *session) setPersistedID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// callers must hold s.mu
func (s *session) touchLocked() {
	s.lastActivity = time.Now().UTC()
}

// callers must hold s.mu
func (s *session) participantsLocked() []Participant {
	snapshot := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		snapshot = append(snapshot, *p)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].JoinedAt.Equal(snapshot[j].JoinedAt) {
			return snapshot[i].JoinedAt.Before(snapshot[j].JoinedAt)
		}
		return snapshot[i].ConnectionID < snapshot[j].ConnectionID
	})
	return snapshot
}

// callers must hold s.mu
func (s *session) otherConnectionsLocked(exceptConnID string) []string {
	targets := make([]string, 0, len(s.participants))
	for connID := range s.participants {
		if connID == exceptConnID {
			continue
		}
		targets = append(targets, connID)
	}
	return targets
}

// callers must hold s.mu
func (s *session) allConnectionsLocked() []string {
	targets := make([]string, 0, len(s.participants))
	for connID := range s.participants {
		targets = append(targets, connID)
	}
	return targets
}

// viewersOfLocked returns connections whose participant is currently viewing
// the given resource, excluding the sender. Cursor fan-out is deliberately
// scoped this way to bound its cost.
//
// callers must hold s.mu
func (s *session) viewersOfLocked(resourceID, exceptConnID string) []string {
	var targets []string
	for connID, p := range s.participants {
		if connID == exceptConnID {
			continue
		}
		if p.ViewingResourceID != nil && *p.ViewingResourceID == resourceID {
			targets = append(targets, connID)
		}
	}
	return targets
}

// sessionTypeOf derives the session type from its logical name, e.g.
// "triage-2025-10-13" -> "triage". Names without a prefix map to "adhoc".
func sessionTypeOf(name string) string {
	if idx := strings.IndexByte(name, '-'); idx > 0 {
		return name[:idx]
	}
	return "adhoc"
}
