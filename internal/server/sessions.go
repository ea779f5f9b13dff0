// Package server keeps per-group session metadata in the SessionStore type.
package server

import (
	"sync"
	"time"
)

// SessionMeta is the application-defined metadata attached to a session.
type SessionMeta struct {
	Label     string   `json:"label,omitempty"`
	CreatedBy string   `json:"createdBy,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// SessionRecord is one session's stored state, keyed by (group, session).
type SessionRecord struct {
	GroupID   string
	SessionID string
	Meta      SessionMeta
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionStore maps (group id, session id) to session records. Records are
// never evicted; bounding the store with a TTL or capacity limit is the
// extension point for a deployment that needs it. Safe for concurrent use.
type SessionStore struct {
	mu      sync.RWMutex
	byGroup map[string]map[string]SessionRecord
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{byGroup: make(map[string]map[string]SessionRecord)}
}

// Upsert creates the record on first call for the key, setting CreatedAt and
// UpdatedAt to now; later calls replace Meta and bump UpdatedAt while
// preserving CreatedAt. The resulting record is returned.
func (s *SessionStore) Upsert(groupID, sessionID string, meta SessionMeta) SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sessions, ok := s.byGroup[groupID]
	if !ok {
		sessions = make(map[string]SessionRecord)
		s.byGroup[groupID] = sessions
	}

	record, exists := sessions[sessionID]
	if exists {
		record.Meta = meta
		record.UpdatedAt = now
	} else {
		record = SessionRecord{
			GroupID:   groupID,
			SessionID: sessionID,
			Meta:      meta,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	sessions[sessionID] = record
	return record
}

// Get returns the record for the key and whether it exists.
func (s *SessionStore) Get(groupID, sessionID string) (SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.byGroup[groupID][sessionID]
	return record, ok
}
