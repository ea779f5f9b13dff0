// Package server tracks per-group presence with merge-on-write semantics via
// the PresenceRegistry type.
package server

import "sync"

// PresenceStatus is the aggregate liveness state of a group.
type PresenceStatus string

// Presence statuses. Groups that were never written read as UNKNOWN.
const (
	StatusDown     PresenceStatus = "DOWN"
	StatusUp       PresenceStatus = "UP"
	StatusDegraded PresenceStatus = "DEGRADED"
	StatusUnknown  PresenceStatus = "UNKNOWN"
)

// PresenceInfo is one group's presence record: a status plus an open-ended
// details map (role, client metadata).
type PresenceInfo struct {
	Status  PresenceStatus `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// PresencePatch is a partial presence write. A zero Status keeps the stored
// status; a nil Details keeps the stored details. A supplied Details map
// replaces the stored one wholesale (shallow merge, not deep).
type PresencePatch struct {
	Status  PresenceStatus
	Details map[string]any
}

// PresenceEntry pairs a group id with its presence record in a snapshot.
type PresenceEntry struct {
	GroupID string
	Info    PresenceInfo
}

// PresenceRegistry maps group ids to presence records. Reads return copies,
// so callers can mutate what they get without affecting stored state. Safe
// for concurrent use.
type PresenceRegistry struct {
	mu      sync.RWMutex
	records map[string]PresenceInfo
}

// NewPresenceRegistry creates an empty registry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{records: make(map[string]PresenceInfo)}
}

// Get returns the presence record for a group, or the UNKNOWN default when
// the group has never been written.
func (p *PresenceRegistry) Get(groupID string) PresenceInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.getLocked(groupID)
}

// Set merges the patch over the group's current record and returns the
// merged result. The first write for a group merges over the UNKNOWN
// default.
func (p *PresenceRegistry) Set(groupID string, patch PresencePatch) PresenceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	merged := p.getLocked(groupID)
	if patch.Status != "" {
		merged.Status = patch.Status
	}
	if patch.Details != nil {
		merged.Details = cloneDetails(patch.Details)
	}
	p.records[groupID] = merged
	return copyInfo(merged)
}

// Delete removes a group's record entirely. The router itself never calls
// this; empty groups are transitioned to DOWN instead.
func (p *PresenceRegistry) Delete(groupID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, groupID)
}

// Entries returns a point-in-time snapshot of all records, in no particular
// order.
func (p *PresenceRegistry) Entries() []PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]PresenceEntry, 0, len(p.records))
	for groupID, info := range p.records {
		entries = append(entries, PresenceEntry{GroupID: groupID, Info: copyInfo(info)})
	}
	return entries
}

func (p *PresenceRegistry) getLocked(groupID string) PresenceInfo {
	if info, ok := p.records[groupID]; ok {
		return copyInfo(info)
	}
	return PresenceInfo{Status: StatusUnknown}
}

func copyInfo(info PresenceInfo) PresenceInfo {
	info.Details = cloneDetails(info.Details)
	return info
}

func cloneDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	cloned := make(map[string]any, len(details))
	for key, value := range details {
		cloned[key] = value
	}
	return cloned
}
