package main

import (
	"sync"

	"github.com/lifo4/controlplane/internal/proto"
)

// TelemetryCache holds, per system, the last-seen monotonic_seq (for
// dedup) and the most recent sample. Command dispatch consults it so a
// command the Safety Manager's cloud-side mirror would veto under the
// last known telemetry is rejected before it reaches the bus.
type TelemetryCache struct {
	mu      sync.RWMutex
	lastSeq map[string]int64
	last    map[string]proto.Telemetry
	orgOf   map[string]string
}

// NewTelemetryCache creates an empty cache.
func NewTelemetryCache() *TelemetryCache {
	return &TelemetryCache{
		lastSeq: make(map[string]int64),
		last:    make(map[string]proto.Telemetry),
		orgOf:   make(map[string]string),
	}
}

// SetOrg records which org owns systemID, learned at provisioning time.
// The telemetry topic (lifo4/{system_id}/telemetry) carries no org, so
// this is the only way the telemetry subscriber can scope the store
// write that follows.
func (c *TelemetryCache) SetOrg(systemID, orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orgOf[systemID] = orgID
}

// OrgOf returns the org that owns systemID, if known.
func (c *TelemetryCache) OrgOf(systemID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	org, ok := c.orgOf[systemID]
	return org, ok
}

// Ingest records t if its MonotonicSeq is new for its system, returning
// true when it was a fresh sample (false for a duplicate delivery, which
// AT_LEAST_ONCE QoS guarantees will happen and which callers must
// therefore discard silently).
func (c *TelemetryCache) Ingest(t proto.Telemetry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seen, ok := c.lastSeq[t.SystemID]; ok && t.MonotonicSeq <= seen {
		return false
	}
	c.lastSeq[t.SystemID] = t.MonotonicSeq
	c.last[t.SystemID] = t
	return true
}

// Last returns the most recent telemetry sample for systemID, and
// whether one has ever been seen.
func (c *TelemetryCache) Last(systemID string) (proto.Telemetry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.last[systemID]
	return t, ok
}
