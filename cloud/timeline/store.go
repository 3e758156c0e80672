package timeline

import (
	"sync"
	"time"
)

// ReconcileEvent records one stage transition in the life of a command or
// safety-profile push, for debugging and incident capture.
type ReconcileEvent struct {
	ReqID     string            `json:"req_id"`
	Stage     string            `json:"stage"` // CREATED, QUEUED, DISPATCHED, ACKED, FAILED, EXPIRED
	Timestamp time.Time         `json:"timestamp"`
	SystemID  string            `json:"system_id"`
	OrgID     string            `json:"org_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Store struct {
	events []ReconcileEvent
	mu     sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		events: make([]ReconcileEvent, 0),
	}
}

func (s *Store) Record(e ReconcileEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, e)
}

func (s *Store) GetEvents(reqID string) []ReconcileEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []ReconcileEvent
	for _, e := range s.events {
		if e.ReqID == reqID {
			results = append(results, e)
		}
	}
	return results
}

// GetEventsByCommandID returns events tagged with the given command_id metadata key.
func (s *Store) GetEventsByCommandID(commandID string) []ReconcileEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []ReconcileEvent
	for _, e := range s.events {
		if e.Metadata != nil && e.Metadata["command_id"] == commandID {
			results = append(results, e)
		}
	}
	return results
}

// GetEventsBySystem returns events for the given system, most recent last.
func (s *Store) GetEventsBySystem(systemID string) []ReconcileEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []ReconcileEvent
	for _, e := range s.events {
		if e.SystemID == systemID {
			results = append(results, e)
		}
	}
	return results
}

// GetAllEvents returns a snapshot of all recorded events (debug dashboard use).
func (s *Store) GetAllEvents() []ReconcileEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]ReconcileEvent, len(s.events))
	copy(c, s.events)
	return c
}
