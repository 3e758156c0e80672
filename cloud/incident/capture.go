package incident

import (
	"context"
	"time"

	"github.com/lifo4/controlplane/cloud/store"
	"github.com/lifo4/controlplane/cloud/timeline"
)

// IncidentReport represents a captured failure context for debugging a
// safety-profile push or command dispatch that went wrong.
type IncidentReport struct {
	ProfileID string                    `json:"profile_id"`
	Profile   *store.SafetyProfileRecord `json:"profile"`
	System    *store.System             `json:"system"`
	Events    []timeline.ReconcileEvent `json:"events"`
	Commands  []*store.CommandRecord    `json:"commands"`
	CapturedAt time.Time                `json:"captured_at"`
	Analysis  string                    `json:"analysis,omitempty"`
}

// StoreInterface defines dependencies needed for capture.
type StoreInterface interface {
	GetProfile(ctx context.Context, orgID string, profileID string) (*store.SafetyProfileRecord, error)
	GetSystem(ctx context.Context, orgID string, systemID string) (*store.System, error)
	ListCommands(ctx context.Context, orgID string, systemID string, limit int) ([]*store.CommandRecord, error)
}

// TimelineInterface defines timeline dependencies.
type TimelineInterface interface {
	GetEventsByCommandID(commandID string) []timeline.ReconcileEvent
}

// CaptureIncident gathers all relevant data for a safety-profile push failure:
// the profile itself, the system it targets, its recent commands, and the
// reconciliation timeline for the last command tied to this profile.
func CaptureIncident(ctx context.Context, s StoreInterface, tl TimelineInterface, orgID string, profileID string) (*IncidentReport, error) {
	profile, err := s.GetProfile(ctx, orgID, profileID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, nil // Not found
	}

	system, err := s.GetSystem(ctx, orgID, profile.SystemID)
	if err != nil {
		return nil, err
	}

	commands, err := s.ListCommands(ctx, orgID, profile.SystemID, 50)
	if err != nil {
		return nil, err
	}

	var relevantCommands []*store.CommandRecord
	for _, c := range commands {
		if c.ProfileID == profileID {
			relevantCommands = append(relevantCommands, c)
		}
	}

	var events []timeline.ReconcileEvent
	for _, c := range relevantCommands {
		events = append(events, tl.GetEventsByCommandID(c.CommandID)...)
	}

	report := &IncidentReport{
		ProfileID:  profileID,
		Profile:    profile,
		System:     system,
		Events:     events,
		Commands:   relevantCommands,
		CapturedAt: time.Now(),
	}

	return report, nil
}
