package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lifo4/controlplane/cloud/timeline"
)

// IncidentSnapshot represents a captured incident for replay: the
// scheduler and leadership state at the moment a safety-profile push or
// command dispatch failed, plus the reconciliation timeline leading up
// to it.
type IncidentSnapshot struct {
	IncidentID    string `json:"incident_id"`
	ProfileID     string `json:"profile_id"`
	OrgID         string `json:"org_id"`
	FailureReason string `json:"failure_reason"`
	Timestamp     int64  `json:"timestamp"`

	SchedulerSnapshot SchedulerSnapshot         `json:"scheduler_snapshot"`
	LeaderSnapshot    LeaderSnapshot            `json:"leader_snapshot"`
	Timeline          []timeline.ReconcileEvent `json:"timeline"`
}

type SchedulerSnapshot struct {
	QueueDepth          int     `json:"queue_depth"`
	ActiveTasks         int     `json:"active_tasks"`
	WorkerSaturation    float64 `json:"worker_saturation"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
	RuntimeMode         string  `json:"runtime_mode"`
}

type LeaderSnapshot struct {
	IsLeader     bool   `json:"is_leader"`
	CurrentEpoch int64  `json:"current_epoch"`
	NodeID       string `json:"node_id"`
}

// handleListIncidents returns all captured incidents. Incidents are
// captured on demand via handleCaptureIncidentSnapshot rather than
// persisted, so this currently returns an empty list; a durable
// incident log would need its own store table.
func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	incidents := []IncidentSnapshot{}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(incidents)
}

// handleReplayIncident simulates an incident replay for operator review.
func (a *API) handleReplayIncident(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) < 5 {
		http.Error(w, "Invalid incident ID", http.StatusBadRequest)
		return
	}
	incidentID := pathParts[4]

	replay := map[string]interface{}{
		"incident_id": incidentID,
		"status":      "replay_complete",
		"timeline": []map[string]interface{}{
			{
				"timestamp": time.Now().Add(-5 * time.Minute).Unix(),
				"event":     "Command issued",
				"details":   "Safety-profile push queued",
			},
			{
				"timestamp": time.Now().Add(-4 * time.Minute).Unix(),
				"event":     "Queued for reconciliation",
				"details":   "Priority: 5, Queue depth: 42",
			},
			{
				"timestamp": time.Now().Add(-3 * time.Minute).Unix(),
				"event":     "Reconciliation started",
				"details":   "Worker assigned",
			},
			{
				"timestamp": time.Now().Add(-2 * time.Minute).Unix(),
				"event":     "Reconciliation failed",
				"details":   "Edge did not ack within deadline",
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(replay)
}

// handleCaptureIncidentSnapshot captures current scheduler/leadership
// state for an incident, bounding capture time so it never blocks the
// scheduler's own hot path.
func (a *API) handleCaptureIncidentSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	profileID := r.URL.Query().Get("profile_id")
	if profileID == "" {
		http.Error(w, "profile_id is required", http.StatusBadRequest)
		return
	}

	resultChan := make(chan IncidentSnapshot, 1)
	errorChan := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		snapshot, err := a.captureIncidentAsync(ctx, profileID)
		if err != nil {
			errorChan <- err
			return
		}
		resultChan <- snapshot
	}()

	select {
	case snapshot := <-resultChan:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=incident-%s.json", profileID))
		json.NewEncoder(w).Encode(snapshot)

	case err := <-errorChan:
		http.Error(w, fmt.Sprintf("Failed to capture incident: %v", err), http.StatusInternalServerError)

	case <-time.After(5 * time.Second):
		http.Error(w, "Incident capture timeout", http.StatusRequestTimeout)
	}
}

// captureIncidentAsync performs the actual incident capture with timeout.
func (a *API) captureIncidentAsync(ctx context.Context, profileID string) (IncidentSnapshot, error) {
	schedMetrics := a.scheduler.GetMetrics()
	var leaderState LeaderSnapshot
	if a.elector != nil {
		state := a.elector.GetState()
		leaderState = LeaderSnapshot{
			IsLeader:     state.IsLeader,
			CurrentEpoch: state.CurrentEpoch,
			NodeID:       state.NodeID,
		}
	}

	tl := a.scheduler.GetTimeline()
	events := tl.GetAllEvents()

	return IncidentSnapshot{
		IncidentID:    newIncidentID(),
		ProfileID:     profileID,
		Timestamp:     time.Now().Unix(),
		FailureReason: "Captured via API",
		SchedulerSnapshot: SchedulerSnapshot{
			QueueDepth:          schedMetrics.QueueDepth,
			ActiveTasks:         schedMetrics.ActiveTasks,
			WorkerSaturation:    schedMetrics.WorkerSaturation,
			CircuitBreakerState: schedMetrics.CircuitBreakerState,
			RuntimeMode:         schedMetrics.RuntimeMode,
		},
		LeaderSnapshot: leaderState,
		Timeline:       events,
	}, nil
}
