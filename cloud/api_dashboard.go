package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lifo4/controlplane/cloud/coordination"
	"github.com/lifo4/controlplane/cloud/middleware"
)

// DashboardMetrics represents the complete dashboard state.
type DashboardMetrics struct {
	// Scheduler Metrics
	QueueDepth          int     `json:"queue_depth"`
	ActiveTasks         int     `json:"active_tasks"`
	MaxConcurrency      int     `json:"max_concurrency"`
	WorkerSaturation    float64 `json:"worker_saturation"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
	AdmissionMode       string  `json:"admission_mode"`
	RuntimeMode         string  `json:"runtime_mode"`

	// Leadership Metrics
	IsLeader          bool   `json:"is_leader"`
	CurrentEpoch      int64  `json:"current_epoch"`
	LeaderTransitions int64  `json:"leader_transitions"`
	NodeID            string `json:"node_id"`

	// Store Metrics
	PendingProfiles  int `json:"pending_profiles"`
	RejectedProfiles int `json:"rejected_profiles"`
	ActiveSystems    int `json:"active_systems"`

	// Multi-Cluster Support (Phase 6.4)
	ClusterID   string `json:"cluster_id"`
	ClusterRole string `json:"cluster_role"` // leader, follower, standby
	Region      string `json:"region"`

	// Timestamp
	Timestamp int64 `json:"timestamp"`
}

// handleGetDashboard returns the current dashboard metrics.
func (a *API) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	orgID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	metrics := a.collectDashboardMetrics(r.Context(), orgID)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*") // CORS for local dev
	json.NewEncoder(w).Encode(metrics)
}

// collectDashboardMetrics gathers metrics from all components.
func (a *API) collectDashboardMetrics(ctx context.Context, orgID string) DashboardMetrics {
	// Scheduler Metrics (Global for now, ideally filtered by tenant)
	schedMetrics := a.scheduler.GetMetrics()

	// Leadership Metrics (Global)
	var leaderState coordination.LeaderState
	if a.elector != nil {
		leaderState = a.elector.GetState()
	}

	// Store Metrics (Org Scoped)
	pending, _ := a.store.CountProfilesByStatus(ctx, orgID, "pending_push")
	rejected, _ := a.store.CountProfilesByStatus(ctx, orgID, "rejected")
	systems, _ := a.store.ListSystems(ctx, orgID)

	return DashboardMetrics{
		// Scheduler
		QueueDepth:          schedMetrics.QueueDepth,
		ActiveTasks:         schedMetrics.ActiveTasks,
		MaxConcurrency:      schedMetrics.MaxConcurrency,
		WorkerSaturation:    schedMetrics.WorkerSaturation,
		CircuitBreakerState: schedMetrics.CircuitBreakerState,
		AdmissionMode:       schedMetrics.AdmissionMode,
		RuntimeMode:         schedMetrics.RuntimeMode,

		// Leadership
		IsLeader:          leaderState.IsLeader,
		CurrentEpoch:      leaderState.CurrentEpoch,
		LeaderTransitions: leaderState.Transitions,
		NodeID:            leaderState.NodeID,

		// Store
		PendingProfiles:  pending,
		RejectedProfiles: rejected,
		ActiveSystems:    len(systems),

		// Multi-Cluster (Phase 6.4)
		ClusterID: "cluster-primary", // TODO: Get from config
		ClusterRole: func() string {
			if leaderState.IsLeader {
				return "leader"
			}
			return "follower"
		}(),
		Region: "us-east-1", // TODO: Get from config

		// Timestamp
		Timestamp: time.Now().Unix(),
	}
}
