package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lifo4/controlplane/cloud/idempotency"
	"github.com/lifo4/controlplane/cloud/middleware"
	"github.com/lifo4/controlplane/cloud/scheduler"
	"github.com/lifo4/controlplane/cloud/store"
	"github.com/lifo4/controlplane/internal/streaming"
)

// -- System Provisioning Regression --
func TestRegression_SystemListing(t *testing.T) {
	s := store.NewMemoryStore()
	bus := streaming.NewMemoryBus(64)
	defer bus.Close()
	dispatcher := NewDispatcher(s, bus)
	reconciler := NewReconciler(s, bus)
	schedConfig := scheduler.DefaultSchedulerConfig()
	sched := scheduler.NewScheduler(s, reconciler, 0, 1, schedConfig)
	api := NewAPI(s, dispatcher, reconciler, sched, nil, idempotency.NewStore(nil), NewTelemetryCache(), nil)

	sys := &store.System{
		SystemID:      "reg-system-1",
		OrgID:         "default",
		Hostname:      "regression-host",
		IPAddress:     "10.0.0.1",
		Port:          8080,
		Status:        "operational",
		LastHeartbeat: time.Now(),
	}
	if err := s.UpsertSystem(context.Background(), "default", sys); err != nil {
		t.Fatalf("Failed to register system: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/systems", nil)
	ctx := context.WithValue(req.Context(), middleware.TenantKey, "default")
	w := httptest.NewRecorder()
	api.handleListSystems(w, req.WithContext(ctx))

	if w.Code != http.StatusOK {
		t.Fatalf("Listing systems failed: %d", w.Code)
	}

	var systems []store.System
	json.Unmarshal(w.Body.Bytes(), &systems)
	if len(systems) != 1 {
		t.Fatalf("Expected 1 system in list, got %d", len(systems))
	}
	if systems[0].SystemID != "reg-system-1" {
		t.Errorf("Expected reg-system-1, got %s", systems[0].SystemID)
	}
}

// -- Safety-profile reconciliation regression --
func TestRegression_ProfileReconciliation(t *testing.T) {
	s := store.NewMemoryStore()
	bus := streaming.NewMemoryBus(64)
	defer bus.Close()
	dispatcher := NewDispatcher(s, bus)
	reconciler := NewReconciler(s, bus)
	schedConfig := scheduler.DefaultSchedulerConfig()
	sched := scheduler.NewScheduler(s, reconciler, 0, 1, schedConfig)
	api := NewAPI(s, dispatcher, reconciler, sched, nil, idempotency.NewStore(nil), NewTelemetryCache(), nil)

	ctx := context.Background()
	go sched.Start(ctx)
	defer sched.Stop()

	s.UpsertSystem(ctx, "default", &store.System{
		SystemID:      "reg-system-2",
		OrgID:         "default",
		EdgeID:        "reg-edge-2",
		Status:        "operational",
		LastHeartbeat: time.Now(),
	})

	profile := &store.SafetyProfileRecord{
		ProfileID: "reg-profile-1", SystemID: "reg-system-2", OrgID: "default",
		SOCMin: 10, SOCMax: 90, TempMax: 45, TempCritical: 60,
		VoltageMin: 300, VoltageMax: 500,
		CurrentMaxCharge: 100, CurrentMaxDischarge: 100, PowerMaxKW: 50,
		Status: "pending_push", Version: 1,
	}
	if err := s.UpsertProfile(ctx, "default", profile); err != nil {
		t.Fatalf("Failed to create profile: %v", err)
	}

	req := httptest.NewRequest("POST", "/profiles/"+profile.ProfileID+"/reconcile", bytes.NewReader(nil))
	req.Header.Set("X-Idempotency-Key", "idemp-reg-1")
	reqCtx := context.WithValue(req.Context(), middleware.TenantKey, "default")
	w := httptest.NewRecorder()
	api.handleReconcileProfile(w, req.WithContext(reqCtx))

	if w.Code != http.StatusAccepted {
		t.Errorf("Reconcile trigger failed: %d, body=%s", w.Code, w.Body.String())
	}
}
