package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lifo4/controlplane/cloud/scheduler"
	"github.com/lifo4/controlplane/cloud/store"
	"github.com/lifo4/controlplane/internal/streaming"
)

// FaultInjectionStore wraps a Store to simulate failures.
type FaultInjectionStore struct {
	store.Store
	fail bool
	mu   sync.Mutex
}

func (f *FaultInjectionStore) SetFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *FaultInjectionStore) shouldFail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *FaultInjectionStore) GetSystem(ctx context.Context, orgID string, systemID string) (*store.System, error) {
	if f.shouldFail() {
		return nil, errors.New("simulated db error")
	}
	return f.Store.GetSystem(ctx, orgID, systemID)
}

// TestChaos_PodCrash verifies component shutdown on context cancellation.
func TestChaos_PodCrash(t *testing.T) {
	s := store.NewMemoryStore()
	bus := streaming.NewMemoryBus(64)
	defer bus.Close()
	dispatcher := NewDispatcher(s, bus)
	reconciler := NewReconciler(s, bus)
	schedConfig := scheduler.DefaultSchedulerConfig()
	sched := scheduler.NewScheduler(s, reconciler, 0, 1, schedConfig)
	_ = dispatcher

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Start(ctx)

	time.Sleep(200 * time.Millisecond)

	t.Log("Simulating pod crash (context cancel)...")
	cancel()

	time.Sleep(200 * time.Millisecond)
	// If the test doesn't hang or panic, shutdown was clean.
}

// TestChaos_DBFailover verifies resilience to transient DB errors.
func TestChaos_DBFailover(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping chaos test in short mode")
	}

	baseStore := store.NewMemoryStore()
	fStore := &FaultInjectionStore{Store: baseStore}

	ctx := context.Background()

	sys := &store.System{
		SystemID:      "chaos-system",
		OrgID:         "org-chaos",
		Status:        "operational",
		LastHeartbeat: time.Now(),
	}

	t.Log("Testing healthy DB operations...")
	if err := baseStore.UpsertSystem(ctx, "org-chaos", sys); err != nil {
		t.Fatalf("Failed to insert system: %v", err)
	}

	retrieved, err := fStore.GetSystem(ctx, "org-chaos", "chaos-system")
	if err != nil {
		t.Fatalf("Failed to retrieve system: %v", err)
	}
	if retrieved == nil || retrieved.SystemID != "chaos-system" {
		t.Fatal("Retrieved system mismatch")
	}
	t.Log("healthy DB operations successful")

	t.Log("Injecting DB failure...")
	fStore.SetFail(true)

	_, err = fStore.GetSystem(ctx, "org-chaos", "chaos-system")
	if err == nil {
		t.Error("GetSystem should have failed with DB error, but got nil")
	} else {
		t.Logf("got expected error: %v", err)
	}

	t.Log("Recovering DB...")
	fStore.SetFail(false)

	retrieved, err = fStore.GetSystem(ctx, "org-chaos", "chaos-system")
	if err != nil {
		t.Errorf("GetSystem failed after recovery: %v", err)
	}
	if retrieved == nil || retrieved.SystemID != "chaos-system" {
		t.Error("Retrieved system mismatch after recovery")
	}
	t.Log("DB recovery successful")
}
