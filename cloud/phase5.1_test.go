package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lifo4/controlplane/cloud/store"
	"github.com/lifo4/controlplane/internal/streaming"
)

// SlowPublisher blocks until ctx is cancelled, used to exercise the
// Reconciler's hard task-runtime kill switch.
type SlowPublisher struct{}

func (p *SlowPublisher) Publish(ctx context.Context, topic string, payload interface{}, qos streaming.QoS) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *SlowPublisher) Close() error { return nil }

// FailingPublisher always returns an error (for testing non-blocking failure paths).
type FailingPublisher struct {
	callCount int
}

func (f *FailingPublisher) Publish(ctx context.Context, topic string, payload interface{}, qos streaming.QoS) error {
	f.callCount++
	return fmt.Errorf("simulated publish failure")
}

func (f *FailingPublisher) Close() error { return nil }

// TestTaskTimeout_KillSwitch verifies that reconciliation is forcibly
// terminated after maxTaskRuntime, even when the bus publish never
// returns on its own.
func TestTaskTimeout_KillSwitch(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping timeout test in short mode")
	}

	s := store.NewMemoryStore()
	reconciler := NewReconciler(s, &SlowPublisher{})
	reconciler.SetMaxTaskRuntime(2 * time.Second)

	sys := &store.System{SystemID: "timeout-system", OrgID: "default", EdgeID: "edge-1"}
	s.UpsertSystem(context.Background(), "default", sys)
	profile := &store.SafetyProfileRecord{
		ProfileID: "timeout-profile", SystemID: "timeout-system", OrgID: "default",
		SOCMin: 10, SOCMax: 90, TempMax: 45, TempCritical: 60,
		VoltageMax: 500, CurrentMaxCharge: 100, CurrentMaxDischarge: 100, PowerMaxKW: 50,
		Status: "pending_push",
	}
	s.UpsertProfile(context.Background(), "default", profile)

	ctx := context.Background()
	startTime := time.Now()

	err := reconciler.Reconcile(ctx, "default", profile.ProfileID)
	elapsed := time.Since(startTime)

	if err == nil {
		t.Error("Expected reconciliation to fail due to timeout, but got nil error")
	}
	if elapsed > 4*time.Second {
		t.Errorf("Expected timeout around 2s, but took %v (too long)", elapsed)
	}

	t.Logf("Task correctly timed out after %v (max: 2s): %v", elapsed, err)
}

// TestEventPublishFailure_NonBlocking verifies that bus publish failures
// don't prevent the reconciliation call from returning promptly.
func TestEventPublishFailure_NonBlocking(t *testing.T) {
	s := store.NewMemoryStore()
	failingPublisher := &FailingPublisher{}
	reconciler := NewReconciler(s, failingPublisher)
	reconciler.SetMaxTaskRuntime(10 * time.Second)

	sys := &store.System{SystemID: "event-system", OrgID: "default", EdgeID: "edge-1"}
	s.UpsertSystem(context.Background(), "default", sys)
	profile := &store.SafetyProfileRecord{
		ProfileID: "event-profile", SystemID: "event-system", OrgID: "default",
		SOCMin: 10, SOCMax: 90, TempMax: 45, TempCritical: 60,
		VoltageMax: 500, CurrentMaxCharge: 100, CurrentMaxDischarge: 100, PowerMaxKW: 50,
		Status: "pending_push",
	}
	s.UpsertProfile(context.Background(), "default", profile)

	ctx := context.Background()
	startTime := time.Now()

	err := reconciler.Reconcile(ctx, "default", profile.ProfileID)
	elapsed := time.Since(startTime)

	if err == nil {
		t.Error("Expected reconciliation to report the publish failure")
	}
	if elapsed > 3*time.Second {
		t.Errorf("Reconciliation took too long (%v), may have blocked on event publish", elapsed)
	}

	t.Logf("Reconciliation completed in %v despite publish failures", elapsed)

	if failingPublisher.callCount == 0 {
		t.Error("Expected the publisher to be invoked at least once")
	}
}

// TestReconciler_MaxTaskRuntimeConfiguration verifies that MaxTaskRuntime can be configured.
func TestReconciler_MaxTaskRuntimeConfiguration(t *testing.T) {
	s := store.NewMemoryStore()
	reconciler := NewReconciler(s, streaming.NewMemoryBus(16))

	if reconciler.maxTaskRuntime != 5*time.Minute {
		t.Errorf("Expected default maxTaskRuntime to be 5m, got %v", reconciler.maxTaskRuntime)
	}

	reconciler.SetMaxTaskRuntime(1 * time.Minute)
	if reconciler.maxTaskRuntime != 1*time.Minute {
		t.Errorf("Expected maxTaskRuntime to be 1m after SetMaxTaskRuntime, got %v", reconciler.maxTaskRuntime)
	}

	t.Log("MaxTaskRuntime configuration works correctly")
}
