package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lifo4/controlplane/cloud/observability"
	"github.com/lifo4/controlplane/cloud/store"
	"github.com/lifo4/controlplane/internal/proto"
	"github.com/lifo4/controlplane/internal/streaming"
)

// Reconciler drives a SafetyProfileRecord towards "synced": it pushes the
// profile to the owning edge over the provisioning config topic and
// reconciles the push outcome, the cloud-side half of
// provisioning contract ("publish the per-edge config... with
// at-least-once delivery").
type Reconciler struct {
	store store.Store
	bus   streaming.Publisher

	// activeReconciles enforces one reconciliation per system at a time.
	activeReconciles map[string]bool
	mu               sync.Mutex

	// maxTaskRuntime is the hard timeout for any single reconciliation task
	maxTaskRuntime time.Duration
	// ShadowMode enables dry-run execution (log intentions but don't push)
	ShadowMode bool
}

// NewReconciler creates a new Reconciler.
func NewReconciler(s store.Store, bus streaming.Publisher) *Reconciler {
	return &Reconciler{
		store:            s,
		bus:              bus,
		activeReconciles: make(map[string]bool),
		maxTaskRuntime:   5 * time.Minute,
		ShadowMode:       false,
	}
}

// SetShadowMode enables/disables shadow mode.
func (r *Reconciler) SetShadowMode(enabled bool) {
	r.ShadowMode = enabled
}

// SetMaxTaskRuntime configures the hard timeout for tasks.
func (r *Reconciler) SetMaxTaskRuntime(d time.Duration) {
	r.maxTaskRuntime = d
}

// IsSystemBusy reports whether a system's profile is currently being
// reconciled. Read-only check used by the API layer.
func (r *Reconciler) IsSystemBusy(systemID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeReconciles[systemID]
}

// Reconcile runs the full reconciliation loop for a profile. This is the
// entry point that enforces the hard timeout kill switch and matches the
// scheduler.ReconcilerInterface signature.
func (r *Reconciler) Reconcile(ctx context.Context, orgID string, profileID string) error {
	taskCtx, cancel := context.WithTimeout(ctx, r.maxTaskRuntime)
	defer cancel()

	startTime := time.Now()
	defer func() {
		runtime := time.Since(startTime)
		observability.TaskRuntimeSeconds.Observe(runtime.Seconds())

		if taskCtx.Err() == context.DeadlineExceeded {
			observability.TaskTimeouts.WithLabelValues(profileID, "reconcile", "runtime_limit").Inc()
			log.Printf("⚠️ Task %s timed out after %v (max: %v)", profileID, runtime, r.maxTaskRuntime)
		} else if ctx.Err() == context.Canceled {
			observability.TaskTimeouts.WithLabelValues(profileID, "reconcile", "shutdown").Inc()
		}
	}()

	return r.reconcileWithContext(taskCtx, orgID, profileID)
}

func (r *Reconciler) reconcileWithContext(ctx context.Context, orgID string, profileID string) (err error) {
	if ctx.Err() != nil {
		return fmt.Errorf("reconciliation cancelled: %w", ctx.Err())
	}

	profile, err := r.store.GetProfile(ctx, orgID, profileID)
	if err != nil {
		log.Printf("Reconcile failed: error getting profile %s: %v", profileID, err)
		observability.TaskRetries.Inc()
		return err
	}
	if profile == nil {
		log.Printf("Reconcile failed: profile %s not found", profileID)
		observability.TaskRetries.Inc()
		return fmt.Errorf("profile not found")
	}

	refTime := profile.UpdatedAt
	if refTime.IsZero() {
		refTime = profile.CreatedAt
	}
	observability.IntentAgeSeconds.Observe(time.Since(refTime).Seconds())

	defer func() {
		if err != nil {
			observability.TaskRetries.Inc()
		} else {
			observability.TaskSuccesses.Inc()
		}
	}()

	if !r.acquireLock(profile.SystemID) {
		log.Printf("Reconcile skipped: system %s is busy", profile.SystemID)
		return nil
	}
	defer r.releaseLock(profile.SystemID)

	log.Printf("Starting profile push for %s (system %s)", profileID, profile.SystemID)

	if ctx.Err() != nil {
		return fmt.Errorf("reconciliation cancelled: %w", ctx.Err())
	}

	system, err := r.store.GetSystem(ctx, orgID, profile.SystemID)
	if err != nil {
		log.Printf("Reconcile failed: error getting system %s: %v", profile.SystemID, err)
		return err
	}
	if system == nil {
		r.updateStatus(ctx, orgID, profile, "rejected", "system not found")
		return fmt.Errorf("system not found")
	}

	return r.pushProfile(ctx, orgID, system, profile)
}

// pushProfile publishes the safety profile to the edge's provisioning
// config topic (at-least-once delivery) and marks it synced.
func (r *Reconciler) pushProfile(ctx context.Context, orgID string, system *store.System, profile *store.SafetyProfileRecord) error {
	r.updateStatus(ctx, orgID, profile, "pending_push", "")

	if r.ShadowMode {
		log.Printf("[SHADOW] Would push profile %s to edge %s (system %s)", profile.ProfileID, system.EdgeID, system.SystemID)
		r.updateStatus(ctx, orgID, profile, "synced", "")
		return nil
	}

	payload := proto.SafetyProfile{
		SOCMin:              profile.SOCMin,
		SOCMax:              profile.SOCMax,
		TempMin:             profile.TempMin,
		TempMax:             profile.TempMax,
		TempCritical:        profile.TempCritical,
		VoltageMin:          profile.VoltageMin,
		VoltageMax:          profile.VoltageMax,
		CurrentMaxCharge:    profile.CurrentMaxCharge,
		CurrentMaxDischarge: profile.CurrentMaxDischarge,
		PowerMaxKW:          profile.PowerMaxKW,
	}
	if err := payload.Validate(); err != nil {
		r.updateStatus(ctx, orgID, profile, "rejected", err.Error())
		return err
	}

	topic := fmt.Sprintf("lifo4/provisioning/%s/config", system.EdgeID)
	if err := r.bus.Publish(ctx, topic, map[string]interface{}{
		"site_id":         system.SiteID,
		"system_id":       system.SystemID,
		"organization_id": orgID,
		"safety_limits":   payload,
	}, streaming.AtLeastOnce); err != nil {
		r.updateStatus(ctx, orgID, profile, "pending_push", fmt.Sprintf("push failed: %v", err))
		return err
	}

	r.updateStatus(ctx, orgID, profile, "synced", "")
	return nil
}

// updateStatus mutates and persists profile status, using the version
// from the fetched record as the optimistic-concurrency token.
func (r *Reconciler) updateStatus(ctx context.Context, orgID string, profile *store.SafetyProfileRecord, status, lastError string) {
	profile.Status = status
	profile.LastError = lastError

	err := r.store.UpdateProfileStatus(ctx, orgID, profile.ProfileID, status, lastError, time.Now(), profile.Version)
	if err != nil {
		log.Printf("Failed to update status for profile %s: %v", profile.ProfileID, err)
		return
	}
	log.Printf("Profile %s transitioned to %s", profile.ProfileID, status)
}

// acquireLock enforces per-system exclusivity.
func (r *Reconciler) acquireLock(systemID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeReconciles[systemID] {
		return false
	}
	r.activeReconciles[systemID] = true
	return true
}

// releaseLock releases the per-system lock.
func (r *Reconciler) releaseLock(systemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeReconciles, systemID)
}
