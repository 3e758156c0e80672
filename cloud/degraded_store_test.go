package main

import (
	"context"
	"testing"

	"github.com/lifo4/controlplane/cloud/resilience"
	"github.com/lifo4/controlplane/cloud/store"
)

func TestDegradedReadStore_ServesStaleOnFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	sys := &store.System{SystemID: "sys-1", OrgID: "org-1", Status: "operational"}
	if err := mem.UpsertSystem(context.Background(), "org-1", sys); err != nil {
		t.Fatalf("failed to seed system: %v", err)
	}

	fault := &FaultInjectionStore{Store: mem}
	degraded := resilience.NewDegradedMode()
	ds := NewDegradedReadStore(fault, degraded)

	// First read succeeds and populates the cache.
	got, err := ds.GetSystem(context.Background(), "org-1", "sys-1")
	if err != nil {
		t.Fatalf("expected first read to succeed: %v", err)
	}
	if got.SystemID != "sys-1" {
		t.Fatalf("unexpected system: %+v", got)
	}
	if degraded.IsDegraded() {
		t.Fatal("should not be degraded after a successful read")
	}

	// Once the store starts failing, the cached copy should be served.
	fault.SetFail(true)
	got, err = ds.GetSystem(context.Background(), "org-1", "sys-1")
	if err != nil {
		t.Fatalf("expected stale read to succeed from cache: %v", err)
	}
	if got.SystemID != "sys-1" {
		t.Fatalf("unexpected cached system: %+v", got)
	}
	if !degraded.IsDegraded() {
		t.Error("expected degraded mode once the store starts failing")
	}

	// A system never seen before has nothing to fall back to.
	_, err = ds.GetSystem(context.Background(), "org-1", "sys-unseen")
	if err == nil {
		t.Error("expected error for an uncached system while store is down")
	}

	fault.SetFail(false)
	if _, err := ds.GetSystem(context.Background(), "org-1", "sys-1"); err != nil {
		t.Fatalf("expected recovery once store is healthy again: %v", err)
	}
	if degraded.IsDegraded() {
		t.Error("expected degraded mode to clear once the store recovers")
	}
}
