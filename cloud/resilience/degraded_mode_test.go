package resilience

import (
	"context"
	"errors"
	"testing"
)

func TestDegradedMode_WithFallback(t *testing.T) {
	d := NewDegradedMode()
	d.SetInCache("sys-1", "cached-value")

	var used string
	err := d.WithFallback(context.Background(),
		func(context.Context) error { return errors.New("store down") },
		func(context.Context) error {
			v, ok := d.GetFromCache("sys-1")
			if !ok {
				return errors.New("no cached value")
			}
			used = v.(string)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("expected fallback to succeed: %v", err)
	}
	if used != "cached-value" {
		t.Errorf("expected cached-value, got %s", used)
	}
}

func TestDegradedMode_WithFallbackNoCachedValue(t *testing.T) {
	d := NewDegradedMode()

	err := d.WithFallback(context.Background(),
		func(context.Context) error { return errors.New("store down") },
		func(context.Context) error {
			_, ok := d.GetFromCache("missing")
			if !ok {
				return errors.New("no cached copy")
			}
			return nil
		},
	)
	if err == nil {
		t.Error("expected error when both primary and fallback fail")
	}
}

func TestDegradedMode_MarkAvailability(t *testing.T) {
	d := NewDegradedMode()
	if !d.IsStoreAvailable() || d.IsDegraded() {
		t.Fatal("new DegradedMode should start available and not degraded")
	}

	d.MarkStoreUnavailable()
	if d.IsStoreAvailable() || !d.IsDegraded() {
		t.Error("expected degraded mode after MarkStoreUnavailable")
	}

	d.MarkStoreAvailable()
	if !d.IsStoreAvailable() || d.IsDegraded() {
		t.Error("expected normal mode after MarkStoreAvailable")
	}
}

func TestDegradedMode_CacheLRUEviction(t *testing.T) {
	d := NewDegradedMode()
	d.maxCacheSize = 2

	d.SetInCache("a", 1)
	d.SetInCache("b", 2)
	d.SetInCache("c", 3) // evicts "a", the least-recently-used entry

	if _, ok := d.GetFromCache("a"); ok {
		t.Error("expected \"a\" to be evicted")
	}
	if _, ok := d.GetFromCache("b"); !ok {
		t.Error("expected \"b\" to remain cached")
	}
	if _, ok := d.GetFromCache("c"); !ok {
		t.Error("expected \"c\" to remain cached")
	}
}
