package main

import (
	"context"
	"fmt"
	"log"

	"github.com/lifo4/controlplane/cloud/resilience"
	"github.com/lifo4/controlplane/cloud/store"
)

// DegradedReadStore wraps a Store and serves a cached System record when
// the backing store errors on a read, rather than failing the request —
// the "serve stale reads rather than fail" posture for System lookups.
// Writes and every other record type pass straight through.
type DegradedReadStore struct {
	store.Store
	degraded *resilience.DegradedMode
}

// NewDegradedReadStore wraps s with degraded-mode fallback for GetSystem.
func NewDegradedReadStore(s store.Store, degraded *resilience.DegradedMode) *DegradedReadStore {
	return &DegradedReadStore{Store: s, degraded: degraded}
}

func (d *DegradedReadStore) GetSystem(ctx context.Context, orgID string, systemID string) (*store.System, error) {
	key := orgID + "/" + systemID
	var sys *store.System

	err := d.degraded.WithFallback(ctx,
		func(ctx context.Context) error {
			s, err := d.Store.GetSystem(ctx, orgID, systemID)
			if err != nil {
				return err
			}
			sys = s
			if sys != nil {
				d.degraded.SetInCache(key, sys)
			}
			return nil
		},
		func(context.Context) error {
			cached, ok := d.degraded.GetFromCache(key)
			if !ok {
				return fmt.Errorf("system %s unavailable: store down and no cached copy", systemID)
			}
			log.Printf("degraded mode: serving stale System %s from cache", systemID)
			sys = cached.(*store.System)
			return nil
		},
	)

	if err == nil {
		d.degraded.MarkStoreAvailable()
	} else {
		d.degraded.MarkStoreUnavailable()
	}
	return sys, err
}
