package main

import (
	"context"
	"log"
	"time"

	"github.com/lifo4/controlplane/internal/streaming"
)

const (
	registrationBackoffStart = 1 * time.Second
	registrationBackoffMax   = 30 * time.Second
)

// registerWithCloud announces this edge over lifo4/provisioning/register
// and retries with exponential backoff until it succeeds or ctx is
// cancelled. A publish failure here means the bus itself is
// unreachable, not that the cloud rejected anything — the bus contract
// gives no synchronous ack for this topic.
func registerWithCloud(ctx context.Context, bus streaming.Publisher, cfg *Config) {
	payload := map[string]interface{}{
		"edge_id":         cfg.EdgeID,
		"system_id":       cfg.SystemID,
		"site_id":         cfg.SiteID,
		"organization_id": cfg.OrgID,
		"hostname":        cfg.Hostname,
		"version":         cfg.SoftwareVer,
		"capabilities":    []string{"telemetry", "commands", "black_start"},
		"timestamp":       time.Now(),
	}

	backoff := registrationBackoffStart
	for {
		if ctx.Err() != nil {
			return
		}

		err := bus.Publish(ctx, "lifo4/provisioning/register", payload, streaming.AtLeastOnce)
		if err == nil {
			log.Printf("Registered with cloud: edge %s, system %s", cfg.EdgeID, cfg.SystemID)
			return
		}

		log.Printf("Registration publish failed: %v. Retrying in %s...", err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > registrationBackoffMax {
			backoff = registrationBackoffMax
		}
	}
}
