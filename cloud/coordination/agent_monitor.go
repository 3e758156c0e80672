package coordination

import (
	"context"
	"log"
	"time"

	"github.com/lifo4/controlplane/cloud/observability"
	"github.com/lifo4/controlplane/cloud/store"
)

// SystemMonitor periodically checks for stale edge system heartbeats and
// marks unresponsive systems offline so dispatch can stop routing commands
// to them.
type SystemMonitor struct {
	store     store.Store
	interval  time.Duration
	threshold time.Duration
}

func NewSystemMonitor(s store.Store, interval time.Duration, threshold time.Duration) *SystemMonitor {
	return &SystemMonitor{
		store:     s,
		interval:  interval,
		threshold: threshold,
	}
}

func (m *SystemMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *SystemMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("Starting System Liveness Monitor (Interval: %v, Threshold: %v)", m.interval, m.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkLiveness(ctx)
		}
	}
}

func (m *SystemMonitor) checkLiveness(ctx context.Context) {
	// In a real deployment we'd scan a ZSET of heartbeats; here we list
	// all systems since a single org's fleet is small (tens to low hundreds).
	systems, err := m.store.ListSystems(ctx, "")
	if err != nil {
		log.Printf("SystemMonitor: Failed to list systems: %v", err)
		return
	}

	activeCount := 0
	now := time.Now()
	for _, sys := range systems {
		diff := now.Sub(sys.LastHeartbeat)
		log.Printf("SystemMonitor: Check %s. Status=%s. Diff=%v. Threshold=%v", sys.SystemID, sys.Status, diff, m.threshold)

		if sys.Status == "offline" {
			continue
		}

		if diff > m.threshold {
			log.Printf("SystemMonitor: System %s heartbeat expired (Last: %v). Marking OFFLINE.", sys.SystemID, sys.LastHeartbeat)
			sys.Status = "offline"
			sys.UpdatedAt = now

			if err := m.store.UpsertSystem(ctx, sys.OrgID, sys); err != nil {
				log.Printf("SystemMonitor: Failed to mark system %s offline: %v", sys.SystemID, err)
			}
		} else {
			activeCount++
		}
	}
	observability.ConnectedSystems.Set(float64(activeCount))
}
