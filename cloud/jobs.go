package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lifo4/controlplane/cloud/store"
	"github.com/lifo4/controlplane/internal/proto"
	"github.com/lifo4/controlplane/internal/streaming"
)

// Dispatcher is responsible for sending commands to edge systems over
// the message bus (C1), at EXACTLY_ONCE QoS.
type Dispatcher struct {
	store store.Store
	bus   streaming.Publisher
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(s store.Store, bus streaming.Publisher) *Dispatcher {
	return &Dispatcher{store: s, bus: bus}
}

// DispatchCommand publishes cmd to the target system's command topic and
// updates the CommandRecord status accordingly.
// IMPORTANT:
// - A successful Publish means the command is queued for the edge, not
//   yet applied. The edge reports outcome asynchronously; today that
//   outcome reaches the coordinator only via telemetry/heartbeat, so
//   "dispatched" is the terminal status this method sets.
func (d *Dispatcher) DispatchCommand(ctx context.Context, orgID string, cmd proto.Command) error {
	if ctx.Err() != nil {
		log.Printf("DispatchCommand skipped: context cancelled (%v)", ctx.Err())
		d.store.UpdateCommandStatus(context.Background(), orgID, cmd.CommandID, "failed", "dispatch cancelled: leadership lost")
		return ctx.Err()
	}

	topic := fmt.Sprintf("lifo4/%s/commands", cmd.SystemID)
	if err := d.bus.Publish(ctx, topic, cmd, streaming.ExactlyOnce); err != nil {
		d.store.UpdateCommandStatus(context.Background(), orgID, cmd.CommandID, "failed", fmt.Sprintf("publish failed: %v", err))
		return err
	}

	if err := d.store.UpdateCommandStatus(context.Background(), orgID, cmd.CommandID, "dispatched", ""); err != nil {
		log.Printf("Failed to mark command %s dispatched: %v", cmd.CommandID, err)
	}

	log.Printf("Command %s (%s) dispatched to system %s", cmd.CommandID, cmd.Kind, cmd.SystemID)
	return nil
}

// DispatchEmergencyStop is the fast-path used by the emergency-stop
// endpoint: it skips the normal queueing ceremony and publishes directly,
// targeting the 500ms end-to-end SLA of.
func (d *Dispatcher) DispatchEmergencyStop(ctx context.Context, orgID string, systemID string, reason string) (proto.Command, error) {
	cmd := proto.Command{
		CommandID: newCommandID(),
		SystemID:  systemID,
		Kind:      proto.CommandEmergencyStop,
		Params:    proto.CommandParams{Reason: reason},
		IssuedBy:  orgID,
		IssuedAt:  time.Now(),
		TTL:       10 * time.Second,
	}

	record := &store.CommandRecord{
		CommandID: cmd.CommandID,
		SystemID:  systemID,
		OrgID:     orgID,
		Kind:      string(cmd.Kind),
		Status:    "queued",
		IssuedBy:  orgID,
		CreatedAt: cmd.IssuedAt,
	}
	if err := d.store.CreateCommand(ctx, orgID, record); err != nil {
		return cmd, fmt.Errorf("failed to persist emergency-stop command: %w", err)
	}

	return cmd, d.DispatchCommand(ctx, orgID, cmd)
}
