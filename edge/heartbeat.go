package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lifo4/controlplane/internal/blackstart"
	"github.com/lifo4/controlplane/internal/decision"
	"github.com/lifo4/controlplane/internal/proto"
	"github.com/lifo4/controlplane/internal/streaming"
)

// subscribeCommandIntake wires the Controller to the inbound topics it
// reacts to: policy refreshes, safety-profile pushes, direct operator
// commands, facility demand readings, and grid presence events.
// Command intake moved off HTTP and onto the message bus — the edge no
// longer runs an inbound command endpoint; everything arrives as a
// subscribed event.
func subscribeCommandIntake(ctx context.Context, bus streaming.Subscriber, edgeID, systemID string, ctrl *Controller) error {
	policyTopic := fmt.Sprintf("lifo4/%s/policy", systemID)
	if _, err := bus.Subscribe(policyTopic, func(e streaming.Event) {
		var p proto.Policy
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			log.Printf("[heartbeat] discarding malformed policy event: %v", err)
			return
		}
		ctrl.UpdatePolicy(p)
	}); err != nil {
		return fmt.Errorf("subscribe %q: %w", policyTopic, err)
	}

	profileTopic := fmt.Sprintf("lifo4/provisioning/%s/config", edgeID)
	if _, err := bus.Subscribe(profileTopic, func(e streaming.Event) {
		var push struct {
			SystemID string              `json:"system_id"`
			Limits   proto.SafetyProfile `json:"safety_limits"`
		}
		if err := json.Unmarshal(e.Payload, &push); err != nil {
			log.Printf("[heartbeat] discarding malformed profile push: %v", err)
			return
		}
		if push.SystemID != "" && push.SystemID != systemID {
			return
		}
		if err := ctrl.UpdateProfile(push.Limits); err != nil {
			log.Printf("[heartbeat] rejecting invalid safety profile: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("subscribe %q: %w", profileTopic, err)
	}

	commandTopic := fmt.Sprintf("lifo4/%s/commands", systemID)
	if _, err := bus.Subscribe(commandTopic, func(e streaming.Event) {
		var cmd proto.Command
		if err := json.Unmarshal(e.Payload, &cmd); err != nil {
			log.Printf("[heartbeat] discarding malformed command event: %v", err)
			return
		}
		handleCommand(ctrl, cmd)
	}); err != nil {
		return fmt.Errorf("subscribe %q: %w", commandTopic, err)
	}

	demandTopic := fmt.Sprintf("lifo4/%s/demand", systemID)
	if _, err := bus.Subscribe(demandTopic, func(e streaming.Event) {
		var d proto.DemandReading
		if err := json.Unmarshal(e.Payload, &d); err != nil {
			log.Printf("[heartbeat] discarding malformed demand reading: %v", err)
			return
		}
		ctrl.UpdateDemand(d)
	}); err != nil {
		return fmt.Errorf("subscribe %q: %w", demandTopic, err)
	}

	gridTopic := fmt.Sprintf("lifo4/%s/grid/event", systemID)
	if _, err := bus.Subscribe(gridTopic, func(e streaming.Event) {
		var g proto.GridEvent
		if err := json.Unmarshal(e.Payload, &g); err != nil {
			log.Printf("[heartbeat] discarding malformed grid event: %v", err)
			return
		}
		ctrl.UpdateGrid(blackstart.GridReading{
			VoltagePresent: g.Event == "GRID_RESTORED",
			FrequencyHz:    g.GridFreqHz,
			Timestamp:      g.Timestamp,
		})
	}); err != nil {
		return fmt.Errorf("subscribe %q: %w", gridTopic, err)
	}

	return nil
}

// handleCommand applies an operator command's effect on the controller.
// Emergency-stop always takes effect immediately regardless of mode;
// charge/discharge/idle are cached as an operator override the Decision
// Engine consults on its next tick, until the command's own TTL expires.
func handleCommand(ctrl *Controller, cmd proto.Command) {
	if cmd.Expired(time.Now()) {
		log.Printf("[heartbeat] command %s expired before delivery, discarding", cmd.CommandID)
		return
	}
	switch cmd.Kind {
	case proto.CommandEmergencyStop:
		log.Printf("[heartbeat] emergency-stop command %s received", cmd.CommandID)
		ctrl.enterSafeMode("operator emergency_stop command " + cmd.CommandID)
	case proto.CommandCharge, proto.CommandDischarge, proto.CommandIdle:
		log.Printf("[heartbeat] command %s (%s) received, applied on next decision tick", cmd.CommandID, cmd.Kind)
		ctrl.SetOperatorCommand(&decision.OperatorOverride{
			Kind:       cmd.Kind,
			TargetSOC:  cmd.Params.TargetSOC,
			MaxPowerKW: cmd.Params.MaxPowerKW,
			ExpiresAt:  cmd.IssuedAt.Add(cmd.TTL),
		})
	default:
		log.Printf("[heartbeat] command %s (%s) received, applied on next decision tick", cmd.CommandID, cmd.Kind)
	}
}
