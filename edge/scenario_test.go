package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lifo4/controlplane/internal/blackstart"
	"github.com/lifo4/controlplane/internal/bmsadapter"
	"github.com/lifo4/controlplane/internal/buffer"
	"github.com/lifo4/controlplane/internal/proto"
	"github.com/lifo4/controlplane/internal/streaming"
)

// newScenarioController wires a Controller against a MemoryBus and a
// SimulatorAdapter, the same combination the cloud package's e2e test
// uses for the coordinator side. profile is applied up front so the
// conservative zero-power defaultProfile never shadows a scenario's
// expectations.
func newScenarioController(t *testing.T, profile proto.SafetyProfile) (*Controller, *bmsadapter.SimulatorAdapter, streaming.Bus) {
	t.Helper()

	cfg := &Config{
		EdgeID:       "edge-scenario",
		SystemID:     "sys-scenario",
		SoftwareVer:  "test",
		ControlHz:    20.0,
		TelemetryHz:  5.0,
		HeartbeatSec: 1,
	}

	buf, err := buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), 1000)
	if err != nil {
		t.Fatalf("failed to open durable buffer: %v", err)
	}
	t.Cleanup(func() { buf.Close() })

	bms := bmsadapter.NewSimulatorAdapter(cfg.SystemID, 50, 25)
	bus := streaming.NewMemoryBus(256)
	t.Cleanup(func() { bus.Close() })

	ctrl := NewController(cfg, bms, bus, buf, profile)
	if err := subscribeCommandIntake(context.Background(), bus, cfg.EdgeID, cfg.SystemID, ctrl); err != nil {
		t.Fatalf("failed to subscribe command intake: %v", err)
	}

	return ctrl, bms, bus
}

func defaultScenarioProfile() proto.SafetyProfile {
	return proto.SafetyProfile{
		SOCMin:              10,
		SOCMax:              95,
		TempMin:             0,
		TempMax:             45,
		TempCritical:        60,
		VoltageMin:          300,
		VoltageMax:          450,
		CurrentMaxCharge:    200,
		CurrentMaxDischarge: 200,
		PowerMaxKW:          50,
	}
}

// TestScenarioS1_CommandRoundTrip dispatches a discharge command over
// the commands topic and expects the simulator to actuate it within a
// few control-loop ticks.
func TestScenarioS1_CommandRoundTrip(t *testing.T) {
	ctrl, bms, bus := newScenarioController(t, defaultScenarioProfile())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	cmd := proto.Command{
		CommandID: "cmd-s1",
		SystemID:  "sys-scenario",
		Kind:      proto.CommandDischarge,
		Params:    proto.CommandParams{MaxPowerKW: 15},
		IssuedBy:  "operator-1",
		IssuedAt:  time.Now(),
		TTL:       30 * time.Second,
	}
	if err := bus.Publish(ctx, "lifo4/sys-scenario/commands", cmd, streaming.ExactlyOnce); err != nil {
		t.Fatalf("failed to publish command: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bms.LastActuated.Intent == proto.IntentOperatorCommand && bms.LastActuated.TargetPowerKW < 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected operator discharge command to be actuated, last actuated: %+v", bms.LastActuated)
}

// TestScenarioS2_EmergencyStopLatency verifies an emergency_stop command
// forces SAFE_MODE without waiting for a decision tick.
func TestScenarioS2_EmergencyStopLatency(t *testing.T) {
	ctrl, _, bus := newScenarioController(t, defaultScenarioProfile())
	ctx := context.Background()

	start := time.Now()
	cmd := proto.Command{
		CommandID: "cmd-s2",
		SystemID:  "sys-scenario",
		Kind:      proto.CommandEmergencyStop,
		IssuedBy:  "operator-1",
		IssuedAt:  start,
	}
	if err := bus.Publish(ctx, "lifo4/sys-scenario/commands", cmd, streaming.ExactlyOnce); err != nil {
		t.Fatalf("failed to publish command: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if ctrl.Mode() == ModeSafe {
			if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
				t.Fatalf("emergency-stop took too long to take effect: %v", elapsed)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected SAFE_MODE after emergency_stop, got %s", ctrl.Mode())
}

// TestScenarioS4_AutonomousSurvival drops cloud contact (no policy ever
// arrives) and expects the controller to fall back to AUTONOMOUS mode
// rather than declare an error or emergency-stop.
func TestScenarioS4_AutonomousSurvival(t *testing.T) {
	ctrl, _, _ := newScenarioController(t, defaultScenarioProfile())
	ctrl.cfg.HeartbeatSec = 1 // reconcileMode trips at 3x heartbeat interval

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.Mode() == ModeAutonomous {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected AUTONOMOUS mode after losing cloud contact, got %s", ctrl.Mode())
}

// TestScenarioS5_PeakShaving forces facility demand above the policy's
// configured limit and expects the controller to discharge to shave it,
// provided SOC has headroom above the safety-plus-margin floor.
func TestScenarioS5_PeakShaving(t *testing.T) {
	ctrl, bms, bus := newScenarioController(t, defaultScenarioProfile())
	bms.SetSOC(60)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	policy := proto.Policy{
		DemandLimitKW:  50,
		TriggerPercent: 80,
		MarginSOC:      5,
		MaxDischargeKW: 20,
		FetchedAt:      time.Now(),
	}
	if err := bus.Publish(ctx, "lifo4/sys-scenario/policy", policy, streaming.AtLeastOnce); err != nil {
		t.Fatalf("failed to publish policy: %v", err)
	}
	demand := proto.DemandReading{SystemID: "sys-scenario", DemandKW: 90, Timestamp: time.Now()}
	if err := bus.Publish(ctx, "lifo4/sys-scenario/demand", demand, streaming.AtMostOnce); err != nil {
		t.Fatalf("failed to publish demand reading: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bms.LastActuated.Intent == proto.IntentPeakShave && bms.LastActuated.TargetPowerKW < 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected peak-shaving discharge, last actuated: %+v", bms.LastActuated)
}

// waitForBlackStartState polls the controller's black-start FSM until it
// reaches want or the deadline elapses.
func waitForBlackStartState(t *testing.T, ctrl *Controller, want blackstart.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctrl.fsm.Current() == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for black-start state %s, currently %s", want, ctrl.fsm.Current())
}

// TestScenarioS6_BlackStartSequence triggers a BLACKOUT grid event and
// expects the black-start FSM to progress through ENERGIZING and
// SYNCHRONIZING on its way to ISLANDED within the grid-absent window,
// then back through RECONNECTING to NORMAL once grid power returns and
// holds stable.
func TestScenarioS6_BlackStartSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("black-start sequence exercises real wall-clock settling windows")
	}

	ctrl, bms, bus := newScenarioController(t, defaultScenarioProfile())
	bms.SetSOC(80)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	publishGrid := func(event string, freqHz float64) {
		t.Helper()
		g := proto.GridEvent{
			SystemID:    "sys-scenario",
			Event:       event,
			GridVoltage: 0,
			GridFreqHz:  freqHz,
			Timestamp:   time.Now(),
		}
		if event == "GRID_RESTORED" {
			g.GridVoltage = 400
		}
		if err := bus.Publish(ctx, "lifo4/sys-scenario/grid/event", g, streaming.AtLeastOnce); err != nil {
			t.Fatalf("failed to publish grid event: %v", err)
		}
	}

	// Blackout persists past the 2s threshold, entering ENERGIZING.
	publishGrid("BLACKOUT", 0)
	waitForBlackStartState(t, ctrl, blackstart.StateEnergizing, 5*time.Second)
	if bms.LastActuated.Intent != proto.IntentBlackStart {
		t.Fatalf("expected black-start participation while energizing, last actuated: %+v", bms.LastActuated)
	}

	// Critical bus output ramps toward nominal frequency, entering
	// SYNCHRONIZING, then holding there for the stability window enters
	// ISLANDED.
	publishGrid("BLACKOUT", 60.0)
	waitForBlackStartState(t, ctrl, blackstart.StateIslanded, 10*time.Second)

	// Grid power returns and holds stable for the restored window,
	// entering RECONNECTING and then NORMAL.
	publishGrid("GRID_RESTORED", 60.0)
	waitForBlackStartState(t, ctrl, blackstart.StateNormal, 40*time.Second)
}
