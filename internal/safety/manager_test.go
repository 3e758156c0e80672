package safety

import (
	"testing"
	"time"

	"github.com/lifo4/controlplane/internal/proto"
)

func testProfile() proto.SafetyProfile {
	return proto.SafetyProfile{
		SOCMin: 20, SOCMax: 95,
		TempMin: -10, TempMax: 45, TempCritical: 60,
		VoltageMin: 300, VoltageMax: 450,
		CurrentMaxCharge: 100, CurrentMaxDischarge: 100,
		PowerMaxKW: 50,
	}
}

func testTelemetry(now time.Time) proto.Telemetry {
	return proto.Telemetry{
		SystemID: "sys-1", MonotonicSeq: 1, WallTS: now,
		Mode: proto.ModeIdle, SOC: 60, Voltage: 380, Current: 0,
		PowerKW: 0, Temperature: 25,
	}
}

func TestEnforceVerdictTable(t *testing.T) {
	now := time.Now()
	profile := testProfile()

	cases := []struct {
		name      string
		desired   proto.Decision
		mutate    func(proto.Telemetry) proto.Telemetry
		wantV     Verdict
	}{
		{
			name:    "discharge below soc_min is vetoed",
			desired: proto.Decision{Intent: proto.IntentArbitrage, TargetPowerKW: -10},
			mutate:  func(tl proto.Telemetry) proto.Telemetry { tl.SOC = 19; return tl },
			wantV:   VerdictVetoed,
		},
		{
			name:    "charge above soc_max is vetoed",
			desired: proto.Decision{Intent: proto.IntentArbitrage, TargetPowerKW: 10},
			mutate:  func(tl proto.Telemetry) proto.Telemetry { tl.SOC = 96; return tl },
			wantV:   VerdictVetoed,
		},
		{
			name:    "temperature above max vetoes all actuation",
			desired: proto.Decision{Intent: proto.IntentPeakShave, TargetPowerKW: -5},
			mutate:  func(tl proto.Telemetry) proto.Telemetry { tl.Temperature = 50; return tl },
			wantV:   VerdictVetoed,
		},
		{
			name:    "temperature above critical forces emergency stop",
			desired: proto.Decision{Intent: proto.IntentPeakShave, TargetPowerKW: -5},
			mutate:  func(tl proto.Telemetry) proto.Telemetry { tl.Temperature = 65; return tl },
			wantV:   VerdictEStop,
		},
		{
			name:    "voltage outside range is vetoed",
			desired: proto.Decision{Intent: proto.IntentArbitrage, TargetPowerKW: 10},
			mutate:  func(tl proto.Telemetry) proto.Telemetry { tl.Voltage = 290; return tl },
			wantV:   VerdictVetoed,
		},
		{
			name:    "stale telemetry is vetoed",
			desired: proto.Decision{Intent: proto.IntentArbitrage, TargetPowerKW: 10},
			mutate:  func(tl proto.Telemetry) proto.Telemetry { tl.WallTS = tl.WallTS.Add(-time.Second); return tl },
			wantV:   VerdictVetoed,
		},
		{
			name:    "current beyond max is trimmed not vetoed",
			desired: proto.Decision{Intent: proto.IntentArbitrage, TargetPowerKW: 45},
			mutate:  func(tl proto.Telemetry) proto.Telemetry { return tl },
			wantV:   VerdictTrimmed,
		},
		{
			name:    "within envelope is allowed",
			desired: proto.Decision{Intent: proto.IntentArbitrage, TargetPowerKW: 5},
			mutate:  func(tl proto.Telemetry) proto.Telemetry { return tl },
			wantV:   VerdictAllowed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tl := tc.mutate(testTelemetry(now))
			result := Enforce(tc.desired, tl, profile, &Latch{}, now, 200*time.Millisecond)
			if result.Verdict != tc.wantV {
				t.Fatalf("Enforce() verdict = %v, want %v (reason: %s)", result.Verdict, tc.wantV, result.Reason)
			}
		})
	}
}

func TestEnforceLatchRequiresHysteresis(t *testing.T) {
	now := time.Now()
	profile := testProfile()
	latch := &Latch{}

	hot := testTelemetry(now)
	hot.Temperature = 65
	result := Enforce(proto.Decision{Intent: proto.IntentIdle}, hot, profile, latch, now, 200*time.Millisecond)
	if result.Verdict != VerdictEStop || !latch.Active {
		t.Fatalf("expected latch to engage on critical temperature")
	}

	cool := testTelemetry(now)
	cool.Temperature = 25
	if err := ClearLatch(latch, cool, profile, now); err == nil {
		t.Fatalf("expected ClearLatch to require the hysteresis window to elapse")
	}
	if !latch.Active {
		t.Fatalf("latch must remain active until hysteresis window elapses")
	}

	later := now.Add(HysteresisWindow + time.Second)
	if err := ClearLatch(latch, cool, profile, later); err != nil {
		t.Fatalf("ClearLatch after hysteresis window: %v", err)
	}
	if latch.Active {
		t.Fatalf("latch should be cleared after hysteresis window elapses")
	}
}

func TestEnforceSafetyHoldPassesThrough(t *testing.T) {
	now := time.Now()
	profile := testProfile()
	tl := testTelemetry(now)

	result := Enforce(proto.Decision{Intent: proto.IntentSafetyHold, TargetPowerKW: 0}, tl, profile, &Latch{}, now, 200*time.Millisecond)
	if result.Verdict != VerdictAllowed {
		t.Fatalf("a zero-power safety hold should pass through unchanged, got %v", result.Verdict)
	}
}
