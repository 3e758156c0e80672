package blackstart

import (
	"testing"
	"time"
)

func TestFSMFullBlackStartSequence(t *testing.T) {
	now := time.Now()
	f := New("sys-1", StateStandby)
	ready := Readiness{SOC: 80, MinIslandSOC: 20}

	// Blackout must persist > 2s before leaving STANDBY.
	if tr := f.Tick(GridReading{VoltagePresent: false, Timestamp: now}, ready, now); tr != nil {
		t.Fatalf("unexpected immediate transition on first blackout tick: %+v", tr)
	}
	now = now.Add(3 * time.Second)
	tr := f.Tick(GridReading{VoltagePresent: false, FrequencyHz: 0}, ready, now)
	if tr == nil || tr.To != StateEnergizing {
		t.Fatalf("expected transition to ENERGIZING after blackout persists, got %+v", tr)
	}

	now = now.Add(time.Second)
	tr = f.Tick(GridReading{VoltagePresent: false, FrequencyHz: NominalFreqHz}, ready, now)
	if tr == nil || tr.To != StateSynchronizing {
		t.Fatalf("expected transition to SYNCHRONIZING once output nears nominal, got %+v", tr)
	}
	if f.NonCriticalLoadsAllowed() {
		t.Fatalf("non-critical loads must not be energized during SYNCHRONIZING")
	}

	// Stable for 5s.
	for i := 0; i < 4; i++ {
		now = now.Add(time.Second)
		if tr := f.Tick(GridReading{VoltagePresent: false, FrequencyHz: NominalFreqHz}, ready, now); tr != nil {
			t.Fatalf("premature transition before stability window elapsed: %+v", tr)
		}
	}
	now = now.Add(2 * time.Second)
	tr = f.Tick(GridReading{VoltagePresent: false, FrequencyHz: NominalFreqHz}, ready, now)
	if tr == nil || tr.To != StateIslanded {
		t.Fatalf("expected transition to ISLANDED after 5s stability, got %+v", tr)
	}
	if !f.NonCriticalLoadsAllowed() {
		t.Fatalf("non-critical loads should be allowed once ISLANDED")
	}

	// Grid restored, stable 30s.
	now = now.Add(time.Second)
	tr = f.Tick(GridReading{VoltagePresent: true, FrequencyHz: NominalFreqHz}, ready, now)
	if tr != nil {
		t.Fatalf("must wait for the 30s grid-restored window, got early transition %+v", tr)
	}
	now = now.Add(31 * time.Second)
	tr = f.Tick(GridReading{VoltagePresent: true, FrequencyHz: NominalFreqHz}, ready, now)
	if tr == nil || tr.To != StateReconnecting {
		t.Fatalf("expected transition to RECONNECTING after grid stable 30s, got %+v", tr)
	}

	now = now.Add(time.Second)
	tr = f.Tick(GridReading{VoltagePresent: true, FrequencyHz: NominalFreqHz}, ready, now)
	if tr == nil || tr.To != StateNormal {
		t.Fatalf("expected transition to NORMAL after closed-transition sync, got %+v", tr)
	}
}

func TestFSMFaultForcesStandbyFromAnyState(t *testing.T) {
	now := time.Now()
	f := New("sys-1", StateIslanded)
	tr := f.Tick(GridReading{VoltagePresent: false, Timestamp: now}, Readiness{SOC: 10, MinIslandSOC: 20}, now)
	if tr == nil || tr.To != StateStandby {
		t.Fatalf("expected fault fallback to STANDBY when soc below minimum-for-islanding, got %+v", tr)
	}
}

func TestFSMSettlingWindowOnBoot(t *testing.T) {
	now := time.Now()
	f := New("sys-1", StateIslanded)
	if f.Settled(now) {
		t.Fatalf("FSM must not be settled immediately on boot")
	}
	if f.Settled(now.Add(SettlingWindowOnBoot + time.Millisecond)) != true {
		t.Fatalf("FSM must be settled after the settling window elapses")
	}
}
