package decision

import (
	"testing"
	"time"

	"github.com/lifo4/controlplane/internal/proto"
)

func baseInput() Input {
	return Input{
		Telemetry:   proto.Telemetry{SOC: 60, Temperature: 25},
		Profile:     proto.SafetyProfile{SOCMin: 20, SOCMax: 95, PowerMaxKW: 50},
		Policy:      proto.Policy{DemandLimitKW: 100, TriggerPercent: 80, MarginSOC: 5, MaxDischargeKW: 20},
		GridPresent: true,
		Now:         time.Unix(0, 0),
	}
}

func TestDecidePriorityOrder(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(Input) Input
		want   proto.Intent
	}{
		{
			name:   "safety veto outranks everything",
			mutate: func(in Input) Input { in.SafetyWouldVeto = true; in.Policy.GridServiceActive = true; return in },
			want:   proto.IntentSafetyHold,
		},
		{
			name:   "grid absent delegates to black start",
			mutate: func(in Input) Input { in.GridPresent = false; return in },
			want:   proto.IntentBlackStart,
		},
		{
			name:   "grid service outranks peak shaving",
			mutate: func(in Input) Input { in.Policy.GridServiceActive = true; in.FacilityLoad.DemandKW = 95; return in },
			want:   proto.IntentGridService,
		},
		{
			name:   "peak shaving triggers above threshold with soc headroom",
			mutate: func(in Input) Input { in.FacilityLoad.DemandKW = 90; return in },
			want:   proto.IntentPeakShave,
		},
		{
			name:   "peak shaving does not trigger below soc margin",
			mutate: func(in Input) Input { in.FacilityLoad.DemandKW = 90; in.Telemetry.SOC = 22; return in },
			want:   proto.IntentIdle,
		},
		{
			name:   "arbitrage discharges in peak window",
			mutate: func(in Input) Input { in.Policy.Tariff = proto.TariffPeak; return in },
			want:   proto.IntentArbitrage,
		},
		{
			name:   "arbitrage charges in off-peak window",
			mutate: func(in Input) Input { in.Policy.Tariff = proto.TariffOffPeak; in.Telemetry.SOC = 50; return in },
			want:   proto.IntentArbitrage,
		},
		{
			name:   "self-consumption charges from solar surplus",
			mutate: func(in Input) Input { in.SolarKW = 8; in.HouseholdKW = 3; return in },
			want:   proto.IntentSelfConsume,
		},
		{
			name:   "idle when nothing applies",
			mutate: func(in Input) Input { return in },
			want:   proto.IntentIdle,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := tc.mutate(baseInput())
			got := Decide(in)
			if got.Intent != tc.want {
				t.Fatalf("Decide() intent = %v, want %v (reason: %s)", got.Intent, tc.want, got.Reason)
			}
		})
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	in := baseInput()
	in.Policy.Tariff = proto.TariffPeak

	first := Decide(in)
	second := Decide(in)
	if first != second {
		t.Fatalf("Decide() must be deterministic for identical input: %+v != %+v", first, second)
	}
}

func TestPeakShavingStopsAtSOCMinimum(t *testing.T) {
	in := baseInput()
	in.FacilityLoad.DemandKW = 90
	in.Telemetry.SOC = 20 // exactly soc_min

	got := Decide(in)
	if got.Intent == proto.IntentPeakShave {
		t.Fatalf("peak shaving must stop discharging once soc reaches soc_min, got intent=%v", got.Intent)
	}
}
