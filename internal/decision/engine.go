// Package decision implements the Decision Engine (C5): a fixed,
// priority-ordered list of intents evaluated top-down, stopping at the
// first whose precondition holds. The admission-chain shape mirrors the
// cloud scheduler's Submit() gate walk (leadership, admission mode,
// circuit breaker, scheduler mode, capacity) — here the gates are BESS
// domain predicates instead of scheduling ones.
package decision

import (
	"time"

	"github.com/lifo4/controlplane/internal/proto"
)

// Margin is the SOC headroom kept on either side of a charge/discharge
// decision so Peak Shaving, Arbitrage, and Self-Consumption don't run a
// system right up against its safety limits.
const defaultMargin = 5.0

// Input bundles everything the Decision Engine needs for one tick. It is
// constructed fresh by the Edge Controller each cycle; the engine itself
// holds no state between calls, making Decide deterministic given
// identical inputs (a testable property).
type Input struct {
	Telemetry    proto.Telemetry
	Profile      proto.SafetyProfile
	Policy       proto.Policy
	GridPresent  bool
	FacilityLoad proto.DemandReading
	SolarKW      float64
	HouseholdKW  float64
	Source       proto.DecisionSource // CLOUD if Policy is fresh, CACHED otherwise
	Now          time.Time

	// SafetyWouldVeto lets the caller short-circuit straight to Safety
	// Hold (priority 1) when it already knows, e.g. from a prior Enforce
	// call this tick, that any non-idle action would be vetoed.
	SafetyWouldVeto bool

	// BlackStart, when non-nil, is consulted when GridPresent is false;
	// it is the output of the Black-Start FSM (C7) for this tick.
	BlackStart *BlackStartDelegate

	// OperatorCommand, when non-nil and unexpired, is a direct
	// charge/discharge/idle command dispatched from the cloud. It
	// outranks the automated policies (grid service, peak shaving,
	// arbitrage, self-consumption) but not safety or black-start.
	OperatorCommand *OperatorOverride
}

// OperatorOverride is the Decision Engine's view of an operator-issued
// command still within its TTL.
type OperatorOverride struct {
	Kind       proto.CommandKind
	TargetSOC  float64
	MaxPowerKW float64
	ExpiresAt  time.Time
}

// BlackStartDelegate is the narrow view the Decision Engine needs of the
// Black-Start FSM: just enough to express "participate in black start
// with this target power" without importing the blackstart package
// (which would create a cycle, since blackstart consults grid events
// independently of decisions).
type BlackStartDelegate struct {
	Active        bool
	TargetPowerKW float64
	Reason        string
}

// Decide selects the single applicable intent for this tick by walking
// the fixed priority list below and stopping at the first intent whose
// precondition is satisfied.
func Decide(in Input) proto.Decision {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	// 1. Safety Hold — outranks everything else.
	if in.SafetyWouldVeto {
		return decision(proto.IntentSafetyHold, 0, proto.SourceSafety, "safety would veto any non-idle action", now)
	}

	// 2. Black-Start Participation — grid is absent.
	if !in.GridPresent {
		if in.BlackStart != nil && in.BlackStart.Active {
			return decision(proto.IntentBlackStart, in.BlackStart.TargetPowerKW, sourceFor(in), in.BlackStart.Reason, now)
		}
		return decision(proto.IntentBlackStart, 0, sourceFor(in), "grid absent, awaiting black-start FSM", now)
	}

	// 3. Operator Command — a direct charge/discharge/idle dispatch that
	// hasn't expired yet.
	if in.OperatorCommand != nil && now.Before(in.OperatorCommand.ExpiresAt) {
		switch in.OperatorCommand.Kind {
		case proto.CommandCharge:
			return decision(proto.IntentOperatorCommand, in.OperatorCommand.MaxPowerKW, sourceFor(in), "operator charge command", now)
		case proto.CommandDischarge:
			return decision(proto.IntentOperatorCommand, -in.OperatorCommand.MaxPowerKW, sourceFor(in), "operator discharge command", now)
		case proto.CommandIdle:
			return decision(proto.IntentOperatorCommand, 0, sourceFor(in), "operator idle command", now)
		}
	}

	// 4. Grid Service / Demand Response.
	if in.Policy.GridServiceActive {
		return decision(proto.IntentGridService, in.Policy.MaxDischargeKW, sourceFor(in), "active grid-services event", now)
	}

	margin := in.Policy.MarginSOC
	if margin <= 0 {
		margin = defaultMargin
	}

	// 5. Peak Shaving.
	threshold := in.Policy.TriggerPercent / 100.0 * in.Policy.DemandLimitKW
	if in.Policy.DemandLimitKW > 0 && in.FacilityLoad.DemandKW > threshold && in.Telemetry.SOC > in.Profile.SOCMin+margin {
		overage := in.FacilityLoad.DemandKW - in.Policy.DemandLimitKW
		power := min(overage, in.Policy.MaxDischargeKW)
		if power > 0 {
			return decision(proto.IntentPeakShave, -power, sourceFor(in), "facility demand exceeds limit", now)
		}
	}

	// 6. Arbitrage.
	switch in.Policy.Tariff {
	case proto.TariffPeak:
		if in.Telemetry.SOC > in.Profile.SOCMin+margin {
			return decision(proto.IntentArbitrage, -in.Policy.MaxDischargeKW, sourceFor(in), "peak tariff window, discharging", now)
		}
	case proto.TariffOffPeak:
		if in.Telemetry.SOC < in.Profile.SOCMax-margin {
			return decision(proto.IntentArbitrage, in.Profile.PowerMaxKW, sourceFor(in), "off-peak tariff window, charging", now)
		}
	}

	// 7. Self-Consumption.
	if in.SolarKW > in.HouseholdKW && in.Telemetry.SOC < in.Profile.SOCMax-margin {
		surplus := in.SolarKW - in.HouseholdKW
		power := min(surplus, in.Profile.PowerMaxKW)
		return decision(proto.IntentSelfConsume, power, sourceFor(in), "solar surplus available", now)
	}

	// 8. Idle.
	return decision(proto.IntentIdle, 0, sourceFor(in), "no applicable intent", now)
}

func sourceFor(in Input) proto.DecisionSource {
	if in.Source != "" {
		return in.Source
	}
	if in.GridPresent {
		return proto.SourceCloud
	}
	return proto.SourceCached
}

func decision(intent proto.Intent, powerKW float64, source proto.DecisionSource, reason string, now time.Time) proto.Decision {
	return proto.Decision{
		Intent:        intent,
		TargetPowerKW: powerKW,
		Source:        source,
		Reason:        reason,
		GeneratedAt:   now,
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
