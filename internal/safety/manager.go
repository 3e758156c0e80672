// Package safety implements the Safety Manager (C4): the last stop before
// actuation. It holds no state of its own beyond the latch table and no
// I/O — enforce is a pure function of its three arguments.
package safety

import (
	"errors"
	"time"

	"github.com/lifo4/controlplane/internal/proto"
)

// ErrStaleTelemetry is returned (via Result.Vetoed) when the sample age
// exceeds the stale threshold; callers should force IDLE and alarm.
var ErrStaleTelemetry = errors.New("safety: telemetry stale")

// Verdict classifies how enforce changed the desired action.
type Verdict string

const (
	VerdictAllowed  Verdict = "ALLOWED"
	VerdictVetoed   Verdict = "VETOED"
	VerdictTrimmed  Verdict = "TRIMMED"
	VerdictEStop    Verdict = "EMERGENCY_STOP"
)

// Result is the outcome of one enforce call: the permitted action plus
// enough detail to build an audit event.
type Result struct {
	Permitted proto.Decision
	Verdict   Verdict
	Reason    string
}

// samplePeriod is used only to judge staleness (telemetry older than 2x
// this is stale); it is passed in rather than hardcoded so tests can
// use a different cadence than production's 5 Hz control loop.
const defaultSamplePeriod = 200 * time.Millisecond

// Latch holds the sticky EMERGENCY_STOP state for one system. The zero
// value is "not latched". A latch can only be cleared by ClearLatch,
// which itself requires the caller to have already confirmed a fresh
// operator command_id and that the hysteresis window has elapsed.
type Latch struct {
	Active       bool
	LatchedAt    time.Time
	SafeSinceAt  time.Time // when temperature first returned to safe range
}

// HysteresisWindow is how long temperature must stay below temp_max
// before an operator clear is honored.
const HysteresisWindow = 30 * time.Second

// Enforce evaluates desired against profile given the most recent
// telemetry sample and returns the permitted action. now and
// samplePeriod are explicit so callers (and tests) control the clock.
func Enforce(desired proto.Decision, t proto.Telemetry, profile proto.SafetyProfile, latch *Latch, now time.Time, samplePeriod time.Duration) Result {
	if samplePeriod <= 0 {
		samplePeriod = defaultSamplePeriod
	}

	if latch != nil && latch.Active {
		return Result{
			Permitted: holdDecision(proto.ModeEmergencyStop, desired, "emergency stop latched"),
			Verdict:   VerdictEStop,
			Reason:    "latched: operator clear required",
		}
	}

	if now.Sub(t.WallTS) > 2*samplePeriod {
		return Result{
			Permitted: holdDecision(proto.ModeIdle, desired, "telemetry stale"),
			Verdict:   VerdictVetoed,
			Reason:    "stale telemetry: age exceeds 2x sample period",
		}
	}

	if t.Temperature > profile.TempCritical {
		if latch != nil {
			latch.Active = true
			latch.LatchedAt = now
			latch.SafeSinceAt = time.Time{}
		}
		return Result{
			Permitted: holdDecision(proto.ModeEmergencyStop, desired, "temperature above critical"),
			Verdict:   VerdictEStop,
			Reason:    "temperature exceeds temp_critical",
		}
	}

	if t.Temperature > profile.TempMax {
		return Result{
			Permitted: holdDecision(proto.ModeIdle, desired, "temperature above max"),
			Verdict:   VerdictVetoed,
			Reason:    "temperature exceeds temp_max",
		}
	}

	if t.Voltage < profile.VoltageMin || t.Voltage > profile.VoltageMax {
		return Result{
			Permitted: holdDecision(proto.ModeIdle, desired, "voltage out of range"),
			Verdict:   VerdictVetoed,
			Reason:    "voltage outside [voltage_min, voltage_max]",
		}
	}

	switch desired.Intent {
	case proto.IntentSafetyHold:
		// Already a hold; nothing to veto.
	default:
		if t.SOC < profile.SOCMin && isDischarge(desired) {
			return Result{
				Permitted: holdDecision(proto.ModeIdle, desired, "soc below minimum"),
				Verdict:   VerdictVetoed,
				Reason:    "soc < soc_min for discharge",
			}
		}
		if t.SOC > profile.SOCMax && isCharge(desired) {
			return Result{
				Permitted: holdDecision(proto.ModeIdle, desired, "soc above maximum"),
				Verdict:   VerdictVetoed,
				Reason:    "soc > soc_max for charge",
			}
		}
	}

	if trimmed, _, ok := trimCurrent(desired, t, profile); ok {
		return Result{
			Permitted: trimmed,
			Verdict:   VerdictTrimmed,
			Reason:    "projected current trimmed to per-direction max",
		}
	}

	return Result{Permitted: desired, Verdict: VerdictAllowed, Reason: "within envelope"}
}

// ClearLatch clears an active EMERGENCY_STOP latch. The caller is
// responsible for having verified a fresh command_id; ClearLatch only
// enforces the physical precondition (hysteresis window elapsed since
// the condition returned to safe range).
func ClearLatch(latch *Latch, t proto.Telemetry, profile proto.SafetyProfile, now time.Time) error {
	if latch == nil || !latch.Active {
		return nil
	}
	if t.Temperature > profile.TempMax {
		return errors.New("safety: cannot clear latch, temperature still above temp_max")
	}
	if latch.SafeSinceAt.IsZero() {
		latch.SafeSinceAt = now
		return errors.New("safety: temperature safe but hysteresis window not yet elapsed")
	}
	if now.Sub(latch.SafeSinceAt) < HysteresisWindow {
		return errors.New("safety: hysteresis window not yet elapsed")
	}
	latch.Active = false
	latch.LatchedAt = time.Time{}
	latch.SafeSinceAt = time.Time{}
	return nil
}

func isDischarge(d proto.Decision) bool {
	return d.TargetPowerKW < 0 || d.Intent == proto.IntentPeakShave
}

func isCharge(d proto.Decision) bool {
	return d.TargetPowerKW > 0 && d.Intent != proto.IntentPeakShave
}

// trimCurrent estimates projected current from target power and voltage
// and trims target power down if it would exceed the per-direction
// current limit. Returns ok=false when no trim is needed.
func trimCurrent(d proto.Decision, t proto.Telemetry, profile proto.SafetyProfile) (proto.Decision, float64, bool) {
	if t.Voltage <= 0 {
		return d, 0, false
	}
	projectedCurrent := (d.TargetPowerKW * 1000) / t.Voltage

	var limit float64
	switch {
	case projectedCurrent > 0:
		limit = profile.CurrentMaxCharge
	case projectedCurrent < 0:
		limit = profile.CurrentMaxDischarge
	default:
		return d, 0, false
	}

	if projectedCurrent > limit || projectedCurrent < -limit {
		sign := 1.0
		if projectedCurrent < 0 {
			sign = -1.0
		}
		trimmedPower := sign * limit * t.Voltage / 1000
		trimmed := d
		trimmed.TargetPowerKW = trimmedPower
		trimmed.Reason = d.Reason + " (current-trimmed)"
		return trimmed, limit, true
	}
	return d, limit, false
}

// holdDecision builds the forced-hold Decision surfaced to the caller.
// mode distinguishes a plain safety hold (IDLE) from a latched
// EMERGENCY_STOP for callers that inspect Result.Verdict alongside it.
func holdDecision(mode proto.Mode, original proto.Decision, reason string) proto.Decision {
	return proto.Decision{
		Intent:        proto.IntentSafetyHold,
		TargetPowerKW: 0,
		Source:        proto.SourceSafety,
		Reason:        reason,
		GeneratedAt:   original.GeneratedAt,
	}
}
