package bmsadapter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/lifo4/controlplane/internal/proto"
)

// SimulatorAdapter is a physics-free in-memory stand-in for a real BMS,
// used by unit tests and scenario suites. It tracks
// SOC/voltage/current/temperature and integrates actuated power into
// SOC over time rather than just recording the call it received.
type SimulatorAdapter struct {
	mu          sync.Mutex
	systemID    string
	soc         float64
	voltage     float64
	current     float64
	temperature float64
	mode        proto.Mode
	lastTick    time.Time
	capacityKWh float64

	// LastActuated records the most recent decision Actuate received,
	// for tests that assert "the simulator received a charge command".
	LastActuated proto.Decision
}

// NewSimulatorAdapter creates a simulator seeded at the given SOC and
// temperature, with a nominal 380V pack and a capacity large enough that
// test-scale power flows move SOC noticeably within seconds.
func NewSimulatorAdapter(systemID string, initialSOC, initialTemp float64) *SimulatorAdapter {
	return &SimulatorAdapter{
		systemID:    systemID,
		soc:         initialSOC,
		voltage:     380,
		temperature: initialTemp,
		mode:        proto.ModeIdle,
		lastTick:    time.Now(),
		capacityKWh: 50,
	}
}

func (s *SimulatorAdapter) Sample(ctx context.Context) (proto.Telemetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsedHours := now.Sub(s.lastTick).Hours()
	s.lastTick = now

	if s.capacityKWh > 0 {
		deltaSOC := (s.currentPowerKW() * elapsedHours / s.capacityKWh) * 100
		s.soc = clamp(s.soc+deltaSOC, 0, 100)
	}

	return proto.Telemetry{
		SystemID:    s.systemID,
		WallTS:      now,
		Mode:        s.mode,
		SOC:         s.soc,
		Voltage:     s.voltage,
		Current:     s.current,
		PowerKW:     s.currentPowerKW(),
		Temperature: s.temperature,
	}, nil
}

func (s *SimulatorAdapter) Actuate(ctx context.Context, decision proto.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.LastActuated = decision
	s.current = (decision.TargetPowerKW * 1000) / s.voltage
	switch {
	case decision.Intent == proto.IntentSafetyHold && decision.TargetPowerKW == 0:
		s.mode = proto.ModeIdle
	case decision.TargetPowerKW > 0.01:
		s.mode = proto.ModeCharging
	case decision.TargetPowerKW < -0.01:
		s.mode = proto.ModeDischarging
	default:
		s.mode = proto.ModeIdle
	}
	return nil
}

func (s *SimulatorAdapter) Close() error { return nil }

// SetTemperature lets tests force a temperature excursion (S3-style
// scenarios force SOC; temperature excursions use this).
func (s *SimulatorAdapter) SetTemperature(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = t
}

// SetSOC lets tests force an SOC value directly, as scenario S3 and S5
// require ("Force soc=19", "Force soc=20").
func (s *SimulatorAdapter) SetSOC(soc float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.soc = soc
}

// Mode returns the simulator's current reported mode.
func (s *SimulatorAdapter) Mode() proto.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *SimulatorAdapter) currentPowerKW() float64 {
	return s.current * s.voltage / 1000
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
