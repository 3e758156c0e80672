package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lifo4/controlplane/internal/blackstart"
	"github.com/lifo4/controlplane/internal/bmsadapter"
	"github.com/lifo4/controlplane/internal/buffer"
	"github.com/lifo4/controlplane/internal/decision"
	"github.com/lifo4/controlplane/internal/proto"
	"github.com/lifo4/controlplane/internal/safety"
	"github.com/lifo4/controlplane/internal/streaming"
)

// Mode is the Edge Controller's own operating mode —
// distinct from proto.Mode, which is the BMS actuation mode.
type Mode string

const (
	ModeOnline     Mode = "ONLINE"
	ModeAutonomous Mode = "AUTONOMOUS"
	ModeSafe       Mode = "SAFE_MODE"
	ModeError      Mode = "ERROR"
)

// publishDeadline bounds how long the controller waits for the bus to
// accept a telemetry publish before spilling into the durable buffer —
// the control loop tick must never block on cloud I/O.
const publishDeadline = 200 * time.Millisecond

// Controller runs one control instance per physical BESS: the
// sample/normalize/decide/gate/actuate/publish/heartbeat loop. Two
// independent tickers drive it — a fast one for control decisions, a
// slow one for telemetry publication.
type Controller struct {
	cfg     *Config
	bms     bmsadapter.Adapter
	bus     streaming.Publisher
	buf     *buffer.Buffer
	fsm     *blackstart.FSM
	profile proto.SafetyProfile
	policy  proto.Policy
	latch   safety.Latch

	mu              sync.RWMutex
	mode            Mode
	lastCloudRX     time.Time
	nextSeq         int64
	facilityLoad    proto.DemandReading
	operatorCommand *decision.OperatorOverride
	grid            blackstart.GridReading

	lastHeartbeatOK int32 // atomic bool
}

// NewController wires a Controller from its dependencies. profile is the
// initial cached safety profile; it is replaced wholesale whenever a
// fresh one arrives from the cloud. A value copy under the controller's
// own mutex is used instead of an atomic pointer swap since the whole
// struct is small.
func NewController(cfg *Config, bms bmsadapter.Adapter, bus streaming.Publisher, buf *buffer.Buffer, profile proto.SafetyProfile) *Controller {
	return &Controller{
		cfg:         cfg,
		bms:         bms,
		bus:         bus,
		buf:         buf,
		fsm:         blackstart.New(cfg.SystemID, blackstart.StateStandby),
		profile:     profile,
		mode:        ModeOnline,
		lastCloudRX: time.Now(),
		grid:        blackstart.GridReading{VoltagePresent: true, FrequencyHz: blackstart.NominalFreqHz},
	}
}

// UpdateGrid replaces the cached grid reading, called whenever a fresh
// blackout/grid-restored event arrives over the bus.
func (c *Controller) UpdateGrid(g blackstart.GridReading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grid = g
}

// UpdatePolicy replaces the cached cloud policy, called whenever a fresh
// policy is received over the bus.
func (c *Controller) UpdatePolicy(p proto.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
	c.lastCloudRX = time.Now()
}

// UpdateDemand replaces the cached facility demand reading, called
// whenever a fresh meter sample arrives over the bus.
func (c *Controller) UpdateDemand(d proto.DemandReading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facilityLoad = d
}

// SetOperatorCommand caches a direct charge/discharge/idle command for
// the Decision Engine to consult until it expires.
func (c *Controller) SetOperatorCommand(o *decision.OperatorOverride) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operatorCommand = o
}

// UpdateProfile replaces the cached safety profile wholesale, called
// whenever a fresh one is pushed from provisioning or a profile edit.
func (c *Controller) UpdateProfile(p proto.SafetyProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = p
	return nil
}

// Mode returns the controller's current operating mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Run starts the control and telemetry tickers and blocks until ctx is
// cancelled.
func (c *Controller) Run(ctx context.Context) {
	controlPeriod := time.Duration(float64(time.Second) / c.cfg.ControlHz)
	telemetryPeriod := time.Duration(float64(time.Second) / c.cfg.TelemetryHz)

	controlTicker := time.NewTicker(controlPeriod)
	telemetryTicker := time.NewTicker(telemetryPeriod)
	heartbeatTicker := time.NewTicker(time.Duration(c.cfg.HeartbeatSec) * time.Second)
	defer controlTicker.Stop()
	defer telemetryTicker.Stop()
	defer heartbeatTicker.Stop()

	var lastSample proto.Telemetry
	var mu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return
		case <-controlTicker.C:
			sample, err := c.tick(ctx, controlPeriod)
			if err != nil {
				log.Printf("[controller] tick error: %v", err)
				continue
			}
			mu.Lock()
			lastSample = sample
			mu.Unlock()
		case <-telemetryTicker.C:
			mu.Lock()
			sample := lastSample
			mu.Unlock()
			if sample.SystemID == "" {
				continue
			}
			c.publishTelemetry(ctx, sample)
		case <-heartbeatTicker.C:
			c.heartbeat(ctx)
		}
	}
}

// tick performs one sample/normalize/decide/gate/actuate cycle and
// returns the telemetry sample produced, for the telemetry ticker to
// publish independently.
func (c *Controller) tick(ctx context.Context, samplePeriod time.Duration) (proto.Telemetry, error) {
	raw, err := c.bms.Sample(ctx)
	if err != nil {
		c.enterSafeMode("bms sample failed: " + err.Error())
		return proto.Telemetry{}, err
	}
	raw.SystemID = c.cfg.SystemID
	raw.MonotonicSeq = atomic.AddInt64(&c.nextSeq, 1)

	c.mu.RLock()
	profile := c.profile
	policy := c.policy
	mode := c.mode
	load := c.facilityLoad
	opCmd := c.operatorCommand
	grid := c.grid
	c.mu.RUnlock()

	ready := blackstart.Readiness{SOC: raw.SOC, MinIslandSOC: profile.SOCMin, BMSFault: mode == ModeError}
	if transition := c.fsm.Tick(grid, ready, raw.WallTS); transition != nil {
		log.Printf("[controller] black-start transition %s -> %s: %s", transition.From, transition.To, transition.Trigger)
	}

	fsmState := c.fsm.Current()
	fsmActive := fsmState != blackstart.StateStandby && fsmState != blackstart.StateNormal

	var bsDelegate *decision.BlackStartDelegate
	if fsmActive {
		bsDelegate = blackStartDelegate(fsmState, profile)
	}

	gridPresent := grid.VoltagePresent

	in := decision.Input{
		Telemetry:       raw,
		Profile:         profile,
		Policy:          policy,
		GridPresent:     gridPresent && !fsmActive,
		FacilityLoad:    load,
		OperatorCommand: opCmd,
		BlackStart:      bsDelegate,
		Source:          sourceForMode(mode),
		Now:             raw.WallTS,
	}
	desired := decision.Decide(in)

	result := safety.Enforce(desired, raw, profile, &c.latch, raw.WallTS, samplePeriod)
	if result.Verdict != safety.VerdictAllowed {
		log.Printf("[controller] safety %s: %s", result.Verdict, result.Reason)
	}

	if err := c.bms.Actuate(ctx, result.Permitted); err != nil {
		c.enterSafeMode("bms actuate failed: " + err.Error())
		return raw, err
	}

	c.reconcileMode()
	return raw, nil
}

func sourceForMode(mode Mode) proto.DecisionSource {
	if mode == ModeOnline {
		return proto.SourceCloud
	}
	return proto.SourceCached
}

// blackStartDelegate translates the FSM's current state into the small
// target the Decision Engine needs: energize the critical bus at a
// fraction of rated power while building up output, hold position once
// islanded and stable.
func blackStartDelegate(state blackstart.State, profile proto.SafetyProfile) *decision.BlackStartDelegate {
	switch state {
	case blackstart.StateEnergizing, blackstart.StateSynchronizing:
		return &decision.BlackStartDelegate{
			Active:        true,
			TargetPowerKW: -profile.PowerMaxKW * 0.2,
			Reason:        "energizing critical bus, state " + state.String(),
		}
	case blackstart.StateIslanded, blackstart.StateReconnecting:
		return &decision.BlackStartDelegate{
			Active:        true,
			TargetPowerKW: 0,
			Reason:        "islanded, holding output stable",
		}
	default:
		return nil
	}
}

// publishTelemetry offers the sample to C1 with a short deadline; on
// timeout or transport failure it spills into the durable buffer (C2)
// instead.
func (c *Controller) publishTelemetry(ctx context.Context, sample proto.Telemetry) {
	pubCtx, cancel := context.WithTimeout(ctx, publishDeadline)
	defer cancel()

	topic := fmt.Sprintf("lifo4/%s/telemetry", c.cfg.SystemID)
	if err := c.bus.Publish(pubCtx, topic, sample, streaming.AtLeastOnce); err != nil {
		data, merr := json.Marshal(sample)
		if merr != nil {
			log.Printf("[controller] telemetry marshal failed: %v", merr)
			return
		}
		if _, berr := c.buf.Append(buffer.KindTelemetry, data, time.Now()); berr != nil {
			log.Printf("[controller] telemetry buffer append failed: %v", berr)
		}
	}
}

func (c *Controller) heartbeat(ctx context.Context) {
	pubCtx, cancel := context.WithTimeout(ctx, publishDeadline)
	defer cancel()

	payload := map[string]interface{}{
		"edge_id":         c.cfg.EdgeID,
		"system_id":       c.cfg.SystemID,
		"mode":            c.Mode(),
		"version":         c.cfg.SoftwareVer,
		"control_loop_hz": c.cfg.ControlHz,
	}
	topic := fmt.Sprintf("lifo4/%s/heartbeat", c.cfg.SystemID)
	err := c.bus.Publish(pubCtx, topic, payload, streaming.AtMostOnce)
	atomic.StoreInt32(&c.lastHeartbeatOK, boolToInt32(err == nil))
}

// reconcileMode re-evaluates ONLINE vs AUTONOMOUS based on time since
// the last cloud contact. Loss of cloud contact is a
// policy-degradation event, never a safety event: it never forces
// EMERGENCY_STOP by itself.
func (c *Controller) reconcileMode() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeSafe || c.mode == ModeError {
		return
	}

	heartbeatTimeout := time.Duration(3*c.cfg.HeartbeatSec) * time.Second
	if time.Since(c.lastCloudRX) > heartbeatTimeout {
		if c.mode != ModeAutonomous {
			log.Printf("[controller] entering AUTONOMOUS: no cloud contact for %v", heartbeatTimeout)
			c.mode = ModeAutonomous
		}
		return
	}

	if c.mode == ModeAutonomous {
		size, err := c.buf.Size()
		if err == nil && size == 0 {
			log.Printf("[controller] returning to ONLINE: cloud reachable and buffer drained")
			c.mode = ModeOnline
		}
		return
	}

	c.mode = ModeOnline
}

// enterSafeMode forces SAFE_MODE: commands IDLE, keeps safety monitoring
// live (the caller continues ticking), and is logged as an audit-worthy
// transition by the caller.
func (c *Controller) enterSafeMode(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeSafe {
		log.Printf("[controller] entering SAFE_MODE: %s", reason)
	}
	c.mode = ModeSafe
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
