// Package proto holds the wire types shared by the cloud coordinator and
// the edge controller: everything that crosses the message bus or the REST
// boundary. Keeping one definition here means both binaries decode the same
// struct instead of drifting JSON tags apart.
package proto

import "time"

// ProvisioningStatus is the lifecycle state of a System record.
type ProvisioningStatus string

const (
	StatusUnregistered ProvisioningStatus = "UNREGISTERED"
	StatusProvisioning ProvisioningStatus = "PROVISIONING"
	StatusOperational  ProvisioningStatus = "OPERATIONAL"
	StatusQuarantined  ProvisioningStatus = "QUARANTINED"
)

// Mode is the operating mode reported in telemetry and commanded by
// decisions.
type Mode string

const (
	ModeIdle          Mode = "IDLE"
	ModeCharging      Mode = "CHARGING"
	ModeDischarging   Mode = "DISCHARGING"
	ModeStandby       Mode = "STANDBY"
	ModeEmergencyStop Mode = "EMERGENCY_STOP"
)

// System is the cloud's authoritative record of a provisioned BESS.
// Owned by the Cloud Coordinator; the edge keeps only a cached, non
// authoritative copy of the fields it needs for local decisions.
type System struct {
	SystemID       string             `json:"system_id"`
	EdgeID         string             `json:"edge_id"`
	OrganizationID string             `json:"organization_id"`
	SiteID         string             `json:"site_id"`
	Status         ProvisioningStatus `json:"status"`
	SoftwareVer    string             `json:"software_version"`
	LastSeen       time.Time          `json:"last_seen"`
	Profile        SafetyProfile      `json:"safety_profile"`
	CreatedAt      time.Time          `json:"created_at"`
}

// SafetyProfile holds the hard physical envelope for one system.
// soc_min < soc_max, temp_min < temp_max < temp_critical, all currents
// positive — enforced by Validate.
type SafetyProfile struct {
	SOCMin              float64 `json:"soc_min"`
	SOCMax              float64 `json:"soc_max"`
	TempMin             float64 `json:"temp_min"`
	TempMax             float64 `json:"temp_max"`
	TempCritical        float64 `json:"temp_critical"`
	VoltageMin          float64 `json:"voltage_min"`
	VoltageMax          float64 `json:"voltage_max"`
	CurrentMaxCharge    float64 `json:"current_max_charge"`
	CurrentMaxDischarge float64 `json:"current_max_discharge"`
	PowerMaxKW          float64 `json:"power_max_kw"`
}

// Validate checks the invariants requires of a Safety-Limit
// Profile before it is accepted for a system.
func (p SafetyProfile) Validate() error {
	switch {
	case p.SOCMin >= p.SOCMax:
		return errInvalidProfile("soc_min must be < soc_max")
	case !(p.TempMin < p.TempMax && p.TempMax < p.TempCritical):
		return errInvalidProfile("temp_min < temp_max < temp_critical required")
	case p.CurrentMaxCharge <= 0 || p.CurrentMaxDischarge <= 0:
		return errInvalidProfile("currents must be positive")
	}
	return nil
}

type errInvalidProfile string

func (e errInvalidProfile) Error() string { return "invalid safety profile: " + string(e) }

// CellBreakdown is the optional per-cell detail attached to a telemetry
// sample when the BMS adapter exposes it.
type CellBreakdown struct {
	CellVoltages    []float64 `json:"cell_voltages,omitempty"`
	CellTemperature []float64 `json:"cell_temperatures,omitempty"`
}

// Telemetry is one sample of a system's physical state. MonotonicSeq is
// strictly increasing per system; the cloud deduplicates on
// (SystemID, MonotonicSeq).
type Telemetry struct {
	SystemID     string         `json:"system_id"`
	MonotonicSeq int64          `json:"monotonic_seq"`
	WallTS       time.Time      `json:"wall_ts"`
	Mode         Mode           `json:"mode"`
	SOC          float64        `json:"soc"`
	Voltage      float64        `json:"voltage"`
	Current      float64        `json:"current"`
	PowerKW      float64        `json:"power_kw"`
	Temperature  float64        `json:"temperature"`
	Cells        *CellBreakdown `json:"cell_breakdown,omitempty"`
}

// CommandKind enumerates the actuation kinds a Command may carry.
type CommandKind string

const (
	CommandCharge        CommandKind = "charge"
	CommandDischarge     CommandKind = "discharge"
	CommandIdle          CommandKind = "idle"
	CommandEmergencyStop CommandKind = "emergency_stop"
	CommandSetMode       CommandKind = "set_mode"
)

// CommandParams are the kind-specific parameters of a Command. Only the
// fields relevant to Kind are populated; zero values are "not specified".
type CommandParams struct {
	TargetSOC  float64 `json:"target_soc,omitempty"`
	MaxPowerKW float64 `json:"max_power_kw,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Mode       Mode    `json:"mode,omitempty"`
}

// Command is accepted at most once: idempotency is keyed on CommandID.
type Command struct {
	CommandID string        `json:"command_id"`
	SystemID  string        `json:"system_id"`
	Kind      CommandKind   `json:"kind"`
	Params    CommandParams `json:"params"`
	IssuedBy  string        `json:"issued_by"`
	IssuedAt  time.Time     `json:"issued_at"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the command's TTL has elapsed relative to now.
func (c Command) Expired(now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return now.After(c.IssuedAt.Add(c.TTL))
}

// Intent is the decision output of the Decision Engine's priority list.
type Intent string

const (
	IntentOperatorCommand Intent = "OPERATOR_COMMAND"
	IntentGridService     Intent = "GRID_SERVICE"
	IntentPeakShave       Intent = "PEAK_SHAVE"
	IntentArbitrage       Intent = "ARBITRAGE"
	IntentSelfConsume     Intent = "SELF_CONSUME"
	IntentIdle            Intent = "IDLE"
	IntentSafetyHold      Intent = "SAFETY_HOLD"
	IntentBlackStart      Intent = "BLACK_START"
)

// DecisionSource records which layer produced a Decision.
type DecisionSource string

const (
	SourceCloud  DecisionSource = "CLOUD"
	SourceCached DecisionSource = "CACHED"
	SourceLocal  DecisionSource = "LOCAL"
	SourceSafety DecisionSource = "SAFETY"
)

// Decision is the output of the Decision Engine (C5), before the Safety
// Manager (C4) gates it.
type Decision struct {
	Intent        Intent         `json:"intent"`
	TargetPowerKW float64        `json:"target_power_kw"`
	Source        DecisionSource `json:"source"`
	Reason        string         `json:"reason"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// AlarmSeverity is the severity tier of an Alarm.
type AlarmSeverity string

const (
	SeverityP1 AlarmSeverity = "P1"
	SeverityP2 AlarmSeverity = "P2"
	SeverityP3 AlarmSeverity = "P3"
	SeverityP4 AlarmSeverity = "P4"
)

// Alarm is a raised (and eventually cleared) operational condition.
type Alarm struct {
	AlarmID   string        `json:"alarm_id"`
	SystemID  string        `json:"system_id"`
	Severity  AlarmSeverity `json:"severity"`
	Kind      string        `json:"kind"`
	Message   string        `json:"message"`
	RaisedAt  time.Time     `json:"raised_at"`
	ClearedAt *time.Time    `json:"cleared_at,omitempty"`
	Active    bool          `json:"active"`
}

// AuditEvent is an append-only, immutable record of a command accepted, a
// decision applied, a safety override, an FSM transition, or a
// provisioning outcome.
type AuditEvent struct {
	EventID    string    `json:"event_id"`
	SystemID   string    `json:"system_id"`
	Seq        int64     `json:"seq"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail"`
	PreState   string    `json:"pre_state,omitempty"`
	PostState  string    `json:"post_state,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TariffWindow is the opaque tariff state the Decision Engine treats as
// external input, supplied by whatever pricing feed the deployment wires up.
type TariffWindow string

const (
	TariffOffPeak      TariffWindow = "OFF_PEAK"
	TariffIntermediate TariffWindow = "INTERMEDIATE"
	TariffPeak         TariffWindow = "PEAK"
)

// Policy is the cached cloud policy an edge controller decides against:
// the tariff window, grid-services event state, facility demand limits,
// and local solar/load readings it needs to evaluate the priority list.
type Policy struct {
	Tariff            TariffWindow `json:"tariff"`
	GridServiceActive bool         `json:"grid_service_active"`
	DemandLimitKW     float64      `json:"demand_limit_kw"`
	TriggerPercent    float64      `json:"trigger_percent"`
	MarginSOC         float64      `json:"margin_soc"`
	MaxDischargeKW    float64      `json:"max_discharge_kw"`
	FetchedAt         time.Time    `json:"fetched_at"`
}

// GridEvent reports a transition in grid presence, the input that drives
// the Black-Start FSM (C7).
type GridEvent struct {
	SystemID     string    `json:"system_id"`
	Event        string    `json:"event"` // BLACKOUT | GRID_RESTORED
	GridVoltage  float64   `json:"grid_voltage"`
	GridFreqHz   float64   `json:"grid_frequency"`
	Timestamp    time.Time `json:"timestamp"`
}

// DemandReading reports facility demand, consumed by the peak-shaving
// predicate in the Decision Engine.
type DemandReading struct {
	SystemID  string    `json:"system_id"`
	DemandKW  float64   `json:"demand_kw"`
	Timestamp time.Time `json:"timestamp"`
}
