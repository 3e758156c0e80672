package store

import (
	"time"
)

// System represents a provisioned BESS the coordinator tracks.
type System struct {
	SystemID      string            `json:"system_id" db:"system_id"`
	OrgID         string            `json:"org_id" db:"org_id"` // Multi-tenancy
	EdgeID        string            `json:"edge_id" db:"edge_id"`
	SiteID        string            `json:"site_id" db:"site_id"`
	Hostname      string            `json:"hostname" db:"hostname"`
	IPAddress     string            `json:"ip_address" db:"ip_address"`
	Version       string            `json:"version" db:"version"`
	Status        string            `json:"status" db:"status"` // "operational", "offline", "quarantined"
	LastHeartbeat time.Time         `json:"last_heartbeat" db:"last_heartbeat_at"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
	Metadata      map[string]string `json:"metadata" db:"metadata"` // JSONB in Postgres
	Port          int               `json:"port" db:"port"`
	Tier          string            `json:"tier" db:"tier"` // "standard", "premium", "dedicated"
}

// CommandRecord is the history of an operator- or scheduler-issued
// command dispatched to a system, including its outcome.
type CommandRecord struct {
	CommandID  string     `json:"command_id" db:"command_id"`
	SystemID   string     `json:"system_id" db:"system_id"`
	OrgID      string     `json:"org_id" db:"org_id"` // Multi-tenancy
	ProfileID  string     `json:"profile_id" db:"profile_id"`
	Kind       string     `json:"kind" db:"kind"`
	ParamsJSON string     `json:"params_json" db:"params_json"`
	Status     string     `json:"status" db:"status"` // "queued", "dispatched", "acked", "failed", "expired"
	IssuedBy   string      `json:"issued_by" db:"issued_by"`
	FailReason string     `json:"fail_reason" db:"fail_reason"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at" db:"dispatched_at"`
	AckedAt    *time.Time `json:"acked_at" db:"acked_at"`
	TraceID    string     `json:"trace_id" db:"trace_id"`
}

// SafetyProfileRecord is a versioned Safety-Limit Profile assigned to a
// system; Version is the optimistic-concurrency token for cloud/edge
// reconciliation.
type SafetyProfileRecord struct {
	ProfileID           string    `json:"profile_id" db:"profile_id"`
	SystemID            string    `json:"system_id" db:"system_id"`
	OrgID               string    `json:"org_id" db:"org_id"` // Multi-tenancy
	SOCMin              float64   `json:"soc_min" db:"soc_min"`
	SOCMax              float64   `json:"soc_max" db:"soc_max"`
	TempMin             float64   `json:"temp_min" db:"temp_min"`
	TempMax             float64   `json:"temp_max" db:"temp_max"`
	TempCritical        float64   `json:"temp_critical" db:"temp_critical"`
	VoltageMin          float64   `json:"voltage_min" db:"voltage_min"`
	VoltageMax          float64   `json:"voltage_max" db:"voltage_max"`
	CurrentMaxCharge    float64   `json:"current_max_charge" db:"current_max_charge"`
	CurrentMaxDischarge float64   `json:"current_max_discharge" db:"current_max_discharge"`
	PowerMaxKW          float64   `json:"power_max_kw" db:"power_max_kw"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
	Version             int       `json:"version" db:"version"`
	Status              string    `json:"status" db:"status"` // "synced", "pending_push", "rejected"
	LastPushed          time.Time `json:"last_pushed" db:"last_pushed"`
	LastError           string    `json:"last_error" db:"last_error"`
}

// TimelineEvent represents an audit log entry attached to a command or
// a system-level occurrence (alarm raised, FSM transition, profile
// push).
type TimelineEvent struct {
	EventID   string            `json:"event_id" db:"event_id"`
	CommandID string            `json:"command_id" db:"command_id"`
	SystemID  string            `json:"system_id" db:"system_id"`
	ReqID     string            `json:"req_id" db:"req_id"`
	Stage     string            `json:"stage" db:"stage"`
	Timestamp time.Time         `json:"timestamp" db:"timestamp"`
	Metadata  map[string]string `json:"metadata" db:"metadata"`
}
