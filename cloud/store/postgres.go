package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// Optimize pool settings for concurrent telemetry/command load.
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- System Operations ---

func (s *PostgresStore) UpsertSystem(ctx context.Context, orgID string, sys *System) error {
	sys.OrgID = orgID
	query := `
		INSERT INTO systems (system_id, org_id, edge_id, site_id, hostname, ip_address, port, version, status, last_heartbeat_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (system_id) DO UPDATE SET
			edge_id = EXCLUDED.edge_id,
			site_id = EXCLUDED.site_id,
			hostname = EXCLUDED.hostname,
			ip_address = EXCLUDED.ip_address,
			port = EXCLUDED.port,
			version = EXCLUDED.version,
			status = EXCLUDED.status,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		sys.SystemID, sys.OrgID, sys.EdgeID, sys.SiteID, sys.Hostname, sys.IPAddress, sys.Port,
		sys.Version, sys.Status, sys.LastHeartbeat, sys.Metadata,
	)
	return err
}

func (s *PostgresStore) GetSystem(ctx context.Context, orgID string, systemID string) (*System, error) {
	query := `
		SELECT system_id, org_id, edge_id, site_id, hostname, ip_address, port, version, status, last_heartbeat_at, created_at, updated_at, metadata
		FROM systems WHERE system_id = $1 AND org_id = $2
	`
	var sys System
	err := s.pool.QueryRow(ctx, query, systemID, orgID).Scan(
		&sys.SystemID, &sys.OrgID, &sys.EdgeID, &sys.SiteID, &sys.Hostname, &sys.IPAddress, &sys.Port,
		&sys.Version, &sys.Status, &sys.LastHeartbeat, &sys.CreatedAt, &sys.UpdatedAt, &sys.Metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // Return nil if not found, consistent with the Store interface
	}
	if err != nil {
		return nil, err
	}
	return &sys, nil
}

func (s *PostgresStore) ListSystems(ctx context.Context, orgID string) ([]*System, error) {
	query := `
		SELECT system_id, org_id, edge_id, site_id, hostname, ip_address, port, version, status, last_heartbeat_at, created_at, updated_at, metadata
		FROM systems WHERE org_id = $1
	`
	rows, err := s.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var systems []*System
	for rows.Next() {
		var sys System
		if err := rows.Scan(
			&sys.SystemID, &sys.OrgID, &sys.EdgeID, &sys.SiteID, &sys.Hostname, &sys.IPAddress, &sys.Port,
			&sys.Version, &sys.Status, &sys.LastHeartbeat, &sys.CreatedAt, &sys.UpdatedAt, &sys.Metadata,
		); err != nil {
			return nil, err
		}
		systems = append(systems, &sys)
	}
	return systems, nil
}

func (s *PostgresStore) UpdateSystemHeartbeat(ctx context.Context, orgID string, systemID string, t time.Time) error {
	query := `UPDATE systems SET last_heartbeat_at = $1 WHERE system_id = $2 AND org_id = $3`
	tag, err := s.pool.Exec(ctx, query, t, systemID, orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("system not found")
	}
	return nil
}

// --- Safety Profile Operations ---

func (s *PostgresStore) UpsertProfile(ctx context.Context, orgID string, p *SafetyProfileRecord) error {
	p.OrgID = orgID
	query := `
		INSERT INTO safety_profiles (profile_id, system_id, org_id, soc_min, soc_max, temp_min, temp_max, temp_critical, voltage_min, voltage_max, current_max_charge, current_max_discharge, power_max_kw, version, status, last_pushed, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		ON CONFLICT (profile_id) DO UPDATE SET
			soc_min = EXCLUDED.soc_min,
			soc_max = EXCLUDED.soc_max,
			temp_min = EXCLUDED.temp_min,
			temp_max = EXCLUDED.temp_max,
			temp_critical = EXCLUDED.temp_critical,
			voltage_min = EXCLUDED.voltage_min,
			voltage_max = EXCLUDED.voltage_max,
			current_max_charge = EXCLUDED.current_max_charge,
			current_max_discharge = EXCLUDED.current_max_discharge,
			power_max_kw = EXCLUDED.power_max_kw,
			version = EXCLUDED.version,
			status = EXCLUDED.status,
			last_pushed = EXCLUDED.last_pushed,
			last_error = EXCLUDED.last_error
	`
	_, err := s.pool.Exec(ctx, query,
		p.ProfileID, p.SystemID, p.OrgID, p.SOCMin, p.SOCMax, p.TempMin, p.TempMax, p.TempCritical,
		p.VoltageMin, p.VoltageMax, p.CurrentMaxCharge, p.CurrentMaxDischarge, p.PowerMaxKW,
		p.Version, p.Status, p.LastPushed, p.LastError,
	)
	return err
}

func (s *PostgresStore) UpdateProfileStatus(ctx context.Context, orgID string, profileID string, status string, lastError string, lastPushed time.Time, expectedVersion int) error {
	query := `
		UPDATE safety_profiles
		SET status = $2, last_error = $3, last_pushed = $4
		WHERE profile_id = $1 AND version = $5 AND org_id = $6
	`
	tag, err := s.pool.Exec(ctx, query, profileID, status, lastError, lastPushed, expectedVersion, orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("optimistic lock failure: profile version changed")
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, orgID string, profileID string) (*SafetyProfileRecord, error) {
	query := `
		SELECT profile_id, system_id, org_id, soc_min, soc_max, temp_min, temp_max, temp_critical, voltage_min, voltage_max, current_max_charge, current_max_discharge, power_max_kw, version, status, last_pushed, last_error, created_at, updated_at
		FROM safety_profiles WHERE profile_id = $1
	`
	var p SafetyProfileRecord
	err := s.pool.QueryRow(ctx, query, profileID).Scan(
		&p.ProfileID, &p.SystemID, &p.OrgID, &p.SOCMin, &p.SOCMax, &p.TempMin, &p.TempMax, &p.TempCritical,
		&p.VoltageMin, &p.VoltageMax, &p.CurrentMaxCharge, &p.CurrentMaxDischarge, &p.PowerMaxKW,
		&p.Version, &p.Status, &p.LastPushed, &p.LastError, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetProfileBySystem(ctx context.Context, orgID string, systemID string) (*SafetyProfileRecord, error) {
	query := `
		SELECT profile_id, system_id, org_id, soc_min, soc_max, temp_min, temp_max, temp_critical, voltage_min, voltage_max, current_max_charge, current_max_discharge, power_max_kw, version, created_at, updated_at
		FROM safety_profiles WHERE system_id = $1 AND org_id = $2
		ORDER BY created_at DESC LIMIT 1
	`
	var p SafetyProfileRecord
	err := s.pool.QueryRow(ctx, query, systemID, orgID).Scan(
		&p.ProfileID, &p.SystemID, &p.OrgID, &p.SOCMin, &p.SOCMax, &p.TempMin, &p.TempMax, &p.TempCritical,
		&p.VoltageMin, &p.VoltageMax, &p.CurrentMaxCharge, &p.CurrentMaxDischarge, &p.PowerMaxKW,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListProfiles(ctx context.Context, orgID string) ([]*SafetyProfileRecord, error) {
	query := `
		SELECT profile_id, system_id, org_id, soc_min, soc_max, temp_min, temp_max, temp_critical, voltage_min, voltage_max, current_max_charge, current_max_discharge, power_max_kw, version, created_at, updated_at
		FROM safety_profiles WHERE org_id = $1
	`
	rows, err := s.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*SafetyProfileRecord
	for rows.Next() {
		var p SafetyProfileRecord
		if err := rows.Scan(
			&p.ProfileID, &p.SystemID, &p.OrgID, &p.SOCMin, &p.SOCMax, &p.TempMin, &p.TempMax, &p.TempCritical,
			&p.VoltageMin, &p.VoltageMax, &p.CurrentMaxCharge, &p.CurrentMaxDischarge, &p.PowerMaxKW,
			&p.Version, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		profiles = append(profiles, &p)
	}
	return profiles, nil
}

// --- Command Operations ---

func (s *PostgresStore) CreateCommand(ctx context.Context, orgID string, c *CommandRecord) error {
	c.OrgID = orgID
	query := `
		INSERT INTO commands (command_id, system_id, org_id, profile_id, kind, params_json, status, issued_by, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		c.CommandID, c.SystemID, c.OrgID, c.ProfileID, c.Kind, c.ParamsJSON, c.Status, c.IssuedBy, c.TraceID,
	)
	return err
}

func (s *PostgresStore) UpdateCommandStatus(ctx context.Context, orgID string, commandID string, status string, failReason string) error {
	var query string
	switch status {
	case "dispatched":
		query = `UPDATE commands SET status = $2, dispatched_at = NOW() WHERE command_id = $1 AND org_id = $3`
		_, err := s.pool.Exec(ctx, query, commandID, status, orgID)
		return err
	case "acked":
		query = `UPDATE commands SET status = $2, acked_at = NOW() WHERE command_id = $1 AND org_id = $3`
		_, err := s.pool.Exec(ctx, query, commandID, status, orgID)
		return err
	case "failed", "expired":
		query = `UPDATE commands SET status = $2, fail_reason = $3 WHERE command_id = $1 AND org_id = $4`
		_, err := s.pool.Exec(ctx, query, commandID, status, failReason, orgID)
		return err
	}
	query = `UPDATE commands SET status = $2 WHERE command_id = $1 AND org_id = $3`
	_, err := s.pool.Exec(ctx, query, commandID, status, orgID)
	return err
}

func (s *PostgresStore) GetCommand(ctx context.Context, orgID string, commandID string) (*CommandRecord, error) {
	query := `
		SELECT command_id, system_id, org_id, profile_id, kind, params_json, status, issued_by, fail_reason, trace_id, created_at, dispatched_at, acked_at
		FROM commands WHERE command_id = $1 AND org_id = $2
	`
	var c CommandRecord
	err := s.pool.QueryRow(ctx, query, commandID, orgID).Scan(
		&c.CommandID, &c.SystemID, &c.OrgID, &c.ProfileID, &c.Kind, &c.ParamsJSON, &c.Status, &c.IssuedBy,
		&c.FailReason, &c.TraceID, &c.CreatedAt, &c.DispatchedAt, &c.AckedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListProfilesByStatus(ctx context.Context, status string, shardIndex int, shardCount int) ([]*SafetyProfileRecord, error) {
	var query string
	var args []interface{}

	if shardCount > 1 {
		// PostgreSQL hash sharding: hashtext(system_id) % shardCount == shardIndex,
		// matching the in-memory store's shard assignment.
		query = `
			SELECT profile_id, system_id, soc_min, soc_max, temp_min, temp_max, temp_critical, voltage_min, voltage_max, current_max_charge, current_max_discharge, power_max_kw, created_at, updated_at, status, last_error
			FROM safety_profiles
			WHERE status = $1 AND ABS(hashtext(system_id) % $2) = $3
		`
		args = []interface{}{status, shardCount, shardIndex}
	} else {
		query = `
			SELECT profile_id, system_id, soc_min, soc_max, temp_min, temp_max, temp_critical, voltage_min, voltage_max, current_max_charge, current_max_discharge, power_max_kw, created_at, updated_at, status, last_error
			FROM safety_profiles WHERE status = $1
		`
		args = []interface{}{status}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*SafetyProfileRecord
	for rows.Next() {
		var p SafetyProfileRecord
		err := rows.Scan(
			&p.ProfileID, &p.SystemID, &p.SOCMin, &p.SOCMax, &p.TempMin, &p.TempMax, &p.TempCritical,
			&p.VoltageMin, &p.VoltageMax, &p.CurrentMaxCharge, &p.CurrentMaxDischarge, &p.PowerMaxKW,
			&p.CreatedAt, &p.UpdatedAt, &p.Status, &p.LastError,
		)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, &p)
	}
	return profiles, nil
}

func (s *PostgresStore) CountProfilesByStatus(ctx context.Context, orgID string, status string) (int, error) {
	query := `SELECT COUNT(*) FROM safety_profiles WHERE org_id = $1 AND status = $2`
	var count int
	err := s.pool.QueryRow(ctx, query, orgID, status).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) ListCommands(ctx context.Context, orgID string, systemID string, limit int) ([]*CommandRecord, error) {
	query := `
		SELECT command_id, system_id, org_id, profile_id, kind, params_json, status, issued_by, fail_reason, trace_id, created_at, dispatched_at, acked_at
		FROM commands WHERE system_id = $1 ORDER BY created_at DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, systemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []*CommandRecord
	for rows.Next() {
		var c CommandRecord
		if err := rows.Scan(
			&c.CommandID, &c.SystemID, &c.OrgID, &c.ProfileID, &c.Kind, &c.ParamsJSON, &c.Status, &c.IssuedBy,
			&c.FailReason, &c.TraceID, &c.CreatedAt, &c.DispatchedAt, &c.AckedAt,
		); err != nil {
			return nil, err
		}
		commands = append(commands, &c)
	}
	return commands, nil
}

func (s *PostgresStore) ListCommandsByOrg(ctx context.Context, orgID string, limit int) ([]*CommandRecord, error) {
	query := `
		SELECT command_id, system_id, org_id, profile_id, kind, params_json, status, issued_by, fail_reason, trace_id, created_at, dispatched_at, acked_at
		FROM commands WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []*CommandRecord
	for rows.Next() {
		var c CommandRecord
		if err := rows.Scan(
			&c.CommandID, &c.SystemID, &c.OrgID, &c.ProfileID, &c.Kind, &c.ParamsJSON, &c.Status, &c.IssuedBy,
			&c.FailReason, &c.TraceID, &c.CreatedAt, &c.DispatchedAt, &c.AckedAt,
		); err != nil {
			return nil, err
		}
		commands = append(commands, &c)
	}
	return commands, nil
}

// --- Coordination Operations ---

func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	// Atomic UPSERT to increment epoch
	query := `
		INSERT INTO leader_epochs (resource_id, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE
		SET epoch = leader_epochs.epoch + 1
		RETURNING epoch
	`
	var newEpoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&newEpoch)
	if err != nil {
		return 0, err
	}
	return newEpoch, nil
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `SELECT epoch FROM leader_epochs WHERE resource_id = $1`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil // Default to 0 if not exists
	}
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

// --- Idempotency Operations ---

// GetIdempotencyRecord retrieves a cached idempotency response
// Note: Postgres is not ideal for idempotency caching (use Redis instead)
// This implementation is for completeness
func (s *PostgresStore) GetIdempotencyRecord(key string) (string, error) {
	// Not implemented in Postgres - should use Redis for idempotency
	return "", errors.New("not found")
}

// SetIdempotencyRecord stores an idempotency response
// Note: Postgres is not ideal for idempotency caching (use Redis instead)
// This implementation is for completeness
func (s *PostgresStore) SetIdempotencyRecord(key string, value string, ttl time.Duration) error {
	// Not implemented in Postgres - should use Redis for idempotency
	return nil
}

// SetIdempotencyRecordNX atomically sets idempotency record if not exists.
func (s *PostgresStore) SetIdempotencyRecordNX(key string, value string, ttl time.Duration) error {
	return nil
}
