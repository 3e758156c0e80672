package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"hash/fnv"

	"github.com/lifo4/controlplane/cloud/observability"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements the Store interface using Redis.
type RedisStore struct {
	client *redis.Client

	// Preloaded Lua script SHAs for atomic operations
	versionedSetSHA string
	versionedGetSHA string
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	// CRITICAL: Preload all Lua scripts for atomic operations
	// This avoids sending script text over network on every call
	versionedSetSHA, err := client.ScriptLoad(ctx, versionedSetScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload versioned set script: " + err.Error())
	}

	versionedGetSHA, err := client.ScriptLoad(ctx, versionedGetScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload versioned get script: " + err.Error())
	}

	return &RedisStore{
		client:          client,
		versionedSetSHA: versionedSetSHA,
		versionedGetSHA: versionedGetSHA,
	}, nil
}

// AcquireLock attempts to acquire a distributed lock.
// It uses SET key value NX EX ttl.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	success, err := s.client.SetNX(ctx, key, ownerID, ttl).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// RenewLock extends the TTL if the lock is held by ownerID.
// It uses a Lua script to ensure atomicity.
func (s *RedisStore) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	// Lua script: if get(key) == ownerID then pexpire else report mismatch.
	// Returns: 1 success, 0 pexpire failed, -1 key missing, -2 owner mismatch.
	scriptP := `
		local val = redis.call("get", KEYS[1])
		if not val then
			return -1
		end
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return -2
		end
	`
	res, err := s.client.Eval(ctx, scriptP, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}

	if val, ok := res.(int64); ok {
		switch val {
		case 1:
			return true, nil
		case 0, -1, -2:
			return false, nil
		}
	}
	return false, errors.New("unexpected return type from lua script")
}

// ReleaseLock releases the lock if held by ownerID.
func (s *RedisStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := s.client.Eval(ctx, script, []string{key}, ownerID).Result()
	return err
}

// GetLockOwner returns current owner.
func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// --- Lease Implementation (Reuse Logic) ---

func (s *RedisStore) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.AcquireLock(ctx, key, value, ttl)
}

func (s *RedisStore) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.RenewLock(ctx, key, value, ttl)
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key string, value string) error {
	return s.ReleaseLock(ctx, key, value)
}

func (s *RedisStore) IsLeaseOwner(ctx context.Context, key string, value string) (bool, error) {
	val, err := s.GetLockOwner(ctx, key)
	if err != nil {
		return false, err
	}
	return val == value, nil
}

// IncrementEpoch increments the epoch counter for the given key.
func (s *RedisStore) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	epochKey := key + ":epoch"
	return s.client.Incr(ctx, epochKey).Result()
}

// ScanLocks returns keys matching the pattern.
func (s *RedisStore) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// --- Generic Key-Value Operations (Idempotency) ---

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil // Not found
	}
	return val, err
}

// GetIdempotencyRecord retrieves a cached idempotency response from Redis
func (s *RedisStore) GetIdempotencyRecord(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	val, err := s.client.Get(ctx, "idempotency:"+key).Result()
	if err == redis.Nil {
		return "", errors.New("not found")
	}
	return val, err
}

// SetIdempotencyRecord stores an idempotency response in Redis with TTL
func (s *RedisStore) SetIdempotencyRecord(key string, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	return s.client.Set(ctx, "idempotency:"+key, value, ttl).Err()
}

// --- Store Interface Implementation ---

func (s *RedisStore) UpsertSystem(ctx context.Context, orgID string, sys *System) error {
	sys.OrgID = orgID // Enforce binding
	data, err := json.Marshal(sys)
	if err != nil {
		return fmt.Errorf("failed to marshal system: %w", err)
	}
	key := OrgKey(orgID, ResourceSystem, sys.SystemID)
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) GetSystem(ctx context.Context, orgID string, systemID string) (*System, error) {
	key := OrgKey(orgID, ResourceSystem, systemID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Not found
		}
		return nil, err
	}
	var sys System
	if err := json.Unmarshal(data, &sys); err != nil {
		return nil, fmt.Errorf("failed to unmarshal system: %w", err)
	}
	return &sys, nil
}

func (s *RedisStore) ListSystems(ctx context.Context, orgID string) ([]*System, error) {
	match := OrgPrefix(orgID, ResourceSystem) + "*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	var systems []*System
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var sys System
		if err := json.Unmarshal(data, &sys); err == nil {
			systems = append(systems, &sys)
		}
	}
	return systems, iter.Err()
}

func (s *RedisStore) UpdateSystemHeartbeat(ctx context.Context, orgID string, systemID string, t time.Time) error {
	sys, err := s.GetSystem(ctx, orgID, systemID)
	if err != nil {
		return err
	}
	if sys == nil {
		return fmt.Errorf("system not found: %s", systemID)
	}
	sys.LastHeartbeat = t
	sys.Status = "operational"
	return s.UpsertSystem(ctx, orgID, sys)
}

// UpsertProfile, UpdateProfileStatus, GetProfile, GetProfileBySystem, and
// ListProfiles are unsupported: RedisStore backs coordination (locks,
// leader epoch, idempotency) only. Profile/System/Command records are
// durable Postgres rows (see PostgresStore) or, in dev mode, MemoryStore —
// main.go never routes profile operations through RedisStore.
func (s *RedisStore) UpsertProfile(ctx context.Context, orgID string, p *SafetyProfileRecord) error {
	p.OrgID = orgID
	return errors.New("RedisStore: profile storage unsupported, use PostgresStore")
}

func (s *RedisStore) UpdateProfileStatus(ctx context.Context, orgID string, profileID string, status string, lastError string, lastPushed time.Time, expectedVersion int) error {
	return errors.New("RedisStore: profile storage unsupported, use PostgresStore")
}

func (s *RedisStore) GetProfile(ctx context.Context, orgID string, profileID string) (*SafetyProfileRecord, error) {
	return nil, errors.New("RedisStore: profile storage unsupported, use PostgresStore")
}

func (s *RedisStore) GetProfileBySystem(ctx context.Context, orgID string, systemID string) (*SafetyProfileRecord, error) {
	return nil, errors.New("RedisStore: profile storage unsupported, use PostgresStore")
}

func (s *RedisStore) ListProfiles(ctx context.Context, orgID string) ([]*SafetyProfileRecord, error) {
	return nil, errors.New("RedisStore: profile storage unsupported, use PostgresStore")
}

// ListProfilesByStatus returns all profiles with the given status, filtered by shard.
func (s *RedisStore) ListProfilesByStatus(ctx context.Context, status string, shardIndex int, shardCount int) ([]*SafetyProfileRecord, error) {
	if shardCount <= 0 {
		return nil, errors.New("shardCount must be > 0")
	}

	// Global scan of all org-scoped profiles: lifo4:orgs:*:profiles:*
	match := "lifo4:orgs:*:profiles:*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	var profiles []*SafetyProfileRecord

	for iter.Next(ctx) {
		key := iter.Val()
		// Format: lifo4:orgs:{orgID}:profiles:{profileID}
		parts := strings.Split(key, ":")
		if len(parts) < 5 {
			continue
		}
		profileID := parts[4]

		h := fnv.New32a()
		h.Write([]byte(profileID))
		if int(h.Sum32())%shardCount != shardIndex {
			continue // Skip if not owned by this shard
		}

		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			log.Printf("ListProfilesByStatus: Failed to get profile %s: %v", profileID, err)
			continue
		}
		var p SafetyProfileRecord
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}

		if p.Status == status {
			profiles = append(profiles, &p)
		}
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan profiles: %w", err)
	}

	return profiles, nil
}

func (s *RedisStore) CountProfilesByStatus(ctx context.Context, orgID string, status string) (int, error) {
	match := OrgPrefix(orgID, ResourceProfile) + "*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	count := 0
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var p SafetyProfileRecord
		if err := json.Unmarshal(val, &p); err != nil {
			continue
		}
		if p.Status == status {
			count++
		}
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *RedisStore) CreateCommand(ctx context.Context, orgID string, c *CommandRecord) error {
	c.OrgID = orgID
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	key := OrgKey(orgID, ResourceCommand, c.CommandID)
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) UpdateCommandStatus(ctx context.Context, orgID string, commandID string, status string, failReason string) error {
	c, err := s.GetCommand(ctx, orgID, commandID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("command not found: %s", commandID)
	}
	c.Status = status
	c.FailReason = failReason
	return s.CreateCommand(ctx, orgID, c) // Reuse Set
}

func (s *RedisStore) GetCommand(ctx context.Context, orgID string, commandID string) (*CommandRecord, error) {
	key := OrgKey(orgID, ResourceCommand, commandID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var c CommandRecord
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return &c, nil
}

func (s *RedisStore) ListCommands(ctx context.Context, orgID string, systemID string, limit int) ([]*CommandRecord, error) {
	match := OrgPrefix(orgID, ResourceCommand) + "*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	var commands []*CommandRecord
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var c CommandRecord
		if err := json.Unmarshal(data, &c); err == nil {
			if c.SystemID == systemID {
				commands = append(commands, &c)
			}
		}
		if limit > 0 && len(commands) >= limit {
			break
		}
	}
	return commands, iter.Err()
}

func (s *RedisStore) ListCommandsByOrg(ctx context.Context, orgID string, limit int) ([]*CommandRecord, error) {
	match := OrgPrefix(orgID, ResourceCommand) + "*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	var commands []*CommandRecord
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var c CommandRecord
		if err := json.Unmarshal(data, &c); err == nil {
			commands = append(commands, &c)
		}
		if limit > 0 && len(commands) >= limit {
			break
		}
	}
	return commands, iter.Err()
}

func (s *RedisStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	// Re-route to IncrementEpoch (legacy name)
	return s.IncrementEpoch(ctx, resourceID)
}

func (s *RedisStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	val, err := s.client.Get(ctx, resourceID+":epoch").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

func (s *RedisStore) SetIdempotencyRecordNX(key string, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := s.client.SetNX(ctx, "idempotency:"+key, value, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("key exists")
	}
	return nil
}
