package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Config holds the edge controller's configuration and identity.
type Config struct {
	EdgeID       string
	SystemID     string // assigned by the cloud on provisioning
	OrgID        string // pre-provisioned at install time, carried in registration
	SiteID       string // pre-provisioned at install time, carried in registration
	Hostname     string
	SoftwareVer  string
	BrokerURL    string
	BufferPath   string
	ModbusURL    string
	LocalPort    int
	ControlHz    float64
	TelemetryHz  float64
	HeartbeatSec int
}

// LoadConfig initializes the edge configuration from the environment,
// loading or generating the persisted EdgeID under EDGE_STATE_DIR.
func LoadConfig() *Config {
	edgeID, err := getOrCreateEdgeID()
	if err != nil {
		log.Fatalf("Failed to initialize Edge ID: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v", err)
		hostname = "unknown"
	}

	systemID := getEnvOrDefault("SYSTEM_ID", edgeID)

	return &Config{
		EdgeID:       edgeID,
		SystemID:     systemID,
		OrgID:        getEnvOrDefault("ORG_ID", "default"),
		SiteID:       getEnvOrDefault("SITE_ID", ""),
		Hostname:     hostname,
		SoftwareVer:  "0.1.0",
		BrokerURL:    getEnvOrDefault("BROKER_URL", "tcp://localhost:1883"),
		BufferPath:   getEnvOrDefault("BUFFER_PATH", "/var/lib/lifo4-edge/buffer.db"),
		ModbusURL:    getEnvOrDefault("MODBUS_URL", ""),
		LocalPort:    8081,
		ControlHz:    5.0,
		TelemetryHz:  0.2,
		HeartbeatSec: 1,
	}
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getOrCreateEdgeID retrieves the existing edge id or generates a new
// one, persisting it to disk across restarts.
func getOrCreateEdgeID() (string, error) {
	configDir := getEnvOrDefault("EDGE_STATE_DIR", "/var/lib/lifo4-edge")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create state directory %s: %w", configDir, err)
	}

	idPath := filepath.Join(configDir, "edge_id")

	data, err := os.ReadFile(idPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	newID := "edge-" + uuid.NewString()
	if err := os.WriteFile(idPath, []byte(newID), 0600); err != nil {
		return "", fmt.Errorf("failed to save edge id to %s: %w", idPath, err)
	}

	return newID, nil
}
