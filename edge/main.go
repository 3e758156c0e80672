package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lifo4/controlplane/internal/bmsadapter"
	"github.com/lifo4/controlplane/internal/buffer"
	"github.com/lifo4/controlplane/internal/proto"
	"github.com/lifo4/controlplane/internal/streaming"
)

// defaultProfile is the conservative fail-safe envelope used until the
// cloud pushes a real safety profile for this system: an edge
// controller that has never received a profile must not actuate
// anything, approximated here by keeping PowerMaxKW at 0 and widening
// once a real profile lands.
var defaultProfile = proto.SafetyProfile{
	SOCMin:              10,
	SOCMax:              95,
	TempMin:             0,
	TempMax:             45,
	TempCritical:        60,
	VoltageMin:          300,
	VoltageMax:          450,
	CurrentMaxCharge:    0,
	CurrentMaxDischarge: 0,
	PowerMaxKW:          0,
}

func main() {
	cfg := LoadConfig()
	log.Printf("Edge controller starting. Edge ID: %s, System ID: %s", cfg.EdgeID, cfg.SystemID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	buf, err := buffer.Open(cfg.BufferPath, 100_000)
	if err != nil {
		log.Fatalf("Failed to open durable buffer: %v", err)
	}
	defer buf.Close()

	bms, err := newAdapter(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize BMS adapter: %v", err)
	}
	defer bms.Close()

	bus, err := newBus(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize message bus: %v", err)
	}
	defer bus.Close()

	registerWithCloud(ctx, bus, cfg)

	ctrl := NewController(cfg, bms, bus, buf, defaultProfile)

	if err := subscribeCommandIntake(ctx, bus, cfg.EdgeID, cfg.SystemID, ctrl); err != nil {
		log.Fatalf("Failed to subscribe to command intake: %v", err)
	}

	verifier, err := otaVerifier()
	if err != nil {
		log.Fatalf("Failed to initialize OTA verifier: %v", err)
	}
	if err := subscribeOTA(bus, cfg.SystemID, verifier); err != nil {
		log.Fatalf("Failed to subscribe to OTA updates: %v", err)
	}

	server := NewServer(cfg, ctrl)
	go func() {
		if err := server.Start(); err != nil {
			log.Printf("Local HTTP server failed: %v", err)
		}
	}()

	ctrl.Run(ctx)
	log.Println("Edge controller shutting down.")
}

// newAdapter selects a Modbus adapter when MODBUS_URL is configured,
// falling back to the in-memory simulator for development and test
// environments.
func newAdapter(cfg *Config) (bmsadapter.Adapter, error) {
	if cfg.ModbusURL == "" {
		log.Println("MODBUS_URL not set, using simulator BMS adapter")
		return bmsadapter.NewSimulatorAdapter(cfg.SystemID, 50, 25), nil
	}

	regs := bmsadapter.RegisterMap{
		SOC:           0,
		Voltage:       1,
		Current:       2,
		Temperature:   3,
		PowerSetpoint: 4,
		ModeSetpoint:  5,
	}
	return bmsadapter.DialModbusTCP(cfg.ModbusURL, 1, regs, cfg.SystemID)
}

// newBus selects the MQTT transport, or an in-process MemoryBus when
// EDGE_BUS_MODE=memory (single-binary dev mode and integration tests).
func newBus(ctx context.Context, cfg *Config) (streaming.Bus, error) {
	if getEnvOrDefault("EDGE_BUS_MODE", "mqtt") == "memory" {
		return streaming.NewMemoryBus(1000), nil
	}

	bus := streaming.NewMQTTBus(cfg.BrokerURL, "edge-"+cfg.EdgeID)
	bus.SetWill("lifo4/"+cfg.SystemID+"/status", map[string]string{"state": "OFFLINE"}, streaming.AtLeastOnce)
	if err := bus.Connect(ctx); err != nil {
		return nil, err
	}
	return bus, nil
}
