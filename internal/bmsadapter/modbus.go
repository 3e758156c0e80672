package bmsadapter

import (
	"context"
	"fmt"
	"time"

	modbus "github.com/simonvetter/modbus"

	"github.com/lifo4/controlplane/internal/proto"
)

// RegisterMap describes the Modbus input/holding register layout for a
// BMS profile. Register addresses are vendor configuration, not
// protocol constants; they are passed in rather than hardcoded so a
// different BMS profile can be wired without code changes.
type RegisterMap struct {
	SOC             uint16
	Voltage         uint16
	Current         uint16
	Temperature     uint16
	PowerSetpoint   uint16 // holding register written on Actuate
	ModeSetpoint    uint16 // holding register written on Actuate
}

// ModbusAdapter talks to a BMS over Modbus TCP or RTU via
// simonvetter/modbus, the transport named explicitly in.
type ModbusAdapter struct {
	client   *modbus.ModbusClient
	systemID string
	unitID   uint8
	regs     RegisterMap
}

// DialModbusTCP connects to a BMS reachable at url (e.g.
// "tcp://10.0.0.5:502").
func DialModbusTCP(url string, unitID uint8, regs RegisterMap, systemID string) (*ModbusAdapter, error) {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     url,
		Timeout: 2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("bmsadapter: modbus client configuration: %w", err)
	}
	if err := client.Open(); err != nil {
		return nil, fmt.Errorf("bmsadapter: modbus open %q: %w", url, err)
	}
	client.SetUnitId(unitID)

	return &ModbusAdapter{client: client, systemID: systemID, unitID: unitID, regs: regs}, nil
}

func (a *ModbusAdapter) Sample(ctx context.Context) (proto.Telemetry, error) {
	soc, err := a.readScaledRegister(a.regs.SOC, 0.1)
	if err != nil {
		return proto.Telemetry{}, fmt.Errorf("bmsadapter: read soc: %w", err)
	}
	voltage, err := a.readScaledRegister(a.regs.Voltage, 0.1)
	if err != nil {
		return proto.Telemetry{}, fmt.Errorf("bmsadapter: read voltage: %w", err)
	}
	current, err := a.readScaledRegister(a.regs.Current, 0.1)
	if err != nil {
		return proto.Telemetry{}, fmt.Errorf("bmsadapter: read current: %w", err)
	}
	temperature, err := a.readScaledRegister(a.regs.Temperature, 0.1)
	if err != nil {
		return proto.Telemetry{}, fmt.Errorf("bmsadapter: read temperature: %w", err)
	}

	return proto.Telemetry{
		SystemID:    a.systemID,
		WallTS:      time.Now(),
		Mode:        modeFromPower(current * voltage / 1000),
		SOC:         soc,
		Voltage:     voltage,
		Current:     current,
		PowerKW:     current * voltage / 1000,
		Temperature: temperature,
	}, nil
}

func (a *ModbusAdapter) readScaledRegister(addr uint16, scale float64) (float64, error) {
	raw, err := a.client.ReadRegister(addr, modbus.HOLDING_REGISTER)
	if err != nil {
		return 0, err
	}
	return float64(raw) * scale, nil
}

func (a *ModbusAdapter) Actuate(ctx context.Context, decision proto.Decision) error {
	// Scale kW to the vendor's register units (tenths of kW), matching
	// the 0.1 scale used when sampling.
	setpoint := uint16(int32(decision.TargetPowerKW * 10))
	if err := a.client.WriteRegister(a.regs.PowerSetpoint, setpoint); err != nil {
		return fmt.Errorf("bmsadapter: write power setpoint: %w", err)
	}
	return nil
}

func (a *ModbusAdapter) Close() error {
	a.client.Close()
	return nil
}

func modeFromPower(powerKW float64) proto.Mode {
	switch {
	case powerKW > 0.01:
		return proto.ModeCharging
	case powerKW < -0.01:
		return proto.ModeDischarging
	default:
		return proto.ModeIdle
	}
}
