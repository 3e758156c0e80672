// Package bmsadapter defines the narrow interface the Edge Controller
// uses to talk to a physical BMS (Battery Management System), and two
// implementations: a real Modbus client and an in-memory simulator used
// by tests and the scenario suite in.
package bmsadapter

import (
	"context"

	"github.com/lifo4/controlplane/internal/proto"
)

// Adapter is the vendor-specific transport the Edge Controller samples
// telemetry from and actuates commands through. Implementations must be
// safe for the controller's single control-loop goroutine to call
// sequentially; no implementation here needs to be safe for concurrent
// use by multiple callers.
type Adapter interface {
	// Sample reads the current physical state and normalizes it into a
	// Telemetry Sample. MonotonicSeq is assigned by the caller, not the
	// adapter.
	Sample(ctx context.Context) (proto.Telemetry, error)

	// Actuate issues a vendor-specific command derived from a permitted
	// Decision. Implementations translate TargetPowerKW into whatever
	// register writes or protocol frames the vendor requires.
	Actuate(ctx context.Context, decision proto.Decision) error

	// Close releases any held connection.
	Close() error
}
