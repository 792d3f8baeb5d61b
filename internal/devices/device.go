// Package devices defines the capability model the scheduler dispatches
// against, the process-wide device registry, and a bounded worker pool for
// offloading blocking vendor SDK calls.
package devices

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a device id is unknown.
var ErrNotFound = errors.New("device not found")

// CapabilityError is the typed validation failure raised when a device does
// not implement the capability an action needs. It is a dispatch-time check,
// never a crash at call time.
type CapabilityError struct {
	DeviceID   string
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("device %s does not support %s", e.DeviceID, e.Capability)
}

// Device is the minimal surface every adapter exposes. Action capabilities
// are separate interfaces so the dispatcher can match them explicitly.
type Device interface {
	ID() string
	Name() string
	// Service names the external vendor API this device talks to. Devices of
	// the same service share one circuit breaker and one rate limit bucket.
	Service() string
	Type() string

	// Refresh polls the device; the health monitor uses it as its liveness
	// probe.
	Refresh(ctx context.Context) error

	// StateDict returns an opaque snapshot of the current known state, used
	// for before/after audit records.
	StateDict() map[string]any
}

// Switchable devices support power control.
type Switchable interface {
	SetPower(ctx context.Context, on bool) error
}

// Dimmable devices accept a brightness level from 0 to 100.
type Dimmable interface {
	SetBrightness(ctx context.Context, level int) error
}

// Colorable devices accept a hex RGB color like "#ff8800".
type Colorable interface {
	SetColor(ctx context.Context, hex string) error
}

// TempAdjustable devices accept a color temperature in kelvin.
type TempAdjustable interface {
	SetColorTemp(ctx context.Context, kelvin int) error
}

// Lockable devices support lock and unlock.
type Lockable interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// VacuumControllable devices support cleaning runs.
type VacuumControllable interface {
	StartCleaning(ctx context.Context) error
	StopCleaning(ctx context.Context) error
	ReturnToDock(ctx context.Context) error
}
