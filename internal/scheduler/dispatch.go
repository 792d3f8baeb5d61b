package scheduler

import (
	"context"
	"fmt"

	"burrow/internal/devices"
)

// Action verbs the scheduler knows how to dispatch.
const (
	ActionTurnOn         = "turn_on"
	ActionTurnOff        = "turn_off"
	ActionSetBrightness  = "set_brightness"
	ActionSetColor       = "set_color"
	ActionSetTemperature = "set_temperature"
	ActionLock           = "lock"
	ActionUnlock         = "unlock"
	ActionStartVacuum    = "start_vacuum"
	ActionStopVacuum     = "stop_vacuum"
	ActionDockVacuum     = "dock_vacuum"
)

// ValidationError marks a bad request: unknown verb, missing parameter, or a
// device lacking the capability. These fail at dispatch time without touching
// the device and are never retried.
type ValidationError struct{ msg string }

func (e *ValidationError) Error() string { return e.msg }

func validationf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// KnownAction reports whether verb is a dispatchable action.
func KnownAction(verb string) bool {
	switch verb {
	case ActionTurnOn, ActionTurnOff, ActionSetBrightness, ActionSetColor,
		ActionSetTemperature, ActionLock, ActionUnlock,
		ActionStartVacuum, ActionStopVacuum, ActionDockVacuum:
		return true
	}
	return false
}

// resolve validates the verb, parameters and device capability, and returns
// the operation to run. Validation problems surface here, before any
// resilience machinery or device I/O is engaged.
func resolve(d devices.Device, verb string, params map[string]any) (func(ctx context.Context) error, error) {
	switch verb {
	case ActionTurnOn, ActionTurnOff:
		sw, ok := d.(devices.Switchable)
		if !ok {
			return nil, &devices.CapabilityError{DeviceID: d.ID(), Capability: "power control"}
		}
		on := verb == ActionTurnOn
		return func(ctx context.Context) error { return sw.SetPower(ctx, on) }, nil

	case ActionSetBrightness:
		dim, ok := d.(devices.Dimmable)
		if !ok {
			return nil, &devices.CapabilityError{DeviceID: d.ID(), Capability: "brightness"}
		}
		level, err := intParam(params, "brightness")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return dim.SetBrightness(ctx, level) }, nil

	case ActionSetColor:
		col, ok := d.(devices.Colorable)
		if !ok {
			return nil, &devices.CapabilityError{DeviceID: d.ID(), Capability: "color"}
		}
		hex, err := strParam(params, "color")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return col.SetColor(ctx, hex) }, nil

	case ActionSetTemperature:
		ta, ok := d.(devices.TempAdjustable)
		if !ok {
			return nil, &devices.CapabilityError{DeviceID: d.ID(), Capability: "color temperature"}
		}
		kelvin, err := intParam(params, "temperature")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return ta.SetColorTemp(ctx, kelvin) }, nil

	case ActionLock:
		lk, ok := d.(devices.Lockable)
		if !ok {
			return nil, &devices.CapabilityError{DeviceID: d.ID(), Capability: "locking"}
		}
		return lk.Lock, nil

	case ActionUnlock:
		lk, ok := d.(devices.Lockable)
		if !ok {
			return nil, &devices.CapabilityError{DeviceID: d.ID(), Capability: "locking"}
		}
		return lk.Unlock, nil

	case ActionStartVacuum:
		v, ok := d.(devices.VacuumControllable)
		if !ok {
			return nil, &devices.CapabilityError{DeviceID: d.ID(), Capability: "vacuum control"}
		}
		return v.StartCleaning, nil

	case ActionStopVacuum:
		v, ok := d.(devices.VacuumControllable)
		if !ok {
			return nil, &devices.CapabilityError{DeviceID: d.ID(), Capability: "vacuum control"}
		}
		return v.StopCleaning, nil

	case ActionDockVacuum:
		v, ok := d.(devices.VacuumControllable)
		if !ok {
			return nil, &devices.CapabilityError{DeviceID: d.ID(), Capability: "vacuum control"}
		}
		return v.ReturnToDock, nil
	}
	return nil, validationf("unknown action %q", verb)
}

// intParam reads a required integer parameter. JSON decoding yields float64
// for numbers, so both forms are accepted.
func intParam(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, validationf("missing required parameter %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, validationf("parameter %q must be a number", key)
	}
}

func strParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", validationf("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", validationf("parameter %q must be a string", key)
	}
	return s, nil
}
