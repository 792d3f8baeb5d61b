// Package sim provides in-process simulated devices. They back local setups
// without vendor credentials and give the scheduler and health monitor a real
// capability surface to exercise in tests.
package sim

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"burrow/internal/devices"
	"burrow/internal/resilience"
)

var hexColorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

type base struct {
	id      string
	name    string
	service string
	typ     string

	mu    sync.Mutex
	state map[string]any

	// failWith, when non-nil, makes every operation fail. Tests and the
	// `sim` CLI toggle use it to exercise breaker and health paths.
	failWith error
}

func (b *base) ID() string      { return b.id }
func (b *base) Name() string    { return b.name }
func (b *base) Service() string { return b.service }
func (b *base) Type() string    { return b.typ }

func (b *base) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failWith
}

func (b *base) StateDict() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]any, len(b.state))
	for k, v := range b.state {
		out[k] = v
	}
	return out
}

// SetFailure makes all subsequent operations return err; nil restores normal
// behavior.
func (b *base) SetFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWith = err
}

func (b *base) set(ctx context.Context, key string, val any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.state[key] = val
	return nil
}

// Light simulates a color-capable dimmable bulb.
type Light struct{ base }

func NewLight(id, name, service string) *Light {
	return &Light{base{
		id: id, name: name, service: service, typ: "light",
		state: map[string]any{"power": "off", "brightness": 100},
	}}
}

func (l *Light) SetPower(ctx context.Context, on bool) error {
	v := "off"
	if on {
		v = "on"
	}
	return l.set(ctx, "power", v)
}

func (l *Light) SetBrightness(ctx context.Context, level int) error {
	if level < 0 || level > 100 {
		return resilience.NoRetry(fmt.Errorf("brightness %d out of range 0..100", level))
	}
	return l.set(ctx, "brightness", level)
}

func (l *Light) SetColor(ctx context.Context, hex string) error {
	if !hexColorRe.MatchString(hex) {
		return resilience.NoRetry(fmt.Errorf("invalid color %q", hex))
	}
	return l.set(ctx, "color", hex)
}

func (l *Light) SetColorTemp(ctx context.Context, kelvin int) error {
	if kelvin < 2000 || kelvin > 9000 {
		return resilience.NoRetry(fmt.Errorf("color temperature %dK out of range 2000..9000", kelvin))
	}
	return l.set(ctx, "color_temp", kelvin)
}

// Plug simulates a smart plug: power only.
type Plug struct{ base }

func NewPlug(id, name, service string) *Plug {
	return &Plug{base{
		id: id, name: name, service: service, typ: "plug",
		state: map[string]any{"power": "off"},
	}}
}

func (p *Plug) SetPower(ctx context.Context, on bool) error {
	v := "off"
	if on {
		v = "on"
	}
	return p.set(ctx, "power", v)
}

// Lock simulates a door lock.
type Lock struct{ base }

func NewLock(id, name, service string) *Lock {
	return &Lock{base{
		id: id, name: name, service: service, typ: "lock",
		state: map[string]any{"locked": false},
	}}
}

func (l *Lock) Lock(ctx context.Context) error   { return l.set(ctx, "locked", true) }
func (l *Lock) Unlock(ctx context.Context) error { return l.set(ctx, "locked", false) }

// Vacuum simulates a robot vacuum.
type Vacuum struct{ base }

func NewVacuum(id, name, service string) *Vacuum {
	return &Vacuum{base{
		id: id, name: name, service: service, typ: "vacuum",
		state: map[string]any{"activity": "docked"},
	}}
}

func (v *Vacuum) StartCleaning(ctx context.Context) error { return v.set(ctx, "activity", "cleaning") }
func (v *Vacuum) StopCleaning(ctx context.Context) error  { return v.set(ctx, "activity", "idle") }
func (v *Vacuum) ReturnToDock(ctx context.Context) error  { return v.set(ctx, "activity", "docked") }

// New builds a simulated device of the given type, or an error for an
// unsupported type.
func New(typ, id, name, service string) (devices.Device, error) {
	switch typ {
	case "light":
		return NewLight(id, name, service), nil
	case "plug":
		return NewPlug(id, name, service), nil
	case "lock":
		return NewLock(id, name, service), nil
	case "vacuum":
		return NewVacuum(id, name, service), nil
	default:
		return nil, fmt.Errorf("unsupported device type %q", typ)
	}
}
