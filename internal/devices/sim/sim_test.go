package sim

import (
	"context"
	"errors"
	"testing"

	"burrow/internal/resilience"
)

func TestLightOperations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLight("lamp-1", "Desk Lamp", "govee")

	if err := l.SetPower(ctx, true); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if err := l.SetBrightness(ctx, 40); err != nil {
		t.Fatalf("SetBrightness: %v", err)
	}
	if err := l.SetColor(ctx, "#ff8800"); err != nil {
		t.Fatalf("SetColor: %v", err)
	}
	if err := l.SetColorTemp(ctx, 2700); err != nil {
		t.Fatalf("SetColorTemp: %v", err)
	}

	st := l.StateDict()
	if st["power"] != "on" || st["brightness"] != 40 || st["color"] != "#ff8800" || st["color_temp"] != 2700 {
		t.Fatalf("state = %v", st)
	}
}

func TestLightValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLight("lamp-1", "Desk Lamp", "govee")

	tests := []struct {
		name string
		call func() error
	}{
		{"brightness too high", func() error { return l.SetBrightness(ctx, 101) }},
		{"brightness negative", func() error { return l.SetBrightness(ctx, -1) }},
		{"bad color", func() error { return l.SetColor(ctx, "red") }},
		{"temp too low", func() error { return l.SetColorTemp(ctx, 100) }},
	}
	for _, tt := range tests {
		err := tt.call()
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if !resilience.IsNoRetry(err) {
			t.Errorf("%s: validation errors must be non-retryable, got %v", tt.name, err)
		}
	}
}

func TestInjectedFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("cloud unreachable")

	lk := NewLock("door-1", "Front Door", "august")
	lk.SetFailure(boom)

	if err := lk.Lock(ctx); !errors.Is(err, boom) {
		t.Fatalf("Lock = %v, want injected failure", err)
	}
	if err := lk.Refresh(ctx); !errors.Is(err, boom) {
		t.Fatalf("Refresh = %v, want injected failure", err)
	}

	lk.SetFailure(nil)
	if err := lk.Lock(ctx); err != nil {
		t.Fatalf("Lock after recovery: %v", err)
	}
	if got := lk.StateDict()["locked"]; got != true {
		t.Fatalf("locked = %v", got)
	}
}

func TestVacuumLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v := NewVacuum("vac-1", "Roomba", "irobot")

	steps := []struct {
		call func(context.Context) error
		want string
	}{
		{v.StartCleaning, "cleaning"},
		{v.StopCleaning, "idle"},
		{v.ReturnToDock, "docked"},
	}
	for _, s := range steps {
		if err := s.call(ctx); err != nil {
			t.Fatalf("step -> %s: %v", s.want, err)
		}
		if got := v.StateDict()["activity"]; got != s.want {
			t.Fatalf("activity = %v, want %s", got, s.want)
		}
	}
}

func TestNewByType(t *testing.T) {
	t.Parallel()
	for _, typ := range []string{"light", "plug", "lock", "vacuum"} {
		d, err := New(typ, "id-1", "Name", "svc")
		if err != nil {
			t.Fatalf("New(%s): %v", typ, err)
		}
		if d.Type() != typ {
			t.Fatalf("Type = %s, want %s", d.Type(), typ)
		}
	}
	if _, err := New("toaster", "id", "n", "s"); err == nil {
		t.Fatal("unsupported type should fail")
	}
}
