package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"burrow/internal/devices"
	"burrow/internal/devices/sim"
	"burrow/internal/resilience"
	"burrow/internal/storage"
	logx "burrow/pkg/logx"
)

type fixture struct {
	store storage.Store
	reg   *devices.Registry
	guard *resilience.Registry
	sched *Scheduler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "burrow.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	guard := resilience.NewRegistry(map[string]resilience.Limits{
		"govee": {
			RequestsPerMinute: 6000, BurstSize: 100,
			Breaker: resilience.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour},
			Retry:   resilience.RetryOptions{MaxAttempts: 1, InitialDelay: time.Millisecond},
		},
		"august": {
			RequestsPerMinute: 6000, BurstSize: 100,
			Breaker: resilience.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour},
			Retry:   resilience.RetryOptions{MaxAttempts: 1, InitialDelay: time.Millisecond},
		},
	}, logx.Nop())

	reg := devices.NewRegistry()
	return &fixture{
		store: st,
		reg:   reg,
		guard: guard,
		sched: New(st, reg, guard, devices.NewPool(2), opts),
	}
}

func (f *fixture) schedule(t *testing.T, a *storage.ScheduledAction) *storage.ScheduledAction {
	t.Helper()
	if a.ExecuteAt.IsZero() {
		a.ExecuteAt = time.Now().Add(-time.Second)
	}
	if err := f.store.CreateScheduledAction(context.Background(), a); err != nil {
		t.Fatalf("create action: %v", err)
	}
	return a
}

func (f *fixture) get(t *testing.T, id string) *storage.ScheduledAction {
	t.Helper()
	a, err := f.store.GetScheduledAction(context.Background(), id)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	return a
}

func (f *fixture) auditEvents(t *testing.T) []string {
	t.Helper()
	entries, err := f.store.GetAuditLog(context.Background(), storage.AuditFilter{Limit: 100})
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}
	return out
}

func TestOneShotActionExecutesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	lamp := sim.NewLight("lamp-1", "Desk Lamp", "govee")
	if err := f.reg.Add(lamp); err != nil {
		t.Fatal(err)
	}
	f.schedule(t, &storage.ScheduledAction{ID: "a1", DeviceID: "lamp-1", Action: ActionTurnOff})

	f.sched.Tick(context.Background())

	if got := lamp.StateDict()["power"]; got != "off" {
		t.Fatalf("power = %v, want off", got)
	}
	a := f.get(t, "a1")
	if a.Status != storage.StatusCompleted || a.LastExecutedAt == nil {
		t.Fatalf("action after tick = %+v", a)
	}
	if evs := f.auditEvents(t); len(evs) != 1 || evs[0] != "schedule_executed" {
		t.Fatalf("audit = %v", evs)
	}

	// A second tick finds nothing to do.
	f.sched.Tick(context.Background())
	if evs := f.auditEvents(t); len(evs) != 1 {
		t.Fatalf("completed action re-executed: audit = %v", evs)
	}
}

// cachedLight mimics a cloud device: StateDict reflects the last Refresh, not
// the last command.
type cachedLight struct {
	mu       sync.Mutex
	upstream string
	cached   string
}

func (c *cachedLight) ID() string      { return "cloud-lamp" }
func (c *cachedLight) Name() string    { return "Cloud Lamp" }
func (c *cachedLight) Service() string { return "govee" }
func (c *cachedLight) Type() string    { return "light" }

func (c *cachedLight) Refresh(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = c.upstream
	return nil
}

func (c *cachedLight) StateDict() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{"power": c.cached}
}

func (c *cachedLight) SetPower(_ context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.upstream = "on"
	} else {
		c.upstream = "off"
	}
	return nil
}

func TestPostActionSnapshotFollowsRefresh(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	lamp := &cachedLight{upstream: "on", cached: "on"}
	if err := f.reg.Add(lamp); err != nil {
		t.Fatal(err)
	}
	f.schedule(t, &storage.ScheduledAction{ID: "a1", DeviceID: "cloud-lamp", Action: ActionTurnOff})

	f.sched.Tick(context.Background())

	entries, err := f.store.GetAuditLog(context.Background(), storage.AuditFilter{Event: "schedule_executed", Limit: 1})
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if got := entries[0].PrevState; got != `{"power":"on"}` {
		t.Errorf("prev_state = %s, want power on", got)
	}
	if got := entries[0].NewState; got != `{"power":"off"}` {
		t.Errorf("new_state = %s, want power off", got)
	}
}

func TestRecurringActionAdvances(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	door := sim.NewLock("door-1", "Front Door", "august")
	if err := f.reg.Add(door); err != nil {
		t.Fatal(err)
	}
	f.schedule(t, &storage.ScheduledAction{
		ID:         "a1",
		DeviceID:   "door-1",
		Action:     ActionLock,
		Recurrence: `{"type":"daily","time":"22:00"}`,
	})

	f.sched.Tick(context.Background())

	if got := door.StateDict()["locked"]; got != true {
		t.Fatalf("locked = %v", got)
	}
	a := f.get(t, "a1")
	if a.Status != storage.StatusPending {
		t.Fatalf("recurring action status = %s, want pending", a.Status)
	}
	if !a.ExecuteAt.After(time.Now()) {
		t.Fatalf("execute_at = %v, want future", a.ExecuteAt)
	}
	if a.LastExecutedAt == nil {
		t.Fatal("last_executed_at not set")
	}
}

func TestActionParamsFlowToDevice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	lamp := sim.NewLight("lamp-1", "Desk Lamp", "govee")
	if err := f.reg.Add(lamp); err != nil {
		t.Fatal(err)
	}
	f.schedule(t, &storage.ScheduledAction{
		ID:       "a1",
		DeviceID: "lamp-1",
		Action:   ActionSetBrightness,
		Params:   map[string]any{"brightness": float64(25)},
	})

	f.sched.Tick(context.Background())

	if got := lamp.StateDict()["brightness"]; got != 25 {
		t.Fatalf("brightness = %v, want 25", got)
	}
	if a := f.get(t, "a1"); a.Status != storage.StatusCompleted {
		t.Fatalf("status = %s", a.Status)
	}
}

func TestFailureTerminatesEvenRecurring(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{}) // default policy: terminate
	door := sim.NewLock("door-1", "Front Door", "august")
	door.SetFailure(errors.New("jammed"))
	if err := f.reg.Add(door); err != nil {
		t.Fatal(err)
	}
	f.schedule(t, &storage.ScheduledAction{
		ID:         "a1",
		DeviceID:   "door-1",
		Action:     ActionLock,
		Recurrence: `{"type":"daily","time":"22:00"}`,
	})

	f.sched.Tick(context.Background())

	a := f.get(t, "a1")
	if a.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want failed", a.Status)
	}
	if evs := f.auditEvents(t); len(evs) != 1 || evs[0] != "schedule_failed" {
		t.Fatalf("audit = %v", evs)
	}
}

func TestFailureReschedulePolicy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{OnFailure: OnFailureReschedule})
	door := sim.NewLock("door-1", "Front Door", "august")
	door.SetFailure(errors.New("jammed"))
	if err := f.reg.Add(door); err != nil {
		t.Fatal(err)
	}
	f.schedule(t, &storage.ScheduledAction{
		ID:         "a1",
		DeviceID:   "door-1",
		Action:     ActionLock,
		Recurrence: `{"type":"daily","time":"22:00"}`,
	})

	f.sched.Tick(context.Background())

	a := f.get(t, "a1")
	if a.Status != storage.StatusPending {
		t.Fatalf("status = %s, want pending (rescheduled)", a.Status)
	}
	if !a.ExecuteAt.After(time.Now()) {
		t.Fatalf("execute_at = %v, want future", a.ExecuteAt)
	}
	// The failure is still audited.
	if evs := f.auditEvents(t); len(evs) != 1 || evs[0] != "schedule_failed" {
		t.Fatalf("audit = %v", evs)
	}

	// A one-shot action under the same policy still terminates.
	f.schedule(t, &storage.ScheduledAction{ID: "a2", DeviceID: "door-1", Action: ActionUnlock})
	f.sched.Tick(context.Background())
	if got := f.get(t, "a2"); got.Status != storage.StatusFailed {
		t.Fatalf("one-shot status = %s, want failed", got.Status)
	}
}

func TestCircuitBreakerOpensAndShortCircuits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	door := sim.NewLock("door-1", "Front Door", "august")
	door.SetFailure(errors.New("cloud down"))
	if err := f.reg.Add(door); err != nil {
		t.Fatal(err)
	}

	// Three failing executions open the breaker (threshold 3).
	for i := 1; i <= 3; i++ {
		f.schedule(t, &storage.ScheduledAction{ID: "a" + string(rune('0'+i)), DeviceID: "door-1", Action: ActionLock})
		f.sched.Tick(context.Background())
	}
	if got := f.guard.Breaker("august").State(); got != resilience.StateOpen {
		t.Fatalf("breaker state = %s, want open", got)
	}

	// The fourth due action is rejected without touching the device.
	door.SetFailure(nil) // the device works again, but the breaker is open
	f.schedule(t, &storage.ScheduledAction{ID: "a4", DeviceID: "door-1", Action: ActionLock})
	f.sched.Tick(context.Background())

	a := f.get(t, "a4")
	if a.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want failed", a.Status)
	}
	if got := door.StateDict()["locked"]; got != false {
		t.Fatal("open breaker must not invoke the device")
	}
}

func TestValidationFailuresAreTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{OnFailure: OnFailureReschedule})
	door := sim.NewLock("door-1", "Front Door", "august")
	if err := f.reg.Add(door); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		action *storage.ScheduledAction
	}{
		{
			name: "missing capability",
			action: &storage.ScheduledAction{
				ID: "v1", DeviceID: "door-1", Action: ActionSetBrightness,
				Params:     map[string]any{"brightness": float64(50)},
				Recurrence: `{"type":"daily","time":"10:00"}`,
			},
		},
		{
			name:   "unknown verb",
			action: &storage.ScheduledAction{ID: "v2", DeviceID: "door-1", Action: "defrost"},
		},
		{
			name:   "unknown device",
			action: &storage.ScheduledAction{ID: "v3", DeviceID: "ghost", Action: ActionLock},
		},
	}
	for _, tt := range tests {
		f.schedule(t, tt.action)
	}
	f.sched.Tick(context.Background())

	for _, tt := range tests {
		a := f.get(t, tt.action.ID)
		if a.Status != storage.StatusFailed {
			t.Errorf("%s: status = %s, want failed", tt.name, a.Status)
		}
	}
}

func TestBatchIsolationAndOrdering(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	lamp := sim.NewLight("lamp-1", "Desk Lamp", "govee")
	if err := f.reg.Add(lamp); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	// Due order: broken device first, then two good actions.
	f.schedule(t, &storage.ScheduledAction{ID: "bad", DeviceID: "ghost", Action: ActionTurnOn, ExecuteAt: now.Add(-3 * time.Second)})
	f.schedule(t, &storage.ScheduledAction{ID: "on", DeviceID: "lamp-1", Action: ActionTurnOn, ExecuteAt: now.Add(-2 * time.Second)})
	f.schedule(t, &storage.ScheduledAction{ID: "dim", DeviceID: "lamp-1", Action: ActionSetBrightness, Params: map[string]any{"brightness": float64(10)}, ExecuteAt: now.Add(-time.Second)})

	f.sched.Tick(context.Background())

	if got := f.get(t, "bad").Status; got != storage.StatusFailed {
		t.Fatalf("bad status = %s", got)
	}
	// The failure did not block later actions, and they ran in due order.
	st := lamp.StateDict()
	if st["power"] != "on" || st["brightness"] != 10 {
		t.Fatalf("lamp state = %v", st)
	}
}

func TestRunLoopExecutesAndStops(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{PollInterval: 20 * time.Millisecond})
	lamp := sim.NewLight("lamp-1", "Desk Lamp", "govee")
	if err := f.reg.Add(lamp); err != nil {
		t.Fatal(err)
	}
	f.schedule(t, &storage.ScheduledAction{ID: "a1", DeviceID: "lamp-1", Action: ActionTurnOn})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if a := f.get(t, "a1"); a.Status == storage.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatal("action not executed by run loop")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
