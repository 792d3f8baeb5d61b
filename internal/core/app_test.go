package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"burrow/internal/config"
	"burrow/internal/sched"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestAppStartStop(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `
logging:
  level: error
  console: false
storage:
  path: `+filepath.Join(dir, "burrow.db")+`
scheduler:
  enabled: true
  poll_interval: 50ms
health:
  enabled: true
  check_interval: 50ms
  check_timeout: 1s
services:
  govee:
    requests_per_minute: 600
    burst_size: 10
devices:
  - id: lamp-1
    name: Desk Lamp
    type: light
    service: govee
`)

	app, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Schedule and execute one action through the running loop.
	delay := 0
	a, err := app.Schedules().Schedule(ctx, sched.ScheduleRequest{
		DeviceID:     "lamp-1",
		Action:       "turn_on",
		DelayMinutes: &delay,
		CreatedBy:    "test",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		got, err := app.Schedules().List(ctx, "lamp-1")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("action %s never executed", a.ID)
		case <-time.After(20 * time.Millisecond):
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx, StopReasonSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "loging:\n  level: info\n"},
		{"bad device type", `
logging: {level: error}
storage: {path: ` + filepath.Join(dir, "a.db") + `}
devices:
  - {id: x, name: X, type: toaster, service: govee}
`},
		{"bad on_failure", `
logging: {level: error}
storage: {path: ` + filepath.Join(dir, "b.db") + `}
scheduler: {enabled: true, on_failure: shrug}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			if _, err := NewApp(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBuildLimits(t *testing.T) {
	t.Parallel()
	limits, err := buildLimits(map[string]config.ServiceLimits{
		"govee": {
			RequestsPerMinute: 120,
			FailureThreshold:  2,
			RecoveryTimeout:   "5s",
			RetryMaxAttempts:  1,
		},
	})
	if err != nil {
		t.Fatalf("buildLimits: %v", err)
	}
	lim := limits["govee"]
	if lim.RequestsPerMinute != 120 {
		t.Errorf("rpm = %d, want 120", lim.RequestsPerMinute)
	}
	// Unset burst keeps the service default.
	if lim.BurstSize != 5 {
		t.Errorf("burst = %d, want 5", lim.BurstSize)
	}
	if lim.Breaker.FailureThreshold != 2 || lim.Breaker.RecoveryTimeout != 5*time.Second {
		t.Errorf("breaker = %+v", lim.Breaker)
	}

	if _, err := buildLimits(map[string]config.ServiceLimits{
		"bad": {RecoveryTimeout: "soon"},
	}); err == nil {
		t.Error("expected error for unparseable duration")
	}
}
