package config

import (
	"fmt"
	"strings"
)

var validDeviceTypes = map[string]bool{
	"light":  true,
	"plug":   true,
	"lock":   true,
	"vacuum": true,
}

// Validate checks cross-field constraints that the strict decoder cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.TrimSpace(cfg.Scheduler.OnFailure) {
	case "", "terminate", "reschedule":
	default:
		return fmt.Errorf("scheduler.on_failure: must be \"terminate\" or \"reschedule\", got %q", cfg.Scheduler.OnFailure)
	}
	if _, err := ParseDurationField("scheduler.poll_interval", cfg.Scheduler.PollInterval); err != nil {
		return err
	}

	for _, f := range []struct{ path, raw string }{
		{"health.check_interval", cfg.Health.CheckInterval},
		{"health.check_timeout", cfg.Health.CheckTimeout},
		{"health.reconnect_delay", cfg.Health.ReconnectDelay},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.Health.UnhealthyThreshold < 0 {
		return fmt.Errorf("health.unhealthy_threshold: must be >= 0")
	}

	for name, svc := range cfg.Services {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("services: empty service name")
		}
		if svc.RequestsPerMinute < 0 || svc.BurstSize < 0 || svc.FailureThreshold < 0 ||
			svc.HalfOpenMaxCalls < 0 || svc.RetryMaxAttempts < 0 {
			return fmt.Errorf("services.%s: counts must be >= 0", name)
		}
		if svc.RetryBase != 0 && svc.RetryBase < 1 {
			return fmt.Errorf("services.%s.retry_base: must be >= 1", name)
		}
		for _, f := range []struct{ path, raw string }{
			{fmt.Sprintf("services.%s.recovery_timeout", name), svc.RecoveryTimeout},
			{fmt.Sprintf("services.%s.retry_initial_delay", name), svc.RetryInitialDelay},
			{fmt.Sprintf("services.%s.retry_max_delay", name), svc.RetryMaxDelay},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	seen := make(map[string]bool, len(cfg.Devices))
	for i, d := range cfg.Devices {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if !validDeviceTypes[strings.TrimSpace(d.Type)] {
			return fmt.Errorf("devices[%d] (%s): unknown type %q", i, id, d.Type)
		}
		if strings.TrimSpace(d.Service) == "" {
			return fmt.Errorf("devices[%d] (%s): service is required", i, id)
		}
	}

	return nil
}
