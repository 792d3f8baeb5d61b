package config

// Config is the root configuration for burrowd.
//
// Files may be JSON or YAML; YAML is coerced to JSON before strict decoding,
// so unknown keys are rejected in both formats. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Scheduler controls the due-action poll loop.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Health controls the device liveness monitor.
	Health HealthConfig `json:"health"`

	// Services maps an external service name (vendor cloud/LAN API) to its
	// resilience limits. Devices belonging to the same service share one
	// circuit breaker and one token bucket. Unlisted services get defaults.
	Services map[string]ServiceLimits `json:"services,omitempty"`

	// Devices declares the devices registered at startup.
	Devices []DeviceConfig `json:"devices,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite state store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the scheduled-action executor.
//
// OnFailure decides what happens to a recurring schedule whose run fails:
//   - "terminate" (default): the schedule is marked failed and stops.
//   - "reschedule": the schedule advances to its next natural occurrence.
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	PollInterval string `json:"poll_interval,omitempty"`
	OnFailure    string `json:"on_failure,omitempty"`
}

// HealthConfig controls the device health monitor.
type HealthConfig struct {
	Enabled            bool   `json:"enabled"`
	CheckInterval      string `json:"check_interval,omitempty"`
	CheckTimeout       string `json:"check_timeout,omitempty"`
	UnhealthyThreshold int    `json:"unhealthy_threshold,omitempty"`
	ReconnectDelay     string `json:"reconnect_delay,omitempty"`

	// ReconnectPerMinute caps reconnect attempts across all devices so a
	// flapping vendor cannot trigger a reconnect storm. 0 uses the default.
	ReconnectPerMinute int `json:"reconnect_per_minute,omitempty"`
}

// ServiceLimits bundles the per-service resilience knobs.
type ServiceLimits struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	BurstSize         int `json:"burst_size,omitempty"`

	FailureThreshold int    `json:"failure_threshold,omitempty"`
	RecoveryTimeout  string `json:"recovery_timeout,omitempty"`
	HalfOpenMaxCalls int    `json:"half_open_max_calls,omitempty"`

	RetryMaxAttempts  int     `json:"retry_max_attempts,omitempty"`
	RetryInitialDelay string  `json:"retry_initial_delay,omitempty"`
	RetryMaxDelay     string  `json:"retry_max_delay,omitempty"`
	RetryBase         float64 `json:"retry_base,omitempty"`
}

// DeviceConfig declares one device.
type DeviceConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`    // light | plug | lock | vacuum
	Service string `json:"service"` // external service name for rate/breaker scoping
	Room    string `json:"room,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer binding to localhost; there is no auth on this listener.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
}
