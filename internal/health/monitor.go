// Package health tracks per-device liveness and drives automatic
// reconnection when a device crosses the unhealthy threshold.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"burrow/internal/devices"
	"burrow/internal/eventbus"
	"burrow/internal/storage"
	logx "burrow/pkg/logx"
)

// DeviceHealth is the tracked record for one device. IsHealthy is derived:
// false once ConsecutiveFailures reaches the threshold, true again on the very
// next success.
type DeviceHealth struct {
	DeviceID            string
	LastSuccess         time.Time
	LastFailure         time.Time
	ConsecutiveFailures int
	TotalFailures       int
	TotalSuccesses      int
	IsHealthy           bool
}

// Options configures the monitor. Zero values use defaults.
type Options struct {
	CheckInterval      time.Duration // default 60s
	CheckTimeout       time.Duration // overall budget for one CheckAll pass, default 10s
	UnhealthyThreshold int           // default 3
	ReconnectDelay     time.Duration // wait before a reconnect attempt, default 5s
	ReconnectPerMinute int           // global reconnect budget, default 6

	Log   logx.Logger
	Bus   eventbus.Bus
	Store storage.Store // optional; used for device_unhealthy/device_reconnected audit entries
}

func (o Options) withDefaults() Options {
	if o.CheckInterval <= 0 {
		o.CheckInterval = 60 * time.Second
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 10 * time.Second
	}
	if o.UnhealthyThreshold <= 0 {
		o.UnhealthyThreshold = 3
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.ReconnectPerMinute <= 0 {
		o.ReconnectPerMinute = 6
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return o
}

// Monitor polls every registered device's Refresh as a liveness probe.
type Monitor struct {
	opts    Options
	devices *devices.Registry

	mu         sync.Mutex
	records    map[string]*DeviceHealth
	reconnects map[string]func(ctx context.Context) error

	// limiter caps reconnect attempts across all devices so one flapping
	// vendor cannot trigger a reconnect storm.
	limiter *rate.Limiter
}

func NewMonitor(reg *devices.Registry, opts Options) *Monitor {
	o := opts.withDefaults()
	return &Monitor{
		opts:       o,
		devices:    reg,
		records:    make(map[string]*DeviceHealth),
		reconnects: make(map[string]func(ctx context.Context) error),
		limiter:    rate.NewLimiter(rate.Limit(float64(o.ReconnectPerMinute)/60.0), 1),
	}
}

// RegisterReconnect installs a reconnect operation for a device. Without one,
// an unhealthy device is only reported, never reconnected.
func (m *Monitor) RegisterReconnect(deviceID string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects[deviceID] = fn
}

func (m *Monitor) record(deviceID string) *DeviceHealth {
	r := m.records[deviceID]
	if r == nil {
		r = &DeviceHealth{DeviceID: deviceID, IsHealthy: true}
		m.records[deviceID] = r
	}
	return r
}

// RecordSuccess marks a successful contact. An unhealthy device becomes
// healthy again on this very call.
func (m *Monitor) RecordSuccess(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(deviceID)
	wasUnhealthy := !r.IsHealthy
	r.LastSuccess = time.Now()
	r.ConsecutiveFailures = 0
	r.TotalSuccesses++
	r.IsHealthy = true
	if wasUnhealthy {
		m.opts.Log.Info("device recovered", logx.String("device", deviceID))
	}
}

// RecordFailure marks a failed contact and reports whether the device just
// crossed the unhealthy threshold on this call.
func (m *Monitor) RecordFailure(deviceID string) (becameUnhealthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(deviceID)
	r.LastFailure = time.Now()
	r.ConsecutiveFailures++
	r.TotalFailures++
	if r.IsHealthy && r.ConsecutiveFailures >= m.opts.UnhealthyThreshold {
		r.IsHealthy = false
		becameUnhealthy = true
	}
	return becameUnhealthy
}

// Health returns a copy of the record for one device.
func (m *Monitor) Health(deviceID string) (DeviceHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[deviceID]
	if !ok {
		return DeviceHealth{}, false
	}
	return *r, true
}

// Summary returns a snapshot of all tracked devices.
func (m *Monitor) Summary() map[string]DeviceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]DeviceHealth, len(m.records))
	for id, r := range m.records {
		out[id] = *r
	}
	return out
}

// CheckDevice probes one device and updates its record. A device that just
// went unhealthy gets a reconnect attempt if one is registered.
func (m *Monitor) CheckDevice(ctx context.Context, deviceID string) error {
	d, err := m.devices.Get(deviceID)
	if err != nil {
		return err
	}

	if err := d.Refresh(ctx); err != nil {
		m.opts.Log.Warn("device check failed",
			logx.String("device", deviceID),
			logx.Err(err),
		)
		if m.RecordFailure(deviceID) {
			m.reportUnhealthy(ctx, deviceID, err)
		}
		m.maybeReconnect(ctx, deviceID)
		return err
	}
	m.RecordSuccess(deviceID)
	return nil
}

func (m *Monitor) reportUnhealthy(ctx context.Context, deviceID string, cause error) {
	m.opts.Log.Warn("device unhealthy",
		logx.String("device", deviceID),
		logx.Int("threshold", m.opts.UnhealthyThreshold),
		logx.Err(cause),
	)
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(eventbus.Event{Type: "device.unhealthy", Data: deviceID})
	}
	if m.opts.Store != nil {
		_ = m.opts.Store.LogAuditEvent(ctx, storage.AuditEntry{
			Event:    "device_unhealthy",
			Source:   "health_monitor",
			DeviceID: deviceID,
			OK:       false,
			Error:    cause.Error(),
		})
	}
}

func (m *Monitor) maybeReconnect(ctx context.Context, deviceID string) {
	m.mu.Lock()
	fn := m.reconnects[deviceID]
	r := m.record(deviceID)
	unhealthy := !r.IsHealthy
	m.mu.Unlock()
	if fn == nil || !unhealthy {
		return
	}
	if !m.limiter.Allow() {
		m.opts.Log.Debug("reconnect throttled", logx.String("device", deviceID))
		return
	}

	t := time.NewTimer(m.opts.ReconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		m.opts.Log.Warn("reconnect failed",
			logx.String("device", deviceID),
			logx.Err(err),
		)
		m.RecordFailure(deviceID)
		return
	}
	m.opts.Log.Info("device reconnected",
		logx.String("device", deviceID),
		logx.Duration("took", time.Since(start)),
	)
	m.RecordSuccess(deviceID)
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(eventbus.Event{Type: "device.reconnected", Data: deviceID})
	}
	if m.opts.Store != nil {
		_ = m.opts.Store.LogAuditEvent(ctx, storage.AuditEntry{
			Event:    "device_reconnected",
			Source:   "health_monitor",
			DeviceID: deviceID,
			OK:       true,
			TookMS:   time.Since(start).Milliseconds(),
		})
	}
}

// CheckAll probes every registered device concurrently under one overall
// timeout. Devices whose probe has not returned by the deadline are counted
// as failures for this pass. All recording happens here, so a straggler probe
// finishing after the deadline cannot double-count.
func (m *Monitor) CheckAll(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
	defer cancel()

	list := m.devices.List()
	type result struct {
		id  string
		err error
	}
	done := make(chan result, len(list))
	outstanding := make(map[string]bool, len(list))

	for _, d := range list {
		outstanding[d.ID()] = true
		go func(d devices.Device) {
			done <- result{id: d.ID(), err: d.Refresh(cctx)}
		}(d)
	}

	for remaining := len(list); remaining > 0; remaining-- {
		select {
		case r := <-done:
			delete(outstanding, r.id)
			if r.err == nil {
				m.RecordSuccess(r.id)
				continue
			}
			m.opts.Log.Warn("device check failed",
				logx.String("device", r.id),
				logx.Err(r.err),
			)
			if m.RecordFailure(r.id) {
				m.reportUnhealthy(ctx, r.id, r.err)
			}
			m.maybeReconnect(ctx, r.id)
		case <-cctx.Done():
			for id := range outstanding {
				if m.RecordFailure(id) {
					m.reportUnhealthy(ctx, id, cctx.Err())
				}
			}
			return
		}
	}
}

// Run executes the periodic check loop until ctx is cancelled. It is meant to
// run under a supervisor.
func (m *Monitor) Run(ctx context.Context) error {
	m.opts.Log.Info("health monitor started",
		logx.Duration("interval", m.opts.CheckInterval),
		logx.Int("threshold", m.opts.UnhealthyThreshold),
	)
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.opts.Log.Info("health monitor stopped")
			return nil
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}
