// Package core assembles the burrowd process: config, logging, storage,
// device registry, resilience guards, health monitor and scheduler, all
// running under one supervisor.
package core

import (
	"context"
	"fmt"
	"time"

	"burrow/internal/config"
	"burrow/internal/devices"
	"burrow/internal/devices/sim"
	"burrow/internal/eventbus"
	"burrow/internal/health"
	"burrow/internal/resilience"
	"burrow/internal/runtime/supervisor"
	"burrow/internal/sched"
	"burrow/internal/scheduler"
	"burrow/internal/storage"
	logx "burrow/pkg/logx"
)

// StopReason annotates shutdown logs.
type StopReason string

const (
	StopReasonSignal StopReason = "signal"
	StopReasonFatal  StopReason = "fatal"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	bus     eventbus.Bus
	devices *devices.Registry
	guard   *resilience.Registry
	monitor *health.Monitor
	sched   *scheduler.Scheduler
	svc     *sched.Service

	pprof *pprofServer
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	reg := devices.NewRegistry()
	for _, dc := range cfg.Devices {
		d, err := sim.New(dc.Type, dc.ID, dc.Name, dc.Service)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("device %q: %w", dc.ID, err)
		}
		if err := reg.Add(d); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	limits, err := buildLimits(cfg.Services)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	guard := resilience.NewRegistry(limits, log.With(logx.String("comp", "resilience")))

	bus := eventbus.New()

	healthOpts, err := buildHealthOptions(cfg.Health)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	healthOpts.Log = log.With(logx.String("comp", "health"))
	healthOpts.Bus = bus
	healthOpts.Store = store
	monitor := health.NewMonitor(reg, healthOpts)
	for _, d := range reg.List() {
		monitor.RegisterReconnect(d.ID(), d.Refresh)
	}

	pollInterval, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, 0)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sch := scheduler.New(store, reg, guard, devices.NewPool(0), scheduler.Options{
		PollInterval: pollInterval,
		OnFailure:    cfg.Scheduler.OnFailure,
		Log:          log.With(logx.String("comp", "scheduler")),
		Bus:          bus,
	})

	svc := sched.New(store, reg, log.With(logx.String("comp", "sched")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		bus:     bus,
		devices: reg,
		guard:   guard,
		monitor: monitor,
		sched:   sch,
		svc:     svc,
		pprof:   newPprofServer(log),
	}, nil
}

// Schedules exposes the schedule management surface.
func (a *App) Schedules() *sched.Service { return a.svc }

// Devices exposes the device registry.
func (a *App) Devices() *devices.Registry { return a.devices }

// Health exposes the device health monitor.
func (a *App) Health() *health.Monitor { return a.monitor }

// Bus exposes the internal event bus.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := buildLimits(cfg.Services); err != nil {
			return err
		}
		if _, err := buildHealthOptions(cfg.Health); err != nil {
			return err
		}
		return nil
	})

	cfg := a.cfgm.Get()
	a.pprof.Apply(a.sup.Context(), cfg.Pprof.Enabled, cfg.Pprof.Addr)

	if cfg.Scheduler.Enabled {
		a.sup.GoRestart("scheduler", a.sched.Run)
	} else {
		a.log.Info("scheduler disabled by config")
	}
	if cfg.Health.Enabled {
		a.sup.GoRestart("health", a.monitor.Run)
	} else {
		a.log.Info("health monitor disabled by config")
	}

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Mirror bus events into the log for diagnostics; the durable record
	// lives in the audit log.
	events, unsubscribe := a.bus.Subscribe(16)
	a.sup.Go0("events.log", func(c context.Context) {
		defer unsubscribe()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies the hot-reloadable sections of a freshly published
// config. Scheduler, health and storage settings need a restart; those are
// only noted in the log.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.pprof.Apply(ctx, cfg.Pprof.Enabled, cfg.Pprof.Addr)
	a.log.Info("config reloaded",
		logx.String("level", cfg.Logging.Level),
		logx.Bool("pprof", cfg.Pprof.Enabled),
	)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so the scheduler and health loops start
	// unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
			)
		}
	}

	step("pprof", 2*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// buildLimits maps per-service config onto resilience limits.
func buildLimits(services map[string]config.ServiceLimits) (map[string]resilience.Limits, error) {
	out := make(map[string]resilience.Limits, len(services))
	for name, sl := range services {
		recovery, err := config.ParseDurationOrDefault("services."+name+".recovery_timeout", sl.RecoveryTimeout, 0)
		if err != nil {
			return nil, err
		}
		initialDelay, err := config.ParseDurationOrDefault("services."+name+".retry_initial_delay", sl.RetryInitialDelay, 0)
		if err != nil {
			return nil, err
		}
		maxDelay, err := config.ParseDurationOrDefault("services."+name+".retry_max_delay", sl.RetryMaxDelay, 0)
		if err != nil {
			return nil, err
		}
		out[name] = resilience.LimitsFromDurations(name,
			sl.RequestsPerMinute, sl.BurstSize,
			sl.FailureThreshold, recovery, sl.HalfOpenMaxCalls,
			resilience.RetryOptions{
				MaxAttempts:     sl.RetryMaxAttempts,
				InitialDelay:    initialDelay,
				MaxDelay:        maxDelay,
				ExponentialBase: sl.RetryBase,
			})
	}
	return out, nil
}

// buildHealthOptions maps health config onto monitor options.
func buildHealthOptions(hc config.HealthConfig) (health.Options, error) {
	interval, err := config.ParseDurationOrDefault("health.check_interval", hc.CheckInterval, 0)
	if err != nil {
		return health.Options{}, err
	}
	timeout, err := config.ParseDurationOrDefault("health.check_timeout", hc.CheckTimeout, 0)
	if err != nil {
		return health.Options{}, err
	}
	delay, err := config.ParseDurationOrDefault("health.reconnect_delay", hc.ReconnectDelay, 0)
	if err != nil {
		return health.Options{}, err
	}
	return health.Options{
		CheckInterval:      interval,
		CheckTimeout:       timeout,
		UnhealthyThreshold: hc.UnhealthyThreshold,
		ReconnectDelay:     delay,
		ReconnectPerMinute: hc.ReconnectPerMinute,
	}, nil
}
