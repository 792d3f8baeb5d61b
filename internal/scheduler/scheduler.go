// Package scheduler executes due scheduled actions against devices, advancing
// recurring schedules and recording every outcome in the audit trail.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"burrow/internal/devices"
	"burrow/internal/eventbus"
	"burrow/internal/resilience"
	"burrow/internal/storage"
	logx "burrow/pkg/logx"
)

// Failure policies for recurring schedules.
const (
	OnFailureTerminate  = "terminate"
	OnFailureReschedule = "reschedule"
)

// Options configures the scheduler. Zero values use defaults.
type Options struct {
	PollInterval time.Duration // default 10s
	// OnFailure decides what happens to a recurring schedule whose execution
	// fails: terminate (mark failed, default) or reschedule to the next
	// occurrence.
	OnFailure string

	Log logx.Logger
	Bus eventbus.Bus
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.OnFailure == "" {
		o.OnFailure = OnFailureTerminate
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return o
}

// Scheduler is the due-action execution loop.
type Scheduler struct {
	opts    Options
	store   storage.Store
	devices *devices.Registry
	guard   *resilience.Registry
	pool    *devices.Pool
}

func New(store storage.Store, reg *devices.Registry, guard *resilience.Registry, pool *devices.Pool, opts Options) *Scheduler {
	if pool == nil {
		pool = devices.NewPool(0)
	}
	return &Scheduler{
		opts:    opts.withDefaults(),
		store:   store,
		devices: reg,
		guard:   guard,
		pool:    pool,
	}
}

// Run polls for due actions until ctx is cancelled. It is meant to run under
// a supervisor.
func (s *Scheduler) Run(ctx context.Context) error {
	s.opts.Log.Info("scheduler started",
		logx.Duration("poll_interval", s.opts.PollInterval),
		logx.String("on_failure", s.opts.OnFailure),
	)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.opts.Log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes every action due at this moment, strictly in ascending
// execute_at order. One action's failure never blocks the rest of the batch.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.GetDueActions(ctx, time.Now())
	if err != nil {
		s.opts.Log.Error("due action query failed", logx.Err(err))
		return
	}
	for _, a := range due {
		if ctx.Err() != nil {
			return
		}
		s.executeAction(ctx, a)
	}
}

func (s *Scheduler) executeAction(ctx context.Context, a *storage.ScheduledAction) {
	start := time.Now()
	log := s.opts.Log.With(
		logx.String("action_id", a.ID),
		logx.String("device", a.DeviceID),
		logx.String("action", a.Action),
	)

	d, err := s.devices.Get(a.DeviceID)
	if err != nil {
		s.fail(ctx, a, start, err, log)
		return
	}

	op, err := resolve(d, a.Action, a.Params)
	if err != nil {
		// Validation failures are terminal regardless of policy: retrying or
		// rescheduling cannot make a missing capability appear.
		s.failTerminal(ctx, a, start, err, log)
		return
	}

	// Best-effort pre-execution snapshot for the audit record.
	before := d.StateDict()

	err = s.guard.Execute(ctx, d.Service(), func(ctx context.Context) error {
		return s.pool.Do(ctx, op)
	})
	if err != nil {
		s.fail(ctx, a, start, err, log)
		return
	}

	// Refresh first so the post-action snapshot reflects upstream state, not
	// the last poll. Best-effort, like the pre-action capture.
	if err := s.pool.Do(ctx, d.Refresh); err != nil {
		log.Debug("post-action refresh failed", logx.Err(err))
	}
	after := d.StateDict()
	s.snapshotState(ctx, a.DeviceID, after)

	next := s.nextOccurrence(a, log)
	if err := s.store.MarkActionExecuted(ctx, a.ID, next); err != nil {
		log.Error("mark executed failed", logx.Err(err))
	}

	took := time.Since(start)
	s.audit(ctx, storage.AuditEntry{
		Event:     "schedule_executed",
		Source:    "schedule:" + a.ID,
		ActionID:  a.ID,
		DeviceID:  a.DeviceID,
		Action:    a.Action,
		OK:        true,
		TookMS:    took.Milliseconds(),
		PrevState: stateJSON(before),
		NewState:  stateJSON(after),
	})
	s.publish("schedule.executed", a.ID)

	if next != nil {
		log.Info("action executed; rescheduled",
			logx.Duration("took", took),
			logx.Time("next", *next),
		)
	} else {
		log.Info("action executed", logx.Duration("took", took))
	}
}

// nextOccurrence computes where a recurring action goes after a successful
// run; nil means the schedule is done.
func (s *Scheduler) nextOccurrence(a *storage.ScheduledAction, log logx.Logger) *time.Time {
	rec, err := ParseRecurrence(a.Recurrence)
	if err != nil {
		log.Warn("stored recurrence unparseable; completing action", logx.Err(err))
		return nil
	}
	if rec == nil {
		return nil
	}
	next, ok := rec.Next(time.Now())
	if !ok {
		return nil
	}
	return &next
}

// fail applies the configured failure policy.
func (s *Scheduler) fail(ctx context.Context, a *storage.ScheduledAction, start time.Time, cause error, log logx.Logger) {
	if s.opts.OnFailure == OnFailureReschedule {
		if next := s.nextOccurrence(a, log); next != nil {
			if err := s.store.Reschedule(ctx, a.ID, *next); err != nil {
				log.Error("reschedule failed", logx.Err(err))
			}
			s.auditFailure(ctx, a, start, cause)
			log.Warn("action failed; rescheduled",
				logx.Err(cause),
				logx.Time("next", *next),
			)
			return
		}
	}
	s.failTerminal(ctx, a, start, cause, log)
}

func (s *Scheduler) failTerminal(ctx context.Context, a *storage.ScheduledAction, start time.Time, cause error, log logx.Logger) {
	if err := s.store.MarkActionFailed(ctx, a.ID, cause.Error()); err != nil {
		log.Error("mark failed failed", logx.Err(err))
	}
	s.auditFailure(ctx, a, start, cause)

	var capErr *devices.CapabilityError
	var valErr *ValidationError
	switch {
	case errors.As(cause, &capErr) || errors.As(cause, &valErr):
		log.Warn("action rejected", logx.Err(cause))
	case errors.Is(cause, resilience.ErrCircuitOpen):
		log.Warn("action skipped: circuit open", logx.Err(cause))
	default:
		log.Warn("action failed", logx.Err(cause))
	}
}

func (s *Scheduler) auditFailure(ctx context.Context, a *storage.ScheduledAction, start time.Time, cause error) {
	s.audit(ctx, storage.AuditEntry{
		Event:    "schedule_failed",
		Source:   "schedule:" + a.ID,
		ActionID: a.ID,
		DeviceID: a.DeviceID,
		Action:   a.Action,
		OK:       false,
		Error:    cause.Error(),
		TookMS:   time.Since(start).Milliseconds(),
	})
	s.publish("schedule.failed", a.ID)
}

func (s *Scheduler) audit(ctx context.Context, e storage.AuditEntry) {
	if err := s.store.LogAuditEvent(ctx, e); err != nil {
		s.opts.Log.Error("audit write failed", logx.String("event", e.Event), logx.Err(err))
	}
}

func (s *Scheduler) publish(typ, actionID string) {
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(eventbus.Event{Type: typ, Data: actionID})
	}
}

func (s *Scheduler) snapshotState(ctx context.Context, deviceID string, state map[string]any) {
	j := stateJSON(state)
	if j == "" {
		return
	}
	if err := s.store.SaveDeviceState(ctx, deviceID, j); err != nil {
		s.opts.Log.Debug("device state snapshot failed",
			logx.String("device", deviceID),
			logx.Err(err),
		)
	}
}

func stateJSON(state map[string]any) string {
	if len(state) == 0 {
		return ""
	}
	b, err := json.Marshal(state)
	if err != nil {
		return ""
	}
	return string(b)
}
