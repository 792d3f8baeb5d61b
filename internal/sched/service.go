// Package sched is the scheduling front: it validates incoming schedule
// requests, resolves execution times, and manages the lifecycle of scheduled
// actions on behalf of callers.
package sched

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"burrow/internal/devices"
	"burrow/internal/scheduler"
	"burrow/internal/storage"
	logx "burrow/pkg/logx"
)

// ScheduleRequest describes a new scheduled action. Exactly one of
// DelayMinutes or AtTime must be set.
type ScheduleRequest struct {
	DeviceID string
	Action   string
	Params   map[string]any

	// DelayMinutes schedules relative to now.
	DelayMinutes *int
	// AtTime is either RFC 3339 or "HH:MM" (today, or tomorrow if that
	// moment already passed).
	AtTime string

	Recurrence  *scheduler.Recurrence
	Description string
	CreatedBy   string
}

// ModifyRequest carries the mutable fields of a pending action. Nil/empty
// fields keep their current value.
type ModifyRequest struct {
	DelayMinutes *int
	AtTime       string
	Params       map[string]any
	Recurrence   *scheduler.Recurrence
	Description  string
}

// Service wires schedule management to the store and device registry.
type Service struct {
	store   storage.Store
	devices *devices.Registry
	log     logx.Logger
}

func New(store storage.Store, reg *devices.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, devices: reg, log: log}
}

// Schedule validates and persists a new scheduled action.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*storage.ScheduledAction, error) {
	d, err := s.devices.Get(req.DeviceID)
	if err != nil {
		return nil, err
	}
	if !scheduler.KnownAction(req.Action) {
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}

	executeAt, err := resolveExecuteAt(req.DelayMinutes, req.AtTime, time.Now())
	if err != nil {
		return nil, err
	}

	var recurrence string
	if req.Recurrence != nil {
		if err := req.Recurrence.Validate(); err != nil {
			return nil, err
		}
		recurrence, err = req.Recurrence.Marshal()
		if err != nil {
			return nil, err
		}
	}

	description := req.Description
	if description == "" {
		description = describe(req.Action, d.Name(), req.Recurrence, executeAt)
	}

	a := &storage.ScheduledAction{
		ID:          uuid.NewString(),
		DeviceID:    req.DeviceID,
		Action:      req.Action,
		Params:      req.Params,
		ExecuteAt:   executeAt,
		Recurrence:  recurrence,
		Status:      storage.StatusPending,
		CreatedBy:   req.CreatedBy,
		Description: description,
	}
	if err := s.store.CreateScheduledAction(ctx, a); err != nil {
		return nil, err
	}

	s.audit(ctx, storage.AuditEntry{
		Event:    "schedule_created",
		Source:   a.CreatedBy,
		ActionID: a.ID,
		DeviceID: a.DeviceID,
		Action:   a.Action,
		OK:       true,
		MetaJSON: fmt.Sprintf("{%q:%q}", "description", description),
	})
	s.log.Info("action scheduled",
		logx.String("action_id", a.ID),
		logx.String("device", a.DeviceID),
		logx.String("action", a.Action),
		logx.Time("execute_at", a.ExecuteAt),
	)
	return a, nil
}

// Item is a pending action decorated for presentation.
type Item struct {
	*storage.ScheduledAction
	ExecutesIn string
}

// List returns pending actions, optionally filtered to one device.
func (s *Service) List(ctx context.Context, deviceID string) ([]Item, error) {
	var (
		actions []*storage.ScheduledAction
		err     error
	)
	if deviceID != "" {
		actions, err = s.store.GetPendingActionsForDevice(ctx, deviceID)
	} else {
		actions, err = s.store.GetAllPendingActions(ctx)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	items := make([]Item, len(actions))
	for i, a := range actions {
		items[i] = Item{ScheduledAction: a, ExecutesIn: HumanizeUntil(a.ExecuteAt, now)}
	}
	return items, nil
}

// Cancel marks a pending action cancelled.
func (s *Service) Cancel(ctx context.Context, id string) error {
	a, err := s.store.GetScheduledAction(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.CancelScheduledAction(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, storage.AuditEntry{
		Event:    "schedule_cancelled",
		ActionID: id,
		DeviceID: a.DeviceID,
		Action:   a.Action,
		OK:       true,
	})
	s.log.Info("action cancelled", logx.String("action_id", id))
	return nil
}

// Modify updates a pending action's execution time, parameters or
// description.
func (s *Service) Modify(ctx context.Context, id string, req ModifyRequest) (*storage.ScheduledAction, error) {
	a, err := s.store.GetScheduledAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != storage.StatusPending {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotPending, id)
	}
	oldExecuteAt := a.ExecuteAt

	if req.DelayMinutes != nil || req.AtTime != "" {
		executeAt, err := resolveExecuteAt(req.DelayMinutes, req.AtTime, time.Now())
		if err != nil {
			return nil, err
		}
		a.ExecuteAt = executeAt
	}
	if req.Params != nil {
		a.Params = req.Params
	}
	if req.Recurrence != nil {
		if err := req.Recurrence.Validate(); err != nil {
			return nil, err
		}
		recurrence, err := req.Recurrence.Marshal()
		if err != nil {
			return nil, err
		}
		a.Recurrence = recurrence
	}
	if req.Description != "" {
		a.Description = req.Description
	}

	if err := s.store.UpdateScheduledAction(ctx, a); err != nil {
		return nil, err
	}
	s.audit(ctx, storage.AuditEntry{
		Event:    "schedule_modified",
		ActionID: a.ID,
		DeviceID: a.DeviceID,
		Action:   a.Action,
		OK:       true,
		MetaJSON: fmt.Sprintf(`{"old_execute_at":%q,"new_execute_at":%q}`,
			oldExecuteAt.Format(time.RFC3339), a.ExecuteAt.Format(time.RFC3339)),
	})
	s.log.Info("action modified",
		logx.String("action_id", a.ID),
		logx.Time("execute_at", a.ExecuteAt),
	)
	return a, nil
}

// AuditLog returns the newest audit entries, optionally restricted to the
// last N hours and/or one event type.
func (s *Service) AuditLog(ctx context.Context, hours int, eventType string, limit int) ([]storage.AuditEntry, error) {
	f := storage.AuditFilter{Event: eventType, Limit: limit}
	if hours > 0 {
		f.Since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}
	return s.store.GetAuditLog(ctx, f)
}

// DeviceHistory returns the newest audit entries for one device.
func (s *Service) DeviceHistory(ctx context.Context, deviceID string, limit int) ([]storage.AuditEntry, error) {
	return s.store.GetDeviceAuditHistory(ctx, deviceID, limit)
}

func (s *Service) audit(ctx context.Context, e storage.AuditEntry) {
	if err := s.store.LogAuditEvent(ctx, e); err != nil {
		s.log.Error("audit write failed", logx.String("event", e.Event), logx.Err(err))
	}
}

// resolveExecuteAt turns the two mutually exclusive time inputs into a
// concrete execution time.
func resolveExecuteAt(delayMinutes *int, atTime string, now time.Time) (time.Time, error) {
	switch {
	case delayMinutes != nil && atTime != "":
		return time.Time{}, fmt.Errorf("delay_minutes and at_time are mutually exclusive")
	case delayMinutes != nil:
		if *delayMinutes < 0 {
			return time.Time{}, fmt.Errorf("delay_minutes must be >= 0")
		}
		return now.Add(time.Duration(*delayMinutes) * time.Minute), nil
	case atTime != "":
		return parseAtTime(atTime, now)
	default:
		return time.Time{}, fmt.Errorf("either delay_minutes or at_time is required")
	}
}

// parseAtTime accepts RFC 3339 or a bare "HH:MM" meaning today at that time,
// rolling to tomorrow when the moment has already passed.
func parseAtTime(atTime string, now time.Time) (time.Time, error) {
	if strings.ContainsAny(atTime, "T-") {
		t, err := time.Parse(time.RFC3339, atTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time %q: use HH:MM or RFC 3339", atTime)
		}
		return t, nil
	}

	var hour, minute int
	if _, err := fmt.Sscanf(atTime, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use HH:MM or RFC 3339", atTime)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("invalid time %q: use HH:MM or RFC 3339", atTime)
	}
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

// describe auto-generates a human-readable description.
func describe(action, deviceName string, rec *scheduler.Recurrence, executeAt time.Time) string {
	if rec != nil {
		switch rec.Type {
		case "daily":
			return fmt.Sprintf("%s %s daily at %s", action, deviceName, rec.Time)
		case "weekly":
			return fmt.Sprintf("%s %s on %s at %s", action, deviceName, strings.Join(rec.Days, ", "), rec.Time)
		case "interval":
			minutes := rec.Minutes
			if minutes == 0 {
				minutes = 60
			}
			return fmt.Sprintf("%s %s every %d minutes", action, deviceName, minutes)
		case "cron":
			return fmt.Sprintf("%s %s on cron %q", action, deviceName, rec.Expr)
		}
	}
	return fmt.Sprintf("%s %s %s", action, deviceName, HumanizeUntil(executeAt, time.Now()))
}
