package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a scheduled action id does not exist.
	ErrNotFound = errors.New("scheduled action not found")

	// ErrNotPending is returned when a state transition targets an action that
	// already left the pending state (executed, cancelled or failed elsewhere).
	ErrNotPending = errors.New("scheduled action is not pending")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Action status values. Pending actions are the only ones the scheduler picks up.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// ScheduledAction is one durable scheduled device action.
//
// Params carries the action arguments (brightness, color, temperature, ...) as
// an opaque JSON object. Recurrence is the JSON rule understood by the
// scheduler (e.g. {"type":"daily","time":"07:00"}); empty means one-shot.
type ScheduledAction struct {
	ID             string
	DeviceID       string
	Action         string
	Params         map[string]any
	ExecuteAt      time.Time
	CreatedAt      time.Time
	Recurrence     string
	LastExecutedAt *time.Time
	Status         string
	CreatedBy      string
	Description    string
}

// AuditEntry is one row of the append-only scheduling audit trail.
// Keep it compact and schema-stable.
type AuditEntry struct {
	ID       int64
	At       time.Time
	Event    string // schedule_created, schedule_modified, schedule_cancelled, schedule_executed, schedule_failed, device_unhealthy, device_reconnected
	Source   string // provenance, e.g. "schedule:<id>", "health_monitor", or the creating caller
	ActionID string
	DeviceID string
	Action   string
	OK       bool
	Error    string
	TookMS   int64

	// PrevState and NewState are JSON device-state snapshots captured around
	// an execution; empty when no snapshot was available.
	PrevState string
	NewState  string

	MetaJSON string
}

// AuditFilter narrows an audit query. Zero fields are ignored: a zero Since
// means "from the beginning", an empty Event matches every event type, and a
// non-positive Limit falls back to a sane cap.
type AuditFilter struct {
	Since time.Time
	Event string
	Limit int
}

// Store is the persistence API used by the scheduler and the scheduling service.
type Store interface {
	// Scheduled actions.
	CreateScheduledAction(ctx context.Context, a *ScheduledAction) error
	GetScheduledAction(ctx context.Context, id string) (*ScheduledAction, error)
	GetDueActions(ctx context.Context, now time.Time) ([]*ScheduledAction, error)
	GetAllPendingActions(ctx context.Context) ([]*ScheduledAction, error)
	GetPendingActionsForDevice(ctx context.Context, deviceID string) ([]*ScheduledAction, error)

	// MarkActionExecuted records a successful run. A non-nil next reschedules
	// the action (stays pending); nil completes it.
	MarkActionExecuted(ctx context.Context, id string, next *time.Time) error
	MarkActionFailed(ctx context.Context, id string, errMsg string) error
	// Reschedule moves a still-pending action to a new execute_at without
	// touching last_executed_at.
	Reschedule(ctx context.Context, id string, next time.Time) error
	CancelScheduledAction(ctx context.Context, id string) error
	UpdateScheduledAction(ctx context.Context, a *ScheduledAction) error

	// Audit trail.
	LogAuditEvent(ctx context.Context, e AuditEntry) error
	GetAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
	GetDeviceAuditHistory(ctx context.Context, deviceID string, limit int) ([]AuditEntry, error)

	// Device state snapshots (last observed state per device).
	SaveDeviceState(ctx context.Context, deviceID string, stateJSON string) error
	GetDeviceState(ctx context.Context, deviceID string) (stateJSON string, updatedAt time.Time, err error)

	Close() error
}
