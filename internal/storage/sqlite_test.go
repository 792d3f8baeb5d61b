package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "burrow/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "burrow.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreate(t *testing.T, st Store, a *ScheduledAction) *ScheduledAction {
	t.Helper()
	require.NoError(t, st.CreateScheduledAction(context.Background(), a))
	return a
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	at := time.Now().Add(30 * time.Minute)
	mustCreate(t, st, &ScheduledAction{
		ID:          "a1",
		DeviceID:    "lamp-1",
		Action:      "turn_off",
		Params:      map[string]any{"brightness": float64(40)},
		ExecuteAt:   at,
		Recurrence:  `{"type":"daily","time":"22:30"}`,
		CreatedBy:   "assistant",
		Description: "Turn off Desk Lamp daily at 22:30",
	})

	got, err := st.GetScheduledAction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "lamp-1", got.DeviceID)
	assert.Equal(t, "turn_off", got.Action)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, `{"type":"daily","time":"22:30"}`, got.Recurrence)
	assert.Equal(t, map[string]any{"brightness": float64(40)}, got.Params)
	assert.WithinDuration(t, at, got.ExecuteAt, time.Millisecond)
	assert.Nil(t, got.LastExecutedAt)

	_, err = st.GetScheduledAction(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetDueActions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mustCreate(t, st, &ScheduledAction{ID: "past", DeviceID: "d", Action: "turn_on", ExecuteAt: now.Add(-time.Minute)})
	mustCreate(t, st, &ScheduledAction{ID: "now", DeviceID: "d", Action: "turn_on", ExecuteAt: now})
	mustCreate(t, st, &ScheduledAction{ID: "future", DeviceID: "d", Action: "turn_on", ExecuteAt: now.Add(time.Hour)})

	due, err := st.GetDueActions(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	// Ordered oldest first.
	assert.Equal(t, "past", due[0].ID)
	assert.Equal(t, "now", due[1].ID)
}

func TestMarkActionExecutedOneShot(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, st, &ScheduledAction{ID: "a1", DeviceID: "d", Action: "lock", ExecuteAt: time.Now()})
	require.NoError(t, st.MarkActionExecuted(ctx, "a1", nil))

	got, err := st.GetScheduledAction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.LastExecutedAt)

	// Completed actions never show up as due again.
	due, err := st.GetDueActions(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestMarkActionExecutedRecurring(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, st, &ScheduledAction{ID: "a1", DeviceID: "d", Action: "lock", ExecuteAt: time.Now(), Recurrence: `{"type":"daily","time":"22:00"}`})
	next := time.Now().Add(24 * time.Hour)
	require.NoError(t, st.MarkActionExecuted(ctx, "a1", &next))

	got, err := st.GetScheduledAction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.WithinDuration(t, next, got.ExecuteAt, time.Millisecond)
	require.NotNil(t, got.LastExecutedAt)
}

func TestTransitionsGuardPendingOnly(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, st, &ScheduledAction{ID: "a1", DeviceID: "d", Action: "lock", ExecuteAt: time.Now()})
	require.NoError(t, st.CancelScheduledAction(ctx, "a1"))

	err := st.MarkActionExecuted(ctx, "a1", nil)
	assert.ErrorIs(t, err, ErrNotPending)
	err = st.CancelScheduledAction(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotPending)
	err = st.MarkActionFailed(ctx, "a1", "boom")
	assert.ErrorIs(t, err, ErrNotPending)

	err = st.CancelScheduledAction(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkActionFailed(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, st, &ScheduledAction{ID: "a1", DeviceID: "d", Action: "unlock", ExecuteAt: time.Now(), Recurrence: `{"type":"daily","time":"07:00"}`})
	require.NoError(t, st.MarkActionFailed(ctx, "a1", "device offline"))

	got, err := st.GetScheduledAction(ctx, "a1")
	require.NoError(t, err)
	// A failed recurring action still terminates.
	assert.Equal(t, StatusFailed, got.Status)
}

func TestPendingQueries(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mustCreate(t, st, &ScheduledAction{ID: "a1", DeviceID: "lamp-1", Action: "turn_on", ExecuteAt: now.Add(time.Hour)})
	mustCreate(t, st, &ScheduledAction{ID: "a2", DeviceID: "lamp-1", Action: "turn_off", ExecuteAt: now.Add(2 * time.Hour)})
	mustCreate(t, st, &ScheduledAction{ID: "a3", DeviceID: "door-1", Action: "lock", ExecuteAt: now.Add(time.Hour)})
	require.NoError(t, st.CancelScheduledAction(ctx, "a2"))

	all, err := st.GetAllPendingActions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	forLamp, err := st.GetPendingActionsForDevice(ctx, "lamp-1")
	require.NoError(t, err)
	require.Len(t, forLamp, 1)
	assert.Equal(t, "a1", forLamp[0].ID)
}

func TestUpdateScheduledAction(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, st, &ScheduledAction{ID: "a1", DeviceID: "lamp-1", Action: "turn_on", ExecuteAt: time.Now().Add(time.Hour)})
	a.Action = "set_brightness"
	a.Params = map[string]any{"brightness": float64(20)}
	a.ExecuteAt = time.Now().Add(3 * time.Hour)
	a.Description = "Dim Desk Lamp"
	require.NoError(t, st.UpdateScheduledAction(ctx, a))

	got, err := st.GetScheduledAction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "set_brightness", got.Action)
	assert.Equal(t, map[string]any{"brightness": float64(20)}, got.Params)
	assert.Equal(t, "Dim Desk Lamp", got.Description)
}

func TestAuditLog(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for i, ev := range []AuditEntry{
		{Event: "schedule_created", ActionID: "a1", DeviceID: "lamp-1", Action: "turn_off", OK: true},
		{
			Event: "schedule_executed", Source: "schedule:a1", ActionID: "a1", DeviceID: "lamp-1",
			Action: "turn_off", OK: true, TookMS: 12,
			PrevState: `{"power":"on"}`, NewState: `{"power":"off"}`,
		},
		{Event: "schedule_failed", ActionID: "a2", DeviceID: "door-1", Action: "lock", OK: false, Error: "timeout"},
	} {
		ev.At = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, st.LogAuditEvent(ctx, ev))
	}

	all, err := st.GetAuditLog(ctx, AuditFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "schedule_failed", all[0].Event)
	assert.False(t, all[0].OK)
	assert.Equal(t, "timeout", all[0].Error)

	failed, err := st.GetAuditLog(ctx, AuditFilter{Event: "schedule_failed", Limit: 10})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	recent, err := st.GetAuditLog(ctx, AuditFilter{Since: time.Now().Add(90 * time.Second), Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, recent)

	hist, err := st.GetDeviceAuditHistory(ctx, "lamp-1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	for _, e := range hist {
		assert.Equal(t, "lamp-1", e.DeviceID)
	}
	assert.Equal(t, "schedule:a1", hist[0].Source)
	assert.Equal(t, `{"power":"on"}`, hist[0].PrevState)
	assert.Equal(t, `{"power":"off"}`, hist[0].NewState)
}

func TestDeviceState(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	_, _, err := st.GetDeviceState(ctx, "lamp-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.SaveDeviceState(ctx, "lamp-1", `{"power":"on"}`))
	require.NoError(t, st.SaveDeviceState(ctx, "lamp-1", `{"power":"off"}`))

	state, at, err := st.GetDeviceState(ctx, "lamp-1")
	require.NoError(t, err)
	assert.Equal(t, `{"power":"off"}`, state)
	assert.WithinDuration(t, time.Now(), at, 5*time.Second)
}

func TestSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "burrow.db")
	ctx := context.Background()

	st, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	mustCreate(t, st, &ScheduledAction{ID: "a1", DeviceID: "d", Action: "turn_on", ExecuteAt: time.Now().Add(time.Hour)})
	require.NoError(t, st.Close())

	st2, err := Open(Config{Path: path, BusyTimeout: 5 * time.Second}, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()

	got, err := st2.GetScheduledAction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{}, logx.Nop())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
