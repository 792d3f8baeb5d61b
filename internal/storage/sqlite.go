package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "burrow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store at cfg.Path, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateScheduledAction(ctx context.Context, a *ScheduledAction) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return errors.New("scheduled action id is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	params, err := marshalParams(a.Params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_actions(id, device_id, action, params, execute_at, created_at, recurrence, last_executed_at, status, created_by, description)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.DeviceID, a.Action, params,
		toMillis(a.ExecuteAt), toMillis(a.CreatedAt), a.Recurrence,
		toMillisPtr(a.LastExecutedAt), a.Status, a.CreatedBy, a.Description,
	)
	return err
}

const actionCols = `id, device_id, action, params, execute_at, created_at, recurrence, last_executed_at, status, created_by, description`

func (s *sqliteStore) GetScheduledAction(ctx context.Context, id string) (*ScheduledAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionCols+` FROM scheduled_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *sqliteStore) GetDueActions(ctx context.Context, now time.Time) ([]*ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionCols+` FROM scheduled_actions
		 WHERE status = ? AND execute_at <= ?
		 ORDER BY execute_at ASC`,
		StatusPending, toMillis(now))
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}

func (s *sqliteStore) GetAllPendingActions(ctx context.Context) ([]*ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionCols+` FROM scheduled_actions
		 WHERE status = ? ORDER BY execute_at ASC`,
		StatusPending)
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}

func (s *sqliteStore) GetPendingActionsForDevice(ctx context.Context, deviceID string) ([]*ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionCols+` FROM scheduled_actions
		 WHERE status = ? AND device_id = ? ORDER BY execute_at ASC`,
		StatusPending, deviceID)
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}

func (s *sqliteStore) MarkActionExecuted(ctx context.Context, id string, next *time.Time) error {
	now := toMillis(time.Now())
	var res sql.Result
	var err error
	if next != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE scheduled_actions
			 SET last_executed_at = ?, execute_at = ?, last_error = NULL
			 WHERE id = ? AND status = ?`,
			now, toMillis(*next), id, StatusPending)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE scheduled_actions
			 SET last_executed_at = ?, status = ?, last_error = NULL
			 WHERE id = ? AND status = ?`,
			now, StatusCompleted, id, StatusPending)
	}
	return s.checkTransition(ctx, id, res, err)
}

func (s *sqliteStore) MarkActionFailed(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions SET status = ?, last_error = ?
		 WHERE id = ? AND status = ?`,
		StatusFailed, nullStr(errMsg), id, StatusPending)
	return s.checkTransition(ctx, id, res, err)
}

func (s *sqliteStore) Reschedule(ctx context.Context, id string, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions SET execute_at = ?
		 WHERE id = ? AND status = ?`,
		toMillis(next), id, StatusPending)
	return s.checkTransition(ctx, id, res, err)
}

func (s *sqliteStore) CancelScheduledAction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions SET status = ?
		 WHERE id = ? AND status = ?`,
		StatusCancelled, id, StatusPending)
	return s.checkTransition(ctx, id, res, err)
}

func (s *sqliteStore) UpdateScheduledAction(ctx context.Context, a *ScheduledAction) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return errors.New("scheduled action id is required")
	}
	params, err := marshalParams(a.Params)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET action = ?, params = ?, execute_at = ?, recurrence = ?, description = ?
		 WHERE id = ? AND status = ?`,
		a.Action, params, toMillis(a.ExecuteAt), a.Recurrence, a.Description,
		a.ID, StatusPending)
	return s.checkTransition(ctx, a.ID, res, err)
}

// checkTransition distinguishes "no such row" from "row left pending already"
// when a guarded UPDATE matched nothing.
func (s *sqliteStore) checkTransition(ctx context.Context, id string, res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM scheduled_actions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w (status %s)", ErrNotPending, status)
}

func (s *sqliteStore) LogAuditEvent(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(at, event, source, action_id, device_id, action, ok, err, took_ms, prev_state, new_state, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		toMillis(e.At), e.Event, nullStr(e.Source), nullStr(e.ActionID), nullStr(e.DeviceID), nullStr(e.Action),
		boolInt(e.OK), nullStr(e.Error), e.TookMS, nullStr(e.PrevState), nullStr(e.NewState), nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) GetAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q := `SELECT id, at, event, source, action_id, device_id, action, ok, err, took_ms, prev_state, new_state, meta
	 FROM audit_log WHERE 1=1`
	args := make([]any, 0, 3)
	if !f.Since.IsZero() {
		q += ` AND at >= ?`
		args = append(args, toMillis(f.Since))
	}
	if f.Event != "" {
		q += ` AND event = ?`
		args = append(args, f.Event)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanAudit(rows)
}

func (s *sqliteStore) GetDeviceAuditHistory(ctx context.Context, deviceID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, event, source, action_id, device_id, action, ok, err, took_ms, prev_state, new_state, meta
		 FROM audit_log WHERE device_id = ? ORDER BY id DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	return scanAudit(rows)
}

func (s *sqliteStore) SaveDeviceState(ctx context.Context, deviceID string, stateJSON string) error {
	if strings.TrimSpace(deviceID) == "" {
		return errors.New("device id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_state(device_id, state, updated_at) VALUES(?,?,?)
		 ON CONFLICT(device_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		deviceID, stateJSON, toMillis(time.Now()))
	return err
}

func (s *sqliteStore) GetDeviceState(ctx context.Context, deviceID string) (string, time.Time, error) {
	var state string
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, updated_at FROM device_state WHERE device_id = ?`, deviceID).Scan(&state, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return state, fromMillis(at), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*ScheduledAction, error) {
	var (
		a         ScheduledAction
		params    string
		executeAt int64
		createdAt int64
		lastExec  sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.DeviceID, &a.Action, &params, &executeAt, &createdAt,
		&a.Recurrence, &lastExec, &a.Status, &a.CreatedBy, &a.Description)
	if err != nil {
		return nil, err
	}
	a.ExecuteAt = fromMillis(executeAt)
	a.CreatedAt = fromMillis(createdAt)
	if lastExec.Valid {
		t := fromMillis(lastExec.Int64)
		a.LastExecutedAt = &t
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &a.Params); err != nil {
			return nil, fmt.Errorf("action %s: bad params: %w", a.ID, err)
		}
	}
	return &a, nil
}

func scanActions(rows *sql.Rows) ([]*ScheduledAction, error) {
	defer rows.Close()
	var out []*ScheduledAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAudit(rows *sql.Rows) ([]AuditEntry, error) {
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e                    AuditEntry
			at                   int64
			source               sql.NullString
			actionID, devID, act sql.NullString
			errStr, meta         sql.NullString
			prevState, newState  sql.NullString
			ok                   int
		)
		if err := rows.Scan(&e.ID, &at, &e.Event, &source, &actionID, &devID, &act, &ok, &errStr, &e.TookMS, &prevState, &newState, &meta); err != nil {
			return nil, err
		}
		e.At = fromMillis(at)
		e.Source = source.String
		e.ActionID = actionID.String
		e.DeviceID = devID.String
		e.Action = act.String
		e.OK = ok != 0
		e.Error = errStr.String
		e.PrevState = prevState.String
		e.NewState = newState.String
		e.MetaJSON = meta.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalParams(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	return string(b), nil
}

// Timestamps are stored as Unix milliseconds so range comparisons in SQL
// (due-action lookups) behave chronologically.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func toMillisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
