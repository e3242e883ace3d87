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

	"recap/internal/delivery"
	"recap/internal/rule"
	"recap/internal/summary"
	logx "recap/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (delivery.Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	// Required for the schedule -> deliveries cascade.
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

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

// ---- schedules ----

func (s *sqliteStore) PutSchedule(ctx context.Context, sc rule.Schedule) error {
	var day any
	if sc.Recurrence.Day != nil {
		day = *sc.Recurrence.Day
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, owner_id, name, enabled, timezone, tod_hour, tod_minute,
		                       recur_kind, recur_day, recur_unit, recur_interval,
		                       lead_minutes, lookback_kind, lookback_days, scope)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id=excluded.owner_id, name=excluded.name, enabled=excluded.enabled,
		   timezone=excluded.timezone, tod_hour=excluded.tod_hour, tod_minute=excluded.tod_minute,
		   recur_kind=excluded.recur_kind, recur_day=excluded.recur_day,
		   recur_unit=excluded.recur_unit, recur_interval=excluded.recur_interval,
		   lead_minutes=excluded.lead_minutes, lookback_kind=excluded.lookback_kind,
		   lookback_days=excluded.lookback_days, scope=excluded.scope`,
		sc.ID, sc.OwnerID, sc.Name, boolInt(sc.Enabled), sc.Timezone,
		sc.TimeOfDay.Hour, sc.TimeOfDay.Minute,
		string(sc.Recurrence.Kind), day, nullStr(string(sc.Recurrence.Unit)), sc.Recurrence.Interval,
		sc.LeadTimeMinutes, string(sc.Lookback.Kind), sc.Lookback.Days, nullStr(sc.Scope),
	)
	return err
}

const scheduleCols = `id, owner_id, name, enabled, timezone, tod_hour, tod_minute,
	recur_kind, recur_day, recur_unit, recur_interval, lead_minutes, lookback_kind, lookback_days, scope`

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (rule.Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rule.Schedule{}, false, nil
	}
	if err != nil {
		return rule.Schedule{}, false, err
	}
	return sc, true, nil
}

func (s *sqliteStore) ListEnabledSchedules(ctx context.Context) ([]rule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (rule.Schedule, error) {
	var (
		sc      rule.Schedule
		enabled int
		day     sql.NullInt64
		unit    sql.NullString
		scope   sql.NullString
	)
	err := r.Scan(&sc.ID, &sc.OwnerID, &sc.Name, &enabled, &sc.Timezone,
		&sc.TimeOfDay.Hour, &sc.TimeOfDay.Minute,
		&sc.Recurrence.Kind, &day, &unit, &sc.Recurrence.Interval,
		&sc.LeadTimeMinutes, &sc.Lookback.Kind, &sc.Lookback.Days, &scope)
	if err != nil {
		return rule.Schedule{}, err
	}
	sc.Enabled = enabled != 0
	if day.Valid {
		d := int(day.Int64)
		sc.Recurrence.Day = &d
	}
	if unit.Valid {
		sc.Recurrence.Unit = rule.IntervalUnit(unit.String)
	}
	if scope.Valid {
		sc.Scope = scope.String
	}
	// Re-validate on the way out: rows were valid when written, and this
	// re-resolves the cached time zone for the calculators.
	if err := sc.Validate(); err != nil {
		return rule.Schedule{}, fmt.Errorf("stored schedule %s: %w", sc.ID, err)
	}
	return sc, nil
}

// ---- delivery records ----

func (s *sqliteStore) InsertRecord(ctx context.Context, rec delivery.Record) (bool, error) {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return false, err
	}
	// OR IGNORE turns a (schedule_id, occurrence_at) collision into zero
	// affected rows instead of an error: "already planned" is a no-op.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries(id, schedule_id, occurrence_at, trigger_at,
		                                  window_start, window_end, status, payload, error,
		                                  delivered_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ScheduleID, rec.OccurrenceAt.UnixMilli(), rec.TriggerAt.UnixMilli(),
		rec.WindowStart.UnixMilli(), rec.WindowEnd.UnixMilli(), string(rec.Status),
		payload, nullStr(rec.ErrorMessage), nullTime(rec.DeliveredAt),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const recordCols = `id, schedule_id, occurrence_at, trigger_at, window_start, window_end,
	status, payload, error, delivered_at, created_at, updated_at`

func (s *sqliteStore) GetRecord(ctx context.Context, id string) (delivery.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordCols+` FROM deliveries WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Record{}, false, nil
	}
	if err != nil {
		return delivery.Record{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) ListRecords(ctx context.Context, scheduleID string, limit int) ([]delivery.Record, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordCols+` FROM deliveries WHERE schedule_id = ? ORDER BY occurrence_at DESC LIMIT ?`,
		scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *sqliteStore) LatestOccurrence(ctx context.Context, scheduleID string) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(occurrence_at) FROM deliveries WHERE schedule_id = ?`, scheduleID).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

func (s *sqliteStore) CountUpcoming(ctx context.Context, scheduleID string, after time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE schedule_id = ? AND occurrence_at > ?`,
		scheduleID, after.UnixMilli()).Scan(&n)
	return n, err
}

func (s *sqliteStore) QueryDue(ctx context.Context, now time.Time) ([]delivery.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordCols+` FROM deliveries
		 WHERE status = ? AND trigger_at <= ?
		 ORDER BY trigger_at ASC`,
		string(delivery.StatusPending), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *sqliteStore) QueryStalled(ctx context.Context, before time.Time) ([]delivery.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordCols+` FROM deliveries
		 WHERE status IN (?, ?) AND updated_at < ?
		 ORDER BY updated_at ASC`,
		string(delivery.StatusGenerating), string(delivery.StatusDelivering), before.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Claim is the concurrency-critical operation: one conditional UPDATE whose
// WHERE clause carries both the status check and the due check. Replicated
// workers race on it safely; exactly one sees an affected row.
func (s *sqliteStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND trigger_at <= ?`,
		string(delivery.StatusGenerating), now.UnixMilli(),
		id, string(delivery.StatusPending), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Transition(ctx context.Context, id string, from, to delivery.Status, mut delivery.Mutation) (bool, error) {
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), time.Now().UnixMilli()}

	if mut.Payload != nil {
		b, err := marshalPayload(mut.Payload)
		if err != nil {
			return false, err
		}
		set = append(set, "payload = ?")
		args = append(args, b)
	}
	if mut.ErrorMessage != nil {
		set = append(set, "error = ?")
		args = append(args, nullStr(*mut.ErrorMessage))
	}
	if mut.DeliveredAt != nil {
		set = append(set, "delivered_at = ?")
		args = append(args, mut.DeliveredAt.UnixMilli())
	}

	args = append(args, id, string(from))
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func collectRecords(rows *sql.Rows) ([]delivery.Record, error) {
	var out []delivery.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(r rowScanner) (delivery.Record, error) {
	var (
		rec         delivery.Record
		occurrence  int64
		trigger     int64
		winStart    int64
		winEnd      int64
		payload     sql.NullString
		errMsg      sql.NullString
		deliveredAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := r.Scan(&rec.ID, &rec.ScheduleID, &occurrence, &trigger, &winStart, &winEnd,
		&rec.Status, &payload, &errMsg, &deliveredAt, &createdAt, &updatedAt)
	if err != nil {
		return delivery.Record{}, err
	}
	rec.OccurrenceAt = time.UnixMilli(occurrence).UTC()
	rec.TriggerAt = time.UnixMilli(trigger).UTC()
	rec.WindowStart = time.UnixMilli(winStart).UTC()
	rec.WindowEnd = time.UnixMilli(winEnd).UTC()
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if payload.Valid && payload.String != "" {
		var p summary.Payload
		if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
			return delivery.Record{}, fmt.Errorf("delivery %s: corrupt payload: %w", rec.ID, err)
		}
		rec.Payload = &p
	}
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	if deliveredAt.Valid {
		at := time.UnixMilli(deliveredAt.Int64).UTC()
		rec.DeliveredAt = &at
	}
	return rec, nil
}

func marshalPayload(p *summary.Payload) (any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
