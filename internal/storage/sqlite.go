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

	"carebot/internal/schedule"
	logx "carebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also serializes put/deactivate per patient for free.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
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

func (s *sqliteStore) PutSchedule(ctx context.Context, sc schedule.Schedule) error {
	doc, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(patient_id, doc, active, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(patient_id) DO UPDATE SET doc=excluded.doc, active=excluded.active, updated_at=excluded.updated_at`,
		sc.PatientID, string(doc), boolInt(sc.Active), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetSchedule(ctx context.Context, patientID string) (schedule.Schedule, error) {
	var doc string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, active FROM schedules WHERE patient_id = ?`, patientID,
	).Scan(&doc, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, fmt.Errorf("schedule for %q: %w", patientID, ErrNotFound)
	}
	if err != nil {
		return schedule.Schedule{}, err
	}
	return decodeSchedule(doc, active)
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc, active FROM schedules WHERE active = 1 ORDER BY patient_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		var doc string
		var active int
		if err := rows.Scan(&doc, &active); err != nil {
			return nil, err
		}
		sc, err := decodeSchedule(doc, active)
		if err != nil {
			// One corrupt row must not hide everyone else's schedule.
			s.log.Warn("skipping undecodable schedule row", logx.Err(err))
			continue
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Deactivate(ctx context.Context, patientID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET active = 0, updated_at = ? WHERE patient_id = ?`,
		time.Now().Format(time.RFC3339Nano), patientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule for %q: %w", patientID, ErrNotFound)
	}
	return nil
}

func decodeSchedule(doc string, active int) (schedule.Schedule, error) {
	var sc schedule.Schedule
	if err := json.Unmarshal([]byte(doc), &sc); err != nil {
		return schedule.Schedule{}, err
	}
	// The column is authoritative; Deactivate only touches the column.
	sc.Active = active != 0
	return sc, nil
}

// ---- cursors ----

func (s *sqliteStore) DayCursor(ctx context.Context, patientID, day string) (map[string]CursorEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fire_time, state, attempts, at FROM cursors WHERE patient_id = ? AND day = ?`,
		patientID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]CursorEntry{}
	for rows.Next() {
		var ft, state string
		var attempts int
		var at sql.NullString
		if err := rows.Scan(&ft, &state, &attempts, &at); err != nil {
			return nil, err
		}
		e := CursorEntry{State: CursorState(state), Attempts: attempts}
		if at.Valid {
			if ts, perr := time.Parse(time.RFC3339Nano, at.String); perr == nil {
				e.At = ts
			}
		}
		out[ft] = e
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSent(ctx context.Context, patientID, day, fireTime string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(patient_id, day, fire_time, state, at) VALUES(?,?,?,?,?)
		 ON CONFLICT(patient_id, day, fire_time) DO UPDATE SET state=excluded.state, at=excluded.at`,
		patientID, day, fireTime, string(CursorSent), at.Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) MarkMissed(ctx context.Context, patientID, day, fireTime string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(patient_id, day, fire_time, state) VALUES(?,?,?,?)
		 ON CONFLICT(patient_id, day, fire_time) DO UPDATE SET state=excluded.state`,
		patientID, day, fireTime, string(CursorMissed))
	return err
}

func (s *sqliteStore) BumpAttempts(ctx context.Context, patientID, day, fireTime string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(patient_id, day, fire_time, attempts) VALUES(?,?,?,1)
		 ON CONFLICT(patient_id, day, fire_time) DO UPDATE SET attempts = attempts + 1`,
		patientID, day, fireTime)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT attempts FROM cursors WHERE patient_id = ? AND day = ? AND fire_time = ?`,
		patientID, day, fireTime).Scan(&n)
	return n, err
}

// ---- follow-ups ----

func (s *sqliteStore) PutFollowUp(ctx context.Context, f schedule.FollowUp) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO followups(id, patient_id, doc, active, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET doc=excluded.doc, active=excluded.active, updated_at=excluded.updated_at`,
		f.ID, f.PatientID, string(doc), boolInt(f.Active), time.Now().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) ListActiveFollowUps(ctx context.Context) ([]schedule.FollowUp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM followups WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.FollowUp
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var f schedule.FollowUp
		if err := json.Unmarshal([]byte(doc), &f); err != nil {
			s.log.Warn("skipping undecodable follow-up row", logx.Err(err))
			continue
		}
		f.Active = true
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeactivateFollowUp(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE followups SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("follow-up %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) FollowUpSent(ctx context.Context, id string, daysAhead int) (bool, error) {
	var day string
	err := s.db.QueryRowContext(ctx,
		`SELECT day FROM followup_sent WHERE followup_id = ? AND days_ahead = ?`,
		id, daysAhead).Scan(&day)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) MarkFollowUpSent(ctx context.Context, id string, daysAhead int, day string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO followup_sent(followup_id, days_ahead, day) VALUES(?,?,?)
		 ON CONFLICT(followup_id, days_ahead) DO UPDATE SET day=excluded.day`,
		id, daysAhead, day)
	return err
}

// ---- audit + retention ----

func (s *sqliteStore) AppendDispatch(ctx context.Context, r DispatchRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches(at, patient_id, kind, fire_time, detail, ok, err)
		 VALUES(?,?,?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), r.PatientID, r.Kind,
		nullStr(r.FireTime), nullStr(r.Detail), boolInt(r.OK), nullStr(r.Error))
	return err
}

func (s *sqliteStore) Prune(ctx context.Context, keepDays int, now time.Time) error {
	if keepDays <= 0 {
		keepDays = 30
	}
	edge := now.AddDate(0, 0, -keepDays)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cursors WHERE day < ?`, edge.Format(schedule.DayFormat)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatches WHERE at < ?`, edge.Format(time.RFC3339Nano))
	return err
}

func boolInt(b bool) int {
	if b {
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
