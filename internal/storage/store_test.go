package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"carebot/internal/schedule"
	logx "carebot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, driver := range []string{"sqlite", "file"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, driver+".db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func testSchedule(t *testing.T, patientID string) schedule.Schedule {
	t.Helper()
	s, err := schedule.New(patientID, 42,
		[]schedule.Medication{{Name: "Amoxicillin", Dosage: "500mg", PerDay: 3}},
		time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), 14, "with food", schedule.DefaultWindow)
	if err != nil {
		t.Fatalf("schedule.New: %v", err)
	}
	return s
}

func TestPutGetUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		sc := testSchedule(t, "p-1")
		if err := st.PutSchedule(ctx, sc); err != nil {
			t.Fatalf("%s: put: %v", name, err)
		}
		// Idempotence: a second identical put changes nothing observable.
		if err := st.PutSchedule(ctx, sc); err != nil {
			t.Fatalf("%s: second put: %v", name, err)
		}
		got, err := st.GetSchedule(ctx, "p-1")
		if err != nil {
			t.Fatalf("%s: get: %v", name, err)
		}
		if got.ID != sc.ID || len(got.Medications) != 1 || got.Medications[0].Name != "Amoxicillin" {
			t.Fatalf("%s: roundtrip mismatch: %+v", name, got)
		}
		if len(got.FireTimes) != 3 {
			t.Fatalf("%s: fire-times lost: %v", name, got.FireTimes)
		}

		// Upsert replaces.
		repl := testSchedule(t, "p-1")
		repl.Medications[0].Name = "Lisinopril"
		if err := st.PutSchedule(ctx, repl); err != nil {
			t.Fatalf("%s: replace: %v", name, err)
		}
		got, err = st.GetSchedule(ctx, "p-1")
		if err != nil {
			t.Fatalf("%s: get after replace: %v", name, err)
		}
		if got.Medications[0].Name != "Lisinopril" {
			t.Fatalf("%s: upsert did not replace: %+v", name, got)
		}
	}
}

func TestGetUnknownPatient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		if _, err := st.GetSchedule(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: err = %v, want ErrNotFound", name, err)
		}
		if err := st.Deactivate(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: deactivate err = %v, want ErrNotFound", name, err)
		}
	}
}

func TestListActiveAndDeactivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		for _, p := range []string{"p-1", "p-2", "p-3"} {
			if err := st.PutSchedule(ctx, testSchedule(t, p)); err != nil {
				t.Fatalf("%s: put %s: %v", name, p, err)
			}
		}
		if err := st.Deactivate(ctx, "p-2"); err != nil {
			t.Fatalf("%s: deactivate: %v", name, err)
		}

		active, err := st.ListActive(ctx)
		if err != nil {
			t.Fatalf("%s: list: %v", name, err)
		}
		if len(active) != 2 {
			t.Fatalf("%s: active = %d, want 2", name, len(active))
		}
		for _, sc := range active {
			if sc.PatientID == "p-2" {
				t.Fatalf("%s: deactivated schedule still listed", name)
			}
		}

		// Deactivation keeps history: the record is still readable.
		got, err := st.GetSchedule(ctx, "p-2")
		if err != nil {
			t.Fatalf("%s: get deactivated: %v", name, err)
		}
		if got.Active {
			t.Fatalf("%s: schedule still active after deactivate", name)
		}
	}
}

func TestCursorLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	day := "2026-08-24"
	for name, st := range openDrivers(t) {
		cur, err := st.DayCursor(ctx, "p-1", day)
		if err != nil {
			t.Fatalf("%s: empty cursor: %v", name, err)
		}
		if len(cur) != 0 {
			t.Fatalf("%s: fresh day cursor not empty: %v", name, cur)
		}

		// Attempts accumulate without changing pending state.
		for i := 1; i <= 3; i++ {
			n, err := st.BumpAttempts(ctx, "p-1", day, "15:00")
			if err != nil {
				t.Fatalf("%s: bump: %v", name, err)
			}
			if n != i {
				t.Fatalf("%s: attempts = %d, want %d", name, n, i)
			}
		}
		cur, _ = st.DayCursor(ctx, "p-1", day)
		if e := cur["15:00"]; e.State != CursorPending || e.Attempts != 3 {
			t.Fatalf("%s: entry = %+v", name, e)
		}

		at := time.Date(2026, 8, 24, 15, 1, 0, 0, time.UTC)
		if err := st.MarkSent(ctx, "p-1", day, "15:00", at); err != nil {
			t.Fatalf("%s: mark sent: %v", name, err)
		}
		if err := st.MarkMissed(ctx, "p-1", day, "08:00"); err != nil {
			t.Fatalf("%s: mark missed: %v", name, err)
		}

		cur, _ = st.DayCursor(ctx, "p-1", day)
		if cur["15:00"].State != CursorSent {
			t.Fatalf("%s: 15:00 state = %q", name, cur["15:00"].State)
		}
		if cur["08:00"].State != CursorMissed {
			t.Fatalf("%s: 08:00 state = %q", name, cur["08:00"].State)
		}

		// A different day starts clean (midnight rollover).
		cur, _ = st.DayCursor(ctx, "p-1", "2026-08-25")
		if len(cur) != 0 {
			t.Fatalf("%s: next-day cursor not empty: %v", name, cur)
		}
	}
}

func TestFollowUpRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	appt := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		f, err := schedule.NewFollowUp("p-1", 42, "Cardiology Follow-up", appt, "2:30 PM", "Room 302", "bring med list", nil)
		if err != nil {
			t.Fatalf("NewFollowUp: %v", err)
		}
		if err := st.PutFollowUp(ctx, f); err != nil {
			t.Fatalf("%s: put follow-up: %v", name, err)
		}

		list, err := st.ListActiveFollowUps(ctx)
		if err != nil || len(list) != 1 {
			t.Fatalf("%s: list = %v, err %v", name, list, err)
		}
		if list[0].Kind != "Cardiology Follow-up" || len(list[0].RemindDaysAhead) != 3 {
			t.Fatalf("%s: roundtrip mismatch: %+v", name, list[0])
		}

		sent, err := st.FollowUpSent(ctx, f.ID, 3)
		if err != nil || sent {
			t.Fatalf("%s: sent = %v, err %v", name, sent, err)
		}
		if err := st.MarkFollowUpSent(ctx, f.ID, 3, "2026-09-07"); err != nil {
			t.Fatalf("%s: mark sent: %v", name, err)
		}
		if sent, _ := st.FollowUpSent(ctx, f.ID, 3); !sent {
			t.Fatalf("%s: sent mark lost", name)
		}

		if err := st.DeactivateFollowUp(ctx, f.ID); err != nil {
			t.Fatalf("%s: deactivate: %v", name, err)
		}
		if list, _ := st.ListActiveFollowUps(ctx); len(list) != 0 {
			t.Fatalf("%s: deactivated follow-up still listed", name)
		}
	}
}

func TestFileDriverSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "carebot.db")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sc := testSchedule(t, "p-1")
	if err := st.PutSchedule(ctx, sc); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.MarkSent(ctx, "p-1", "2026-08-24", "08:00", time.Now()); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, err := st2.GetSchedule(ctx, "p-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.ID != sc.ID {
		t.Fatalf("schedule lost across restart")
	}
	cur, err := st2.DayCursor(ctx, "p-1", "2026-08-24")
	if err != nil || cur["08:00"].State != CursorSent {
		t.Fatalf("cursor lost across restart: %v (err %v)", cur, err)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		if err := st.MarkSent(ctx, "p-1", "2026-06-01", "08:00", now.AddDate(0, 0, -80)); err != nil {
			t.Fatalf("%s: mark old: %v", name, err)
		}
		if err := st.MarkSent(ctx, "p-1", "2026-08-24", "08:00", now); err != nil {
			t.Fatalf("%s: mark new: %v", name, err)
		}
		if err := st.Prune(ctx, 30, now); err != nil {
			t.Fatalf("%s: prune: %v", name, err)
		}
		old, _ := st.DayCursor(ctx, "p-1", "2026-06-01")
		if len(old) != 0 {
			t.Fatalf("%s: old cursor survived prune: %v", name, old)
		}
		recent, _ := st.DayCursor(ctx, "p-1", "2026-08-24")
		if len(recent) != 1 {
			t.Fatalf("%s: recent cursor pruned", name)
		}
	}
}
