// Package dispatch runs the background reminder loop: on every poll tick it
// walks all active schedules, decides which fire-times are due, and pushes
// reminders through the notifier.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"carebot/internal/notifier"
	"carebot/internal/schedule"
	"carebot/internal/storage"
	logx "carebot/pkg/logx"
)

type Config struct {
	PollInterval time.Duration      // default 60s
	RetryMax     int                // failed-send retries per fire-time; 0 = retry until day rollover
	FollowUpAt   schedule.TimeOfDay // earliest time of day for follow-up reminders
	Timezone     string             // IANA TZ; empty = local
}

// Sender is the slice of the notifier the dispatcher needs.
type Sender interface {
	Send(ctx context.Context, r notifier.Reminder) error
}

// Dispatcher polls the store on a fixed interval.
//
// Per fire-time and day, the cursor moves pending -> sent or pending ->
// missed, never backwards; day rollover is implicit because cursors are
// keyed by calendar day. One patient's failure never blocks the others.
type Dispatcher struct {
	store  storage.Store
	sender Sender
	log    logx.Logger

	mu  sync.Mutex
	cfg Config
	loc *time.Location

	// now is swappable for tests.
	now func() time.Time

	runMu    sync.Mutex
	stopCh   chan struct{}
	runWG    sync.WaitGroup
	lastTick time.Time
}

func New(cfg Config, store storage.Store, sender Sender, log logx.Logger) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		sender: sender,
		log:    log,
		now:    time.Now,
	}
	d.apply(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) { d.apply(cfg) }

func (d *Dispatcher) apply(cfg Config) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.FollowUpAt == 0 {
		cfg.FollowUpAt = schedule.MustTimeOfDay("09:00")
	}
	loc := time.Local
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			d.log.Warn("invalid timezone; using local", logx.String("tz", cfg.Timezone), logx.Err(err))
		}
	}
	d.mu.Lock()
	d.cfg = cfg
	d.loc = loc
	d.mu.Unlock()
}

func (d *Dispatcher) interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.PollInterval
}

// Start launches the poll loop. Non-blocking.
func (d *Dispatcher) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	d.stopCh = stopCh

	d.runWG.Add(1)
	go func() {
		defer d.runWG.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("panic in dispatch loop", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		d.log.Info("dispatch loop started", logx.Duration("interval", d.interval()))
		d.Tick(ctx)
		for {
			t := time.NewTimer(d.interval())
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-stopCh:
				t.Stop()
				return
			case <-t.C:
				d.Tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight tick, bounded by ctx.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.runMu.Lock()
	stopCh := d.stopCh
	d.stopCh = nil
	d.runMu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		d.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("dispatch loop stopped")
	case <-ctx.Done():
		d.log.Warn("dispatch stop timed out; tick still in flight")
	}
}

// Tick runs one poll pass across all active schedules and follow-ups.
// Store failures abort only this tick; the next interval retries everything.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.mu.Lock()
	loc := d.loc
	d.mu.Unlock()
	now := d.now().In(loc)

	d.runMu.Lock()
	d.lastTick = now
	d.runMu.Unlock()

	scheds, err := d.store.ListActive(ctx)
	if err != nil {
		d.log.Error("store unavailable; skipping tick", logx.Err(err))
		return
	}
	for _, sc := range scheds {
		if err := d.processSchedule(ctx, now, sc); err != nil {
			d.log.Warn("schedule processing failed",
				logx.String("patient", sc.PatientID), logx.Err(err))
		}
	}

	fups, err := d.store.ListActiveFollowUps(ctx)
	if err != nil {
		d.log.Error("follow-up listing failed", logx.Err(err))
		return
	}
	for _, f := range fups {
		if err := d.processFollowUp(ctx, now, f); err != nil {
			d.log.Warn("follow-up processing failed",
				logx.String("patient", f.PatientID), logx.String("followup", f.ID), logx.Err(err))
		}
	}
}

// LastTick reports when the loop last polled (for /status style commands).
func (d *Dispatcher) LastTick() time.Time {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	return d.lastTick
}

func (d *Dispatcher) processSchedule(ctx context.Context, now time.Time, sc schedule.Schedule) error {
	if sc.Expired(now) {
		d.log.Info("schedule ended; deactivating",
			logx.String("patient", sc.PatientID),
			logx.Time("end_date", sc.EndDate))
		return d.store.Deactivate(ctx, sc.PatientID)
	}
	if now.Before(sc.StartDate) {
		return nil
	}

	day := now.Format(schedule.DayFormat)
	tod := schedule.TimeOfDayFrom(now)

	cur, err := d.store.DayCursor(ctx, sc.PatientID, day)
	if err != nil {
		return fmt.Errorf("day cursor: %w", err)
	}

	// Fire-times that have passed today and were not resolved yet.
	var passed []schedule.TimeOfDay
	for _, ft := range sc.FireTimes {
		if ft <= tod && cur[ft.String()].State == storage.CursorPending {
			passed = append(passed, ft)
		}
	}
	if len(passed) == 0 {
		return nil
	}

	// Collapse: only the most recent unfired time is dispatched. Earlier
	// ones were skipped while the process (or the patient's day) moved on;
	// sending a burst of stale reminders now would be worse than useless.
	latest := passed[len(passed)-1]
	for _, ft := range passed[:len(passed)-1] {
		if err := d.store.MarkMissed(ctx, sc.PatientID, day, ft.String()); err != nil {
			return fmt.Errorf("mark missed: %w", err)
		}
		d.log.Warn("fire-time missed",
			logx.String("patient", sc.PatientID),
			logx.String("fire_time", ft.String()))
		_ = d.store.AppendDispatch(ctx, storage.DispatchRecord{
			At: now, PatientID: sc.PatientID, Kind: string(notifier.KindMedication),
			FireTime: ft.String(), OK: false, Error: "missed",
		})
	}

	d.mu.Lock()
	retryMax := d.cfg.RetryMax
	d.mu.Unlock()

	entry := cur[latest.String()]
	if retryMax > 0 && entry.Attempts >= retryMax {
		d.log.Warn("retry budget exhausted; marking missed",
			logx.String("patient", sc.PatientID),
			logx.String("fire_time", latest.String()),
			logx.Int("attempts", entry.Attempts))
		return d.store.MarkMissed(ctx, sc.PatientID, day, latest.String())
	}

	meds := sc.MedicationsAt(latest)
	if len(meds) == 0 {
		// Stale derived state; resolve the slot so it is not retried forever.
		return d.store.MarkSent(ctx, sc.PatientID, day, latest.String(), now)
	}

	var sendErr error
	for _, m := range meds {
		err := d.sender.Send(ctx, notifier.Reminder{
			Kind:        notifier.KindMedication,
			PatientID:   sc.PatientID,
			PatientName: sc.PatientName,
			ChatID:      sc.ChatID,
			Medication:  m,
			FireTime:    latest,
			Notes:       sc.Notes,
		})
		if err != nil && sendErr == nil {
			sendErr = err
		}
	}

	if sendErr != nil {
		attempts, berr := d.store.BumpAttempts(ctx, sc.PatientID, day, latest.String())
		if berr != nil {
			return fmt.Errorf("bump attempts: %w", berr)
		}
		_ = d.store.AppendDispatch(ctx, storage.DispatchRecord{
			At: now, PatientID: sc.PatientID, Kind: string(notifier.KindMedication),
			FireTime: latest.String(), OK: false, Error: sendErr.Error(),
		})
		d.log.Warn("reminder send failed; will retry next tick",
			logx.String("patient", sc.PatientID),
			logx.String("fire_time", latest.String()),
			logx.Int("attempts", attempts),
			logx.Err(sendErr))
		return nil
	}

	if err := d.store.MarkSent(ctx, sc.PatientID, day, latest.String(), now); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	_ = d.store.AppendDispatch(ctx, storage.DispatchRecord{
		At: now, PatientID: sc.PatientID, Kind: string(notifier.KindMedication),
		FireTime: latest.String(), OK: true,
	})
	d.log.Info("reminder dispatched",
		logx.String("patient", sc.PatientID),
		logx.String("fire_time", latest.String()),
		logx.Int("medications", len(meds)))
	return nil
}

func (d *Dispatcher) processFollowUp(ctx context.Context, now time.Time, f schedule.FollowUp) error {
	if f.Past(now) {
		d.log.Info("appointment passed; deactivating follow-up",
			logx.String("patient", f.PatientID), logx.String("followup", f.ID))
		return d.store.DeactivateFollowUp(ctx, f.ID)
	}

	d.mu.Lock()
	notBefore := d.cfg.FollowUpAt
	d.mu.Unlock()
	if schedule.TimeOfDayFrom(now) < notBefore {
		return nil
	}

	day := now.Format(schedule.DayFormat)
	for _, offset := range f.DueOffsets(now) {
		sent, err := d.store.FollowUpSent(ctx, f.ID, offset)
		if err != nil {
			return fmt.Errorf("sent mark lookup: %w", err)
		}
		if sent {
			continue
		}

		err = d.sender.Send(ctx, notifier.Reminder{
			Kind:      notifier.KindFollowUp,
			PatientID: f.PatientID,
			ChatID:    f.ChatID,
			FollowUp:  &f,
			DaysAhead: offset,
		})
		if err != nil {
			// Not marked; the next tick retries.
			_ = d.store.AppendDispatch(ctx, storage.DispatchRecord{
				At: now, PatientID: f.PatientID, Kind: string(notifier.KindFollowUp),
				Detail: f.Kind, OK: false, Error: err.Error(),
			})
			d.log.Warn("follow-up reminder failed; will retry next tick",
				logx.String("patient", f.PatientID),
				logx.String("followup", f.ID),
				logx.Int("days_ahead", offset),
				logx.Err(err))
			continue
		}

		if err := d.store.MarkFollowUpSent(ctx, f.ID, offset, day); err != nil {
			return fmt.Errorf("mark follow-up sent: %w", err)
		}
		_ = d.store.AppendDispatch(ctx, storage.DispatchRecord{
			At: now, PatientID: f.PatientID, Kind: string(notifier.KindFollowUp),
			Detail: f.Kind, OK: true,
		})
		d.log.Info("follow-up reminder dispatched",
			logx.String("patient", f.PatientID),
			logx.String("followup", f.ID),
			logx.Int("days_ahead", offset))
	}
	return nil
}
