package notifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"carebot/internal/schedule"
	logx "carebot/pkg/logx"
)

type fakeSink struct {
	name  string
	err   error
	delay time.Duration
	sent  []Reminder
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Send(ctx context.Context, r Reminder) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, r)
	return nil
}

func medReminder() Reminder {
	return Reminder{
		Kind:       KindMedication,
		PatientID:  "p-1",
		ChatID:     42,
		Medication: schedule.Medication{Name: "Amoxicillin", Dosage: "500mg", PerDay: 3},
		FireTime:   schedule.MustTimeOfDay("15:00"),
	}
}

func TestSendFanout(t *testing.T) {
	t.Parallel()
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	svc := New(Config{RatePerSec: 100}, logx.Nop(), a, b)

	if err := svc.Send(context.Background(), medReminder()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Fatalf("fanout incomplete: a=%d b=%d", len(a.sent), len(b.sent))
	}
}

func TestSendPartialFailureIsSuccess(t *testing.T) {
	t.Parallel()
	bad := &fakeSink{name: "bad", err: errors.New("boom")}
	good := &fakeSink{name: "good"}
	svc := New(Config{RatePerSec: 100}, logx.Nop(), bad, good)

	if err := svc.Send(context.Background(), medReminder()); err != nil {
		t.Fatalf("Send should succeed when one sink delivers: %v", err)
	}
	if len(good.sent) != 1 {
		t.Fatal("good sink did not deliver")
	}
}

func TestSendAllFailed(t *testing.T) {
	t.Parallel()
	bad1 := &fakeSink{name: "bad1", err: errors.New("boom1")}
	bad2 := &fakeSink{name: "bad2", err: errors.New("boom2")}
	svc := New(Config{RatePerSec: 100}, logx.Nop(), bad1, bad2)

	err := svc.Send(context.Background(), medReminder())
	if err == nil {
		t.Fatal("expected error when every sink fails")
	}
	if !strings.Contains(err.Error(), "boom1") || !strings.Contains(err.Error(), "boom2") {
		t.Fatalf("joined error missing causes: %v", err)
	}
}

func TestSendNoSinks(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, logx.Nop())
	if err := svc.Send(context.Background(), medReminder()); !errors.Is(err, ErrNoSinks) {
		t.Fatalf("err = %v, want ErrNoSinks", err)
	}
}

func TestSendTimeoutGuard(t *testing.T) {
	t.Parallel()
	slow := &fakeSink{name: "slow", delay: time.Second}
	svc := New(Config{RatePerSec: 100, SendTimeout: 20 * time.Millisecond}, logx.Nop(), slow)

	start := time.Now()
	err := svc.Send(context.Background(), medReminder())
	if err == nil {
		t.Fatal("expected timeout error from slow sink")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("send did not respect the per-sink timeout")
	}
}

func TestFormatMedicationHTML(t *testing.T) {
	t.Parallel()
	r := medReminder()
	r.Notes = "take <with> food"
	got := formatMedicationHTML(r)
	for _, want := range []string{"Medication Reminder", "Amoxicillin", "500mg", "15:00", "&lt;with&gt;"} {
		if !strings.Contains(got, want) {
			t.Fatalf("formatted message missing %q:\n%s", want, got)
		}
	}
}

func TestFormatFollowUpHTML(t *testing.T) {
	t.Parallel()
	f, err := schedule.NewFollowUp("p-1", 42, "Cardiology Follow-up",
		time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC), "2:30 PM", "Room 302", "", nil)
	if err != nil {
		t.Fatalf("NewFollowUp: %v", err)
	}
	got := formatFollowUpHTML(Reminder{Kind: KindFollowUp, FollowUp: &f})
	for _, want := range []string{"Follow-up Appointment Reminder", "Cardiology Follow-up", "2026-09-10", "2:30 PM", "Room 302"} {
		if !strings.Contains(got, want) {
			t.Fatalf("formatted message missing %q:\n%s", want, got)
		}
	}
}
