// Package notifier delivers reminders to patients over one or more channels
// (Telegram, email). The dispatcher only sees the Sink contract.
package notifier

import (
	"context"

	"carebot/internal/schedule"
)

type Kind string

const (
	KindMedication Kind = "medication"
	KindFollowUp   Kind = "followup"
	KindSummary    Kind = "summary"
)

// Reminder is one notification to deliver. Which fields are set depends on
// Kind: medication reminders carry Medication+FireTime, follow-up reminders
// carry FollowUp+DaysAhead, summaries carry pre-rendered Text.
type Reminder struct {
	Kind        Kind
	PatientID   string
	PatientName string
	ChatID      int64 // 0 falls back to the sink's default chat

	Medication schedule.Medication
	FireTime   schedule.TimeOfDay
	Notes      string

	FollowUp  *schedule.FollowUp
	DaysAhead int

	Text string
}

// Sink is one delivery channel. Send is treated as an opaque, possibly slow
// remote call; callers guard it with a timeout.
type Sink interface {
	Name() string
	Send(ctx context.Context, r Reminder) error
}
