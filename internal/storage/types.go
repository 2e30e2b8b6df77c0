package storage

import (
	"context"
	"errors"
	"time"

	"carebot/internal/schedule"
)

// ErrNotFound is returned (not panicked) for unknown patient or follow-up IDs.
var ErrNotFound = errors.New("not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   JSON snapshot + JSONL audit, no CGO-free-SQLite dependency
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CursorState is the per-day fate of one fire-time.
// The empty string means pending (not yet dispatched today).
type CursorState string

const (
	CursorPending CursorState = ""
	CursorSent    CursorState = "sent"
	CursorMissed  CursorState = "missed"
)

// CursorEntry records what happened to one fire-time on one day.
type CursorEntry struct {
	State    CursorState `json:"state"`
	Attempts int         `json:"attempts"`
	At       time.Time   `json:"at,omitzero"`
}

// DispatchRecord is one row of the audit trail.
// Keep it compact and schema-stable.
type DispatchRecord struct {
	At        time.Time `json:"at"`
	PatientID string    `json:"patient_id"`
	Kind      string    `json:"kind"` // "medication", "followup", "summary"
	FireTime  string    `json:"fire_time,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
}

// Store is the persistence API shared by the dispatcher and the command
// surface. Implementations serialize concurrent writes, so a Put racing a
// Deactivate for the same patient resolves last-writer-wins.
type Store interface {
	// Schedules (one per patient, upsert).
	PutSchedule(ctx context.Context, s schedule.Schedule) error
	GetSchedule(ctx context.Context, patientID string) (schedule.Schedule, error)
	ListActive(ctx context.Context) ([]schedule.Schedule, error)
	Deactivate(ctx context.Context, patientID string) error

	// Per-day dispatch cursor, keyed by fire-time ("HH:MM").
	DayCursor(ctx context.Context, patientID, day string) (map[string]CursorEntry, error)
	MarkSent(ctx context.Context, patientID, day, fireTime string, at time.Time) error
	MarkMissed(ctx context.Context, patientID, day, fireTime string) error
	BumpAttempts(ctx context.Context, patientID, day, fireTime string) (int, error)

	// Follow-up appointment reminders.
	PutFollowUp(ctx context.Context, f schedule.FollowUp) error
	ListActiveFollowUps(ctx context.Context) ([]schedule.FollowUp, error)
	DeactivateFollowUp(ctx context.Context, id string) error
	FollowUpSent(ctx context.Context, id string, daysAhead int) (bool, error)
	MarkFollowUpSent(ctx context.Context, id string, daysAhead int, day string) error

	// Audit + retention.
	AppendDispatch(ctx context.Context, r DispatchRecord) error
	Prune(ctx context.Context, keepDays int, now time.Time) error

	Close() error
}
