// Package schedule holds the reminder domain model: medications, per-patient
// schedules with derived fire-times, and follow-up appointments.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DayFormat is the canonical calendar-day key used by cursors and stores.
const DayFormat = "2006-01-02"

// Medication is one entry of a patient's plan.
// PerDay is how many reminders per day (1..6).
type Medication struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage"`
	PerDay int    `json:"per_day"`
}

func (m Medication) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("medication name is empty")
	}
	if m.PerDay < MinPerDay || m.PerDay > MaxPerDay {
		return fmt.Errorf("%w: %d (medication %q)", ErrInvalidFrequency, m.PerDay, m.Name)
	}
	return nil
}

// Schedule is the per-patient reminder plan. Exactly one schedule exists per
// patient; storing a new one replaces the old (upsert).
//
// FireTimes is derived at build time: the sorted union of every medication's
// fire-times within the active window. It is persisted alongside the
// medications so the dispatcher never re-derives it.
type Schedule struct {
	ID          string       `json:"id"`
	PatientID   string       `json:"patient_id"`
	PatientName string       `json:"patient_name,omitempty"`
	ChatID      int64        `json:"chat_id"`
	Medications []Medication `json:"medications"`
	StartDate   time.Time    `json:"start_date"`
	// EndDate is exclusive; zero means the schedule never expires.
	EndDate   time.Time   `json:"end_date,omitzero"`
	Notes     string      `json:"notes,omitempty"`
	Window    Window      `json:"window"`
	FireTimes []TimeOfDay `json:"fire_times"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
}

// New validates the plan and derives fire-times.
// durationDays <= 0 means no end date.
func New(patientID string, chatID int64, meds []Medication, start time.Time, durationDays int, notes string, w Window) (Schedule, error) {
	if strings.TrimSpace(patientID) == "" {
		return Schedule{}, errors.New("patient id is empty")
	}
	if len(meds) == 0 {
		return Schedule{}, errors.New("schedule needs at least one medication")
	}
	if err := w.validate(); err != nil {
		return Schedule{}, err
	}

	union := map[TimeOfDay]struct{}{}
	for _, m := range meds {
		if err := m.validate(); err != nil {
			return Schedule{}, err
		}
		times, err := BuildFireTimes(m.PerDay, w)
		if err != nil {
			return Schedule{}, err
		}
		for _, t := range times {
			union[t] = struct{}{}
		}
	}
	fire := make([]TimeOfDay, 0, len(union))
	for t := range union {
		fire = append(fire, t)
	}
	sort.Slice(fire, func(i, j int) bool { return fire[i] < fire[j] })

	s := Schedule{
		ID:          uuid.NewString(),
		PatientID:   patientID,
		ChatID:      chatID,
		Medications: meds,
		StartDate:   start,
		Notes:       notes,
		Window:      w,
		FireTimes:   fire,
		Active:      true,
		CreatedAt:   time.Now(),
	}
	if durationDays > 0 {
		s.EndDate = start.AddDate(0, 0, durationDays)
	}
	return s, nil
}

// Expired reports whether the schedule's end date has passed.
func (s Schedule) Expired(now time.Time) bool {
	return !s.EndDate.IsZero() && now.After(s.EndDate)
}

// DaysLeft returns whole days until the end date, or -1 when open-ended.
func (s Schedule) DaysLeft(now time.Time) int {
	if s.EndDate.IsZero() {
		return -1
	}
	d := int(s.EndDate.Sub(now).Hours() / 24)
	if d < 0 {
		d = 0
	}
	return d
}

// MedicationsAt reports which medications are due at the given fire-time.
// A medication is due when t is one of its own derived fire-times.
func (s Schedule) MedicationsAt(t TimeOfDay) []Medication {
	var due []Medication
	for _, m := range s.Medications {
		times, err := BuildFireTimes(m.PerDay, s.Window)
		if err != nil {
			continue
		}
		for _, ft := range times {
			if ft == t {
				due = append(due, m)
				break
			}
		}
	}
	return due
}

// FollowUp is a scheduled appointment reminder. One notification is sent per
// configured days-before offset, on the matching day.
type FollowUp struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	ChatID          int64     `json:"chat_id"`
	Kind            string    `json:"kind"` // e.g. "Cardiology Follow-up"
	Date            time.Time `json:"date"`
	TimeOfDay       string    `json:"time_of_day,omitempty"` // display only, e.g. "2:30 PM"
	Location        string    `json:"location,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	RemindDaysAhead []int     `json:"remind_days_ahead"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

// DefaultRemindDaysAhead mirrors the usual pre-appointment reminder ladder.
var DefaultRemindDaysAhead = []int{1, 3, 7}

func NewFollowUp(patientID string, chatID int64, kind string, date time.Time, tod, location, notes string, daysAhead []int) (FollowUp, error) {
	if strings.TrimSpace(patientID) == "" {
		return FollowUp{}, errors.New("patient id is empty")
	}
	if strings.TrimSpace(kind) == "" {
		return FollowUp{}, errors.New("appointment kind is empty")
	}
	if date.IsZero() {
		return FollowUp{}, errors.New("appointment date is zero")
	}
	if len(daysAhead) == 0 {
		daysAhead = append([]int(nil), DefaultRemindDaysAhead...)
	}
	for _, d := range daysAhead {
		if d < 0 {
			return FollowUp{}, fmt.Errorf("negative remind offset %d", d)
		}
	}
	return FollowUp{
		ID:              uuid.NewString(),
		PatientID:       patientID,
		ChatID:          chatID,
		Kind:            kind,
		Date:            date,
		TimeOfDay:       tod,
		Location:        location,
		Notes:           notes,
		RemindDaysAhead: daysAhead,
		Active:          true,
		CreatedAt:       time.Now(),
	}, nil
}

// DueOffsets returns the days-before offsets whose reminder day is today.
func (f FollowUp) DueOffsets(today time.Time) []int {
	var due []int
	day := today.Format(DayFormat)
	for _, d := range f.RemindDaysAhead {
		if f.Date.AddDate(0, 0, -d).Format(DayFormat) == day {
			due = append(due, d)
		}
	}
	return due
}

// Past reports whether the appointment date has passed.
func (f FollowUp) Past(now time.Time) bool {
	return now.Format(DayFormat) > f.Date.Format(DayFormat)
}
