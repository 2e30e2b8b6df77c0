package schedule

import (
	"errors"
	"fmt"
)

// Frequency bounds for per-day reminders.
const (
	MinPerDay = 1
	MaxPerDay = 6
)

// ErrInvalidFrequency rejects per-day counts outside [MinPerDay, MaxPerDay].
var ErrInvalidFrequency = errors.New("invalid reminder frequency")

// Window is the active span of the day in which reminders may fire.
// Reminders are never scheduled outside it (no 3am pills).
type Window struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// DefaultWindow covers the usual waking hours.
var DefaultWindow = Window{Start: MustTimeOfDay("08:00"), End: MustTimeOfDay("22:00")}

func (w Window) validate() error {
	if w.Start >= w.End {
		return fmt.Errorf("window start %s is not before end %s", w.Start, w.End)
	}
	// Each fire-time must land on a distinct minute.
	if int(w.End-w.Start) < MaxPerDay-1 {
		return fmt.Errorf("window %s-%s too narrow", w.Start, w.End)
	}
	return nil
}

// Contains reports whether t falls inside the window (inclusive).
func (w Window) Contains(t TimeOfDay) bool {
	return t >= w.Start && t <= w.End
}

// BuildFireTimes spreads perDay reminder times evenly across the window.
//
// perDay == 1 fires at the window midpoint; perDay > 1 splits the window
// evenly including both endpoints, so 3 over 08:00-22:00 yields
// 08:00, 15:00, 22:00. The result is strictly increasing and deterministic.
func BuildFireTimes(perDay int, w Window) ([]TimeOfDay, error) {
	if perDay < MinPerDay || perDay > MaxPerDay {
		return nil, fmt.Errorf("%w: %d (want %d..%d)", ErrInvalidFrequency, perDay, MinPerDay, MaxPerDay)
	}
	if err := w.validate(); err != nil {
		return nil, err
	}

	span := int(w.End - w.Start)
	if perDay == 1 {
		return []TimeOfDay{w.Start + TimeOfDay(span/2)}, nil
	}

	times := make([]TimeOfDay, perDay)
	for i := 0; i < perDay; i++ {
		// i*span/(perDay-1) keeps both endpoints exact and avoids float drift.
		times[i] = w.Start + TimeOfDay(i*span/(perDay-1))
	}
	return times, nil
}
