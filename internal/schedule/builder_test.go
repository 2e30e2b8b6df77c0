package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestBuildFireTimesEvenSplit(t *testing.T) {
	t.Parallel()
	w := Window{Start: MustTimeOfDay("08:00"), End: MustTimeOfDay("22:00")}

	tests := []struct {
		name   string
		perDay int
		want   []string
	}{
		{name: "once at midpoint", perDay: 1, want: []string{"15:00"}},
		{name: "twice at endpoints", perDay: 2, want: []string{"08:00", "22:00"}},
		{name: "three even", perDay: 3, want: []string{"08:00", "15:00", "22:00"}},
		{name: "six even", perDay: 6, want: []string{"08:00", "10:48", "13:36", "16:24", "19:12", "22:00"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildFireTimes(tt.perDay, w)
			if err != nil {
				t.Fatalf("BuildFireTimes(%d) error: %v", tt.perDay, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d fire-times, want %d", len(got), len(tt.want))
			}
			for i, ft := range got {
				if ft.String() != tt.want[i] {
					t.Fatalf("fire-time[%d] = %s, want %s", i, ft, tt.want[i])
				}
			}
		})
	}
}

func TestBuildFireTimesProperties(t *testing.T) {
	t.Parallel()
	w := DefaultWindow
	for perDay := MinPerDay; perDay <= MaxPerDay; perDay++ {
		got, err := BuildFireTimes(perDay, w)
		if err != nil {
			t.Fatalf("BuildFireTimes(%d) error: %v", perDay, err)
		}
		if len(got) != perDay {
			t.Fatalf("perDay=%d: got %d fire-times", perDay, len(got))
		}
		for i, ft := range got {
			if !w.Contains(ft) {
				t.Fatalf("perDay=%d: fire-time %s outside window", perDay, ft)
			}
			if i > 0 && got[i-1] >= ft {
				t.Fatalf("perDay=%d: fire-times not strictly increasing: %v", perDay, got)
			}
		}
	}
}

func TestBuildFireTimesInvalidFrequency(t *testing.T) {
	t.Parallel()
	for _, perDay := range []int{0, -1, 7, 100} {
		_, err := BuildFireTimes(perDay, DefaultWindow)
		if !errors.Is(err, ErrInvalidFrequency) {
			t.Fatalf("BuildFireTimes(%d) = %v, want ErrInvalidFrequency", perDay, err)
		}
	}
}

func TestBuildFireTimesRejectsBadWindow(t *testing.T) {
	t.Parallel()
	_, err := BuildFireTimes(3, Window{Start: MustTimeOfDay("22:00"), End: MustTimeOfDay("08:00")})
	if err == nil {
		t.Fatal("expected error for inverted window")
	}
}

func TestNewScheduleDerivesUnion(t *testing.T) {
	t.Parallel()
	meds := []Medication{
		{Name: "Amoxicillin", Dosage: "500mg", PerDay: 3},
		{Name: "Lisinopril", Dosage: "10mg", PerDay: 2},
	}
	s, err := New("p-1", 42, meds, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), 10, "", DefaultWindow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// 3/day -> 08:00 15:00 22:00; 2/day -> 08:00 22:00; union has 3 entries.
	if len(s.FireTimes) != 3 {
		t.Fatalf("fire-times union = %v, want 3 entries", s.FireTimes)
	}
	if s.ID == "" || !s.Active {
		t.Fatalf("schedule not initialized: %+v", s)
	}
	if s.EndDate.Format(DayFormat) != "2026-08-11" {
		t.Fatalf("end date = %s", s.EndDate.Format(DayFormat))
	}

	due := s.MedicationsAt(MustTimeOfDay("15:00"))
	if len(due) != 1 || due[0].Name != "Amoxicillin" {
		t.Fatalf("MedicationsAt(15:00) = %v", due)
	}
	due = s.MedicationsAt(MustTimeOfDay("22:00"))
	if len(due) != 2 {
		t.Fatalf("MedicationsAt(22:00) = %v, want both medications", due)
	}
}

func TestNewScheduleRejectsBadInput(t *testing.T) {
	t.Parallel()
	start := time.Now()
	if _, err := New("", 1, []Medication{{Name: "A", Dosage: "1", PerDay: 1}}, start, 0, "", DefaultWindow); err == nil {
		t.Fatal("expected error for empty patient id")
	}
	if _, err := New("p", 1, nil, start, 0, "", DefaultWindow); err == nil {
		t.Fatal("expected error for empty medication list")
	}
	_, err := New("p", 1, []Medication{{Name: "A", Dosage: "1", PerDay: 9}}, start, 0, "", DefaultWindow)
	if !errors.Is(err, ErrInvalidFrequency) {
		t.Fatalf("err = %v, want ErrInvalidFrequency", err)
	}
}

func TestFollowUpDueOffsets(t *testing.T) {
	t.Parallel()
	appt := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
	f, err := NewFollowUp("p-1", 42, "Cardiology Follow-up", appt, "2:30 PM", "Room 302", "", nil)
	if err != nil {
		t.Fatalf("NewFollowUp: %v", err)
	}
	if got := f.DueOffsets(appt.AddDate(0, 0, -3)); len(got) != 1 || got[0] != 3 {
		t.Fatalf("DueOffsets(-3d) = %v, want [3]", got)
	}
	if got := f.DueOffsets(appt.AddDate(0, 0, -2)); got != nil {
		t.Fatalf("DueOffsets(-2d) = %v, want none", got)
	}
	if !f.Past(appt.AddDate(0, 0, 1)) {
		t.Fatal("expected Past after appointment day")
	}
	if f.Past(appt) {
		t.Fatal("appointment day itself is not past")
	}
}

func TestTimeOfDayParse(t *testing.T) {
	t.Parallel()
	got, err := ParseTimeOfDay("23:15")
	if err != nil {
		t.Fatalf("ParseTimeOfDay: %v", err)
	}
	if got.Hour() != 23 || got.Minute() != 15 {
		t.Fatalf("unexpected result: %s", got)
	}
	for _, bad := range []string{"24:00", "12:60", "noon", "12"} {
		if _, err := ParseTimeOfDay(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
