package telegram

import (
	"testing"
	"time"
)

func TestParseRemind(t *testing.T) {
	t.Parallel()
	req, err := parseRemind("P-1001 | Maria Lopez | Amoxicillin,500mg,3; Vitamin D,1000IU,1 | 7 | take with food")
	if err != nil {
		t.Fatalf("parseRemind: %v", err)
	}
	if req.PatientID != "P-1001" || req.PatientName != "Maria Lopez" {
		t.Fatalf("patient = %q / %q", req.PatientID, req.PatientName)
	}
	if len(req.Medications) != 2 {
		t.Fatalf("medications = %d, want 2", len(req.Medications))
	}
	m := req.Medications[0]
	if m.Name != "Amoxicillin" || m.Dosage != "500mg" || m.PerDay != 3 {
		t.Fatalf("first medication = %+v", m)
	}
	if req.DurationDays != 7 || req.Notes != "take with food" {
		t.Fatalf("duration/notes = %d / %q", req.DurationDays, req.Notes)
	}
}

func TestParseRemindMinimal(t *testing.T) {
	t.Parallel()
	req, err := parseRemind("P-2 | Ben | Metformin,850mg,2")
	if err != nil {
		t.Fatalf("parseRemind: %v", err)
	}
	if req.DurationDays != 0 || req.Notes != "" {
		t.Fatalf("optional fields should stay zero: %+v", req)
	}
}

func TestParseRemindErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		args string
	}{
		{"too few segments", "P-1 | Maria"},
		{"empty id", " | Maria | Amoxicillin,500mg,3"},
		{"malformed medication", "P-1 | Maria | Amoxicillin 500mg 3"},
		{"bad per-day", "P-1 | Maria | Amoxicillin,500mg,three"},
		{"no medications", "P-1 | Maria | ;"},
		{"bad duration", "P-1 | Maria | Amoxicillin,500mg,3 | soon"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := parseRemind(tc.args); err == nil {
				t.Fatalf("parseRemind(%q) accepted bad input", tc.args)
			}
		})
	}
}

func TestParseFollowUp(t *testing.T) {
	t.Parallel()
	req, err := parseFollowUp("P-1001 | Cardiology | 2026-09-10 | 2:30 PM | Room 302 | bring referral")
	if err != nil {
		t.Fatalf("parseFollowUp: %v", err)
	}
	if req.PatientID != "P-1001" || req.Kind != "Cardiology" {
		t.Fatalf("patient/kind = %q / %q", req.PatientID, req.Kind)
	}
	want := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
	if !req.Date.Equal(want) {
		t.Fatalf("date = %v, want %v", req.Date, want)
	}
	if req.TimeOfDay != "2:30 PM" || req.Location != "Room 302" || req.Notes != "bring referral" {
		t.Fatalf("optionals = %+v", req)
	}
}

func TestParseFollowUpErrors(t *testing.T) {
	t.Parallel()
	for _, args := range []string{
		"P-1 | Cardiology",
		"P-1 | Cardiology | 10.09.2026",
		" | Cardiology | 2026-09-10",
	} {
		if _, err := parseFollowUp(args); err == nil {
			t.Fatalf("parseFollowUp(%q) accepted bad input", args)
		}
	}
}

func TestSplitPipesTrimsTrailing(t *testing.T) {
	t.Parallel()
	got := splitPipes("a | b | | c")
	if len(got) != 4 || got[2] != "" || got[3] != "c" {
		t.Fatalf("inner empty segment lost: %#v", got)
	}
	got = splitPipes("a | b | | ")
	if len(got) != 2 {
		t.Fatalf("trailing empty segments kept: %#v", got)
	}
}
