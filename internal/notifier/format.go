package notifier

import (
	"fmt"
	"html"
	"strings"
)

// Telegram HTML bodies. The layout mirrors what patients already receive
// from the clinic, so keep the structure stable.

func formatMedicationHTML(r Reminder) string {
	var b strings.Builder
	b.WriteString("💊 <b>Medication Reminder</b>\n\n")
	fmt.Fprintf(&b, "<b>Medication:</b> %s\n", html.EscapeString(r.Medication.Name))
	fmt.Fprintf(&b, "<b>Dosage:</b> %s\n", html.EscapeString(r.Medication.Dosage))
	fmt.Fprintf(&b, "<b>Time:</b> %s\n", r.FireTime)
	if strings.TrimSpace(r.Notes) != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(r.Notes))
		b.WriteString("\n")
	}
	b.WriteString("\nPlease take your medication as prescribed.")
	return b.String()
}

func formatFollowUpHTML(r Reminder) string {
	f := r.FollowUp
	var b strings.Builder
	b.WriteString("📅 <b>Follow-up Appointment Reminder</b>\n\n")
	fmt.Fprintf(&b, "<b>Type:</b> %s\n", html.EscapeString(f.Kind))
	fmt.Fprintf(&b, "<b>Date:</b> %s\n", f.Date.Format("2006-01-02"))
	if strings.TrimSpace(f.TimeOfDay) != "" {
		fmt.Fprintf(&b, "<b>Time:</b> %s\n", html.EscapeString(f.TimeOfDay))
	}
	if strings.TrimSpace(f.Location) != "" {
		fmt.Fprintf(&b, "<b>Location:</b> %s\n", html.EscapeString(f.Location))
	}
	if strings.TrimSpace(f.Notes) != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(f.Notes))
		b.WriteString("\n")
	}
	b.WriteString("\nPlease confirm your appointment or contact us if you need to reschedule.")
	return b.String()
}

func formatHTML(r Reminder) string {
	switch r.Kind {
	case KindMedication:
		return formatMedicationHTML(r)
	case KindFollowUp:
		return formatFollowUpHTML(r)
	default:
		return r.Text
	}
}

// Plain-text rendering for channels without HTML (email subject/body).

func formatSubject(r Reminder) string {
	switch r.Kind {
	case KindMedication:
		return fmt.Sprintf("Medication Reminder: %s", r.Medication.Name)
	case KindFollowUp:
		return fmt.Sprintf("Appointment Reminder: %s", r.FollowUp.Kind)
	default:
		return "Healthcare Schedule Summary"
	}
}

func formatPlain(r Reminder) string {
	switch r.Kind {
	case KindMedication:
		var b strings.Builder
		if r.PatientName != "" {
			fmt.Fprintf(&b, "Dear %s,\n\n", r.PatientName)
		}
		fmt.Fprintf(&b, "This is a reminder to take your medication.\n\n")
		fmt.Fprintf(&b, "Medication: %s\nDosage: %s\nTime: %s\n", r.Medication.Name, r.Medication.Dosage, r.FireTime)
		if strings.TrimSpace(r.Notes) != "" {
			fmt.Fprintf(&b, "Notes: %s\n", r.Notes)
		}
		b.WriteString("\nPlease take your medication as prescribed.\n")
		return b.String()
	case KindFollowUp:
		f := r.FollowUp
		var b strings.Builder
		if r.PatientName != "" {
			fmt.Fprintf(&b, "Dear %s,\n\n", r.PatientName)
		}
		fmt.Fprintf(&b, "You have an upcoming appointment.\n\n")
		fmt.Fprintf(&b, "Type: %s\nDate: %s\n", f.Kind, f.Date.Format("2006-01-02"))
		if f.TimeOfDay != "" {
			fmt.Fprintf(&b, "Time: %s\n", f.TimeOfDay)
		}
		if f.Location != "" {
			fmt.Fprintf(&b, "Location: %s\n", f.Location)
		}
		if strings.TrimSpace(f.Notes) != "" {
			fmt.Fprintf(&b, "Notes: %s\n", f.Notes)
		}
		b.WriteString("\nPlease confirm your appointment or contact us to reschedule.\n")
		return b.String()
	default:
		return stripTags(r.Text)
	}
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return html.UnescapeString(b.String())
}
