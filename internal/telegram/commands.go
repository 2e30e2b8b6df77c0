package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"carebot/internal/schedule"
	"carebot/internal/storage"
	logx "carebot/pkg/logx"
)

// Summarizer renders the daily digest on demand for /summary.
type Summarizer interface {
	Render(ctx context.Context, now time.Time) (string, error)
}

type CommandsConfig struct {
	// Caregivers may manage schedules. Empty allows everyone.
	Caregivers []int64
	Window     schedule.Window
}

// Commands is the interactive surface for caregivers: create and stop
// medication schedules, register follow-up appointments, list what is
// active, and pull the daily summary on demand.
type Commands struct {
	store   storage.Store
	summary Summarizer
	log     logx.Logger

	mu  sync.Mutex
	cfg CommandsConfig
}

func NewCommands(cfg CommandsConfig, store storage.Store, summary Summarizer, log logx.Logger) *Commands {
	if cfg.Window.End <= cfg.Window.Start {
		cfg.Window = schedule.DefaultWindow
	}
	return &Commands{store: store, summary: summary, log: log, cfg: cfg}
}

func (h *Commands) Apply(cfg CommandsConfig) {
	if cfg.Window.End <= cfg.Window.Start {
		cfg.Window = schedule.DefaultWindow
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

// Register wires every handler. Must be called before the client starts.
func (h *Commands) Register(c *Client) {
	c.Handle("/start", h.guard(h.onHelp))
	c.Handle("/help", h.guard(h.onHelp))
	c.Handle("/remind", h.guard(h.onRemind))
	c.Handle("/followup", h.guard(h.onFollowUp))
	c.Handle("/schedules", h.guard(h.onSchedules))
	c.Handle("/stop", h.guard(h.onStop))
	c.Handle("/summary", h.guard(h.onSummary))
}

func (h *Commands) allowed(userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.cfg.Caregivers) == 0 {
		return true
	}
	for _, id := range h.cfg.Caregivers {
		if id == userID {
			return true
		}
	}
	return false
}

func (h *Commands) window() schedule.Window {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg.Window
}

func (h *Commands) guard(fn tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if c.Sender() == nil || !h.allowed(c.Sender().ID) {
			return c.Send("Sorry, you are not set up as a caregiver for this bot.")
		}
		err := fn(c)
		if err != nil {
			h.log.Warn("command failed",
				logx.String("command", c.Message().Text),
				logx.Int64("chat", c.Chat().ID),
				logx.Err(err))
			return c.Send("Something went wrong: " + err.Error())
		}
		return nil
	}
}

const helpText = `<b>CareBot</b> — medication reminders for discharged patients

<b>/remind</b> id | patient name | meds | [days] | [notes]
  meds is name,dosage,per-day — several separated by ";"
  e.g. /remind P-1001 | Maria Lopez | Amoxicillin,500mg,3; Vitamin D,1000IU,1 | 7 | take with food

<b>/followup</b> id | type | date | [time] | [location] | [notes]
  e.g. /followup P-1001 | Cardiology | 2026-09-10 | 2:30 PM | Room 302

<b>/schedules</b> — list active schedules and appointments
<b>/stop</b> id — stop reminders for a patient
<b>/summary</b> — today's digest on demand

Reminders for a patient go to the chat the /remind was sent from.`

func (h *Commands) onHelp(c tele.Context) error {
	return c.Send(helpText, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
}

func (h *Commands) onRemind(c tele.Context) error {
	req, err := parseRemind(argsOf(c))
	if err != nil {
		return err
	}
	sc, err := schedule.New(req.PatientID, c.Chat().ID, req.Medications,
		dateOnly(time.Now()), req.DurationDays, req.Notes, h.window())
	if err != nil {
		return err
	}
	sc.PatientName = req.PatientName

	ctx, cancel := opCtx()
	defer cancel()
	if err := h.store.PutSchedule(ctx, sc); err != nil {
		return fmt.Errorf("saving schedule: %w", err)
	}
	h.log.Info("schedule created",
		logx.String("patient", sc.PatientID),
		logx.Int("medications", len(sc.Medications)),
		logx.Int("fire_times", len(sc.FireTimes)))

	var b strings.Builder
	fmt.Fprintf(&b, "✅ Reminders set for <b>%s</b>\n", html.EscapeString(displayName(sc)))
	for _, m := range sc.Medications {
		fmt.Fprintf(&b, "• %s %s — %d×/day\n", html.EscapeString(m.Name), html.EscapeString(m.Dosage), m.PerDay)
	}
	fmt.Fprintf(&b, "Daily times: %s\n", joinTimes(sc.FireTimes))
	if sc.EndDate.IsZero() {
		b.WriteString("Duration: until stopped")
	} else {
		fmt.Fprintf(&b, "Last day: %s", sc.EndDate.AddDate(0, 0, -1).Format(schedule.DayFormat))
	}
	return c.Send(b.String(), &tele.SendOptions{ParseMode: tele.ModeHTML})
}

func (h *Commands) onFollowUp(c tele.Context) error {
	req, err := parseFollowUp(argsOf(c))
	if err != nil {
		return err
	}
	f, err := schedule.NewFollowUp(req.PatientID, c.Chat().ID, req.Kind, req.Date,
		req.TimeOfDay, req.Location, req.Notes, nil)
	if err != nil {
		return err
	}

	ctx, cancel := opCtx()
	defer cancel()
	if err := h.store.PutFollowUp(ctx, f); err != nil {
		return fmt.Errorf("saving follow-up: %w", err)
	}
	h.log.Info("follow-up created",
		logx.String("patient", f.PatientID),
		logx.String("kind", f.Kind))

	msg := fmt.Sprintf("✅ Follow-up saved: <b>%s</b> on %s for patient %s\nReminders go out %s before.",
		html.EscapeString(f.Kind), f.Date.Format(schedule.DayFormat),
		html.EscapeString(f.PatientID), offsetsPhrase(f.RemindDaysAhead))
	return c.Send(msg, &tele.SendOptions{ParseMode: tele.ModeHTML})
}

func (h *Commands) onSchedules(c tele.Context) error {
	ctx, cancel := opCtx()
	defer cancel()
	scheds, err := h.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing schedules: %w", err)
	}
	fups, err := h.store.ListActiveFollowUps(ctx)
	if err != nil {
		return fmt.Errorf("listing follow-ups: %w", err)
	}
	if len(scheds) == 0 && len(fups) == 0 {
		return c.Send("Nothing active right now.")
	}

	sort.Slice(scheds, func(i, j int) bool { return scheds[i].PatientID < scheds[j].PatientID })
	now := time.Now()

	var b strings.Builder
	if len(scheds) > 0 {
		b.WriteString("<b>Active schedules</b>\n")
		for _, sc := range scheds {
			fmt.Fprintf(&b, "• <b>%s</b> (%s): %d med(s) at %s",
				html.EscapeString(displayName(sc)), html.EscapeString(sc.PatientID),
				len(sc.Medications), joinTimes(sc.FireTimes))
			if left := sc.DaysLeft(now); left >= 0 {
				fmt.Fprintf(&b, " — %d day(s) left", left)
			}
			b.WriteByte('\n')
		}
	}
	if len(fups) > 0 {
		b.WriteString("\n<b>Upcoming appointments</b>\n")
		for _, f := range fups {
			fmt.Fprintf(&b, "• %s — %s %s",
				html.EscapeString(f.PatientID), html.EscapeString(f.Kind),
				f.Date.Format(schedule.DayFormat))
			if f.TimeOfDay != "" {
				b.WriteString(" at " + html.EscapeString(f.TimeOfDay))
			}
			b.WriteByte('\n')
		}
	}
	return c.Send(b.String(), &tele.SendOptions{ParseMode: tele.ModeHTML})
}

func (h *Commands) onStop(c tele.Context) error {
	patientID := strings.TrimSpace(argsOf(c))
	if patientID == "" {
		return errors.New("usage: /stop <patient id>")
	}

	ctx, cancel := opCtx()
	defer cancel()
	err := h.store.Deactivate(ctx, patientID)
	if errors.Is(err, storage.ErrNotFound) {
		return c.Send("No schedule found for patient " + patientID + ".")
	}
	if err != nil {
		return fmt.Errorf("stopping schedule: %w", err)
	}
	h.log.Info("schedule stopped", logx.String("patient", patientID))
	return c.Send("🛑 Reminders stopped for patient " + patientID + ".")
}

func (h *Commands) onSummary(c tele.Context) error {
	if h.summary == nil {
		return errors.New("summary service is not running")
	}
	ctx, cancel := opCtx()
	defer cancel()
	text, err := h.summary.Render(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("rendering summary: %w", err)
	}
	return c.Send(text, &tele.SendOptions{ParseMode: tele.ModeHTML})
}

// ---- parsing ----

type remindRequest struct {
	PatientID    string
	PatientName  string
	Medications  []schedule.Medication
	DurationDays int
	Notes        string
}

// parseRemind understands "id | name | meds | [days] | [notes]" where meds is
// a ";"-separated list of "name,dosage,per-day".
func parseRemind(args string) (remindRequest, error) {
	var req remindRequest
	parts := splitPipes(args)
	if len(parts) < 3 {
		return req, errors.New("usage: /remind id | patient name | meds | [days] | [notes]")
	}
	req.PatientID = parts[0]
	req.PatientName = parts[1]
	if req.PatientID == "" {
		return req, errors.New("patient id is empty")
	}

	for _, raw := range strings.Split(parts[2], ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		fields := strings.Split(raw, ",")
		if len(fields) != 3 {
			return req, fmt.Errorf("medication %q: want name,dosage,per-day", raw)
		}
		perDay, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil {
			return req, fmt.Errorf("medication %q: bad per-day count", raw)
		}
		req.Medications = append(req.Medications, schedule.Medication{
			Name:   strings.TrimSpace(fields[0]),
			Dosage: strings.TrimSpace(fields[1]),
			PerDay: perDay,
		})
	}
	if len(req.Medications) == 0 {
		return req, errors.New("no medications given")
	}

	if len(parts) > 3 && parts[3] != "" {
		days, err := strconv.Atoi(parts[3])
		if err != nil || days < 0 {
			return req, fmt.Errorf("bad duration days %q", parts[3])
		}
		req.DurationDays = days
	}
	if len(parts) > 4 {
		req.Notes = parts[4]
	}
	return req, nil
}

type followUpRequest struct {
	PatientID string
	Kind      string
	Date      time.Time
	TimeOfDay string
	Location  string
	Notes     string
}

// parseFollowUp understands "id | type | date | [time] | [location] | [notes]".
func parseFollowUp(args string) (followUpRequest, error) {
	var req followUpRequest
	parts := splitPipes(args)
	if len(parts) < 3 {
		return req, errors.New("usage: /followup id | type | date | [time] | [location] | [notes]")
	}
	req.PatientID = parts[0]
	req.Kind = parts[1]
	if req.PatientID == "" || req.Kind == "" {
		return req, errors.New("patient id and appointment type are required")
	}
	date, err := time.Parse(schedule.DayFormat, parts[2])
	if err != nil {
		return req, fmt.Errorf("bad date %q: want %s", parts[2], schedule.DayFormat)
	}
	req.Date = date
	if len(parts) > 3 {
		req.TimeOfDay = parts[3]
	}
	if len(parts) > 4 {
		req.Location = parts[4]
	}
	if len(parts) > 5 {
		req.Notes = parts[5]
	}
	return req, nil
}

func splitPipes(s string) []string {
	raw := strings.Split(s, "|")
	out := make([]string, len(raw))
	for i, p := range raw {
		out[i] = strings.TrimSpace(p)
	}
	// trailing empty segments are noise, inner ones are meaningful
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

func argsOf(c tele.Context) string {
	msg := c.Message()
	if msg == nil {
		return ""
	}
	_, rest, _ := strings.Cut(msg.Text, " ")
	return strings.TrimSpace(rest)
}

func displayName(sc schedule.Schedule) string {
	if sc.PatientName != "" {
		return sc.PatientName
	}
	return sc.PatientID
}

func joinTimes(fts []schedule.TimeOfDay) string {
	parts := make([]string, len(fts))
	for i, ft := range fts {
		parts[i] = ft.String()
	}
	return strings.Join(parts, ", ")
}

func offsetsPhrase(offsets []int) string {
	parts := make([]string, len(offsets))
	for i, d := range offsets {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "/") + " day(s)"
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
