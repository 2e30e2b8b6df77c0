// Package daily runs the cron-driven housekeeping jobs: the morning schedule
// summary and retention pruning of old cursor/audit rows.
package daily

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"carebot/internal/notifier"
	"carebot/internal/schedule"
	"carebot/internal/storage"
	logx "carebot/pkg/logx"
)

type Config struct {
	Enabled       bool
	Cron          string // 5-field spec; default "0 8 * * *"
	RetentionDays int    // default 90
	Timezone      string
}

// Sender delivers the rendered digest.
type Sender interface {
	Send(ctx context.Context, r notifier.Reminder) error
}

// Service owns the cron runner. Jobs are registered once; Apply rebuilds the
// runner so a config change (spec, timezone) takes effect without restart.
type Service struct {
	store  storage.Store
	sender Sender
	log    logx.Logger

	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	started bool
}

func New(cfg Config, store storage.Store, sender Sender, log logx.Logger) *Service {
	s := &Service{
		store:  store,
		sender: sender,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	s.cfg = withDefaults(cfg)
	return s
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Cron) == "" {
		cfg.Cron = "0 8 * * *"
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	return cfg
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return s.rebuildLocked(ctx)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("daily jobs stop timed out; job still in flight")
	}
}

func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = withDefaults(cfg)
	if !s.started {
		return nil
	}
	return s.rebuildLocked(ctx)
}

func (s *Service) rebuildLocked(ctx context.Context) error {
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	if !s.cfg.Enabled {
		s.log.Info("daily jobs disabled")
		return nil
	}

	loc := time.Local
	if s.cfg.Timezone != "" {
		if l, err := time.LoadLocation(s.cfg.Timezone); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone; using local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		}
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(s.cfg.Cron, func() { s.runSummary(ctx) }); err != nil {
		return fmt.Errorf("summary cron spec: %w", err)
	}
	// Retention runs in the quiet hours; no reason to make this configurable.
	if _, err := c.AddFunc("30 3 * * *", func() { s.runPrune(ctx) }); err != nil {
		return fmt.Errorf("prune cron spec: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("daily jobs scheduled",
		logx.String("summary_cron", s.cfg.Cron),
		logx.Int("retention_days", s.cfg.RetentionDays))
	return nil
}

func (s *Service) runSummary(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := time.Now()
	text, err := s.Render(ctx, now)
	if err != nil {
		s.log.Error("summary render failed", logx.Err(err))
		return
	}
	err = s.sender.Send(ctx, notifier.Reminder{Kind: notifier.KindSummary, Text: text})
	if err != nil {
		s.log.Error("summary send failed", logx.Err(err))
		return
	}
	s.log.Info("daily summary sent")
}

func (s *Service) runPrune(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	s.mu.Lock()
	keep := s.cfg.RetentionDays
	s.mu.Unlock()

	if err := s.store.Prune(ctx, keep, time.Now()); err != nil {
		s.log.Error("retention prune failed", logx.Err(err))
		return
	}
	s.log.Info("retention prune done", logx.Int("keep_days", keep))
}

// Render builds the digest: every active schedule with its times and days
// left, plus appointments coming up in the next week.
func (s *Service) Render(ctx context.Context, now time.Time) (string, error) {
	scheds, err := s.store.ListActive(ctx)
	if err != nil {
		return "", fmt.Errorf("listing schedules: %w", err)
	}
	fups, err := s.store.ListActiveFollowUps(ctx)
	if err != nil {
		return "", fmt.Errorf("listing follow-ups: %w", err)
	}

	sort.Slice(scheds, func(i, j int) bool { return scheds[i].PatientID < scheds[j].PatientID })
	sort.Slice(fups, func(i, j int) bool { return fups[i].Date.Before(fups[j].Date) })

	var b strings.Builder
	fmt.Fprintf(&b, "📋 <b>Daily Schedule Summary</b> — %s\n", now.Format(schedule.DayFormat))

	if len(scheds) == 0 {
		b.WriteString("\nNo active medication schedules.\n")
	} else {
		b.WriteString("\n<b>Medications</b>\n")
		for _, sc := range scheds {
			name := sc.PatientName
			if name == "" {
				name = sc.PatientID
			}
			fmt.Fprintf(&b, "• <b>%s</b>:", html.EscapeString(name))
			for i, m := range sc.Medications {
				if i > 0 {
					b.WriteByte(',')
				}
				fmt.Fprintf(&b, " %s %s", html.EscapeString(m.Name), html.EscapeString(m.Dosage))
			}
			fmt.Fprintf(&b, " at %s", joinTimes(sc.FireTimes))
			if left := sc.DaysLeft(now); left >= 0 {
				fmt.Fprintf(&b, " (%d day(s) left)", left)
			}
			b.WriteByte('\n')
		}
	}

	horizon := now.AddDate(0, 0, 7)
	var upcoming []schedule.FollowUp
	for _, f := range fups {
		if !f.Past(now) && f.Date.Before(horizon) {
			upcoming = append(upcoming, f)
		}
	}
	if len(upcoming) > 0 {
		b.WriteString("\n<b>Appointments this week</b>\n")
		for _, f := range upcoming {
			fmt.Fprintf(&b, "• %s — %s %s",
				html.EscapeString(f.PatientID), html.EscapeString(f.Kind),
				f.Date.Format(schedule.DayFormat))
			if f.TimeOfDay != "" {
				b.WriteString(" at " + html.EscapeString(f.TimeOfDay))
			}
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func joinTimes(fts []schedule.TimeOfDay) string {
	parts := make([]string, len(fts))
	for i, ft := range fts {
		parts[i] = ft.String()
	}
	return strings.Join(parts, ", ")
}
