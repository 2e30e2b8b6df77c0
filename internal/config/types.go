package config

import (
	"fmt"
	"strings"

	"carebot/internal/schedule"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Email     *EmailConfig    `json:"email,omitempty"`
	Reminders RemindersConfig `json:"reminders"`
	Summary   SummaryConfig   `json:"summary"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// DefaultChat receives reminders for patients without their own chat,
	// plus the daily summary.
	DefaultChat int64 `json:"default_chat"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// CaregiverUserIDs may manage schedules via bot commands. Empty means
	// anyone who can talk to the bot (fine for a private bot).
	CaregiverUserIDs []int64 `json:"caregiver_user_ids,omitempty"`
}

// EmailConfig enables the secondary SMTP reminder channel. Omitting the
// section disables email entirely.
type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"` // default 587
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
}

// RemindersConfig controls the dispatch loop and the fire-time window.
//
// All durations are Go duration strings (e.g. "30s", "1m").
type RemindersConfig struct {
	// PollInterval between dispatch passes. Default "1m".
	PollInterval string `json:"poll_interval,omitempty"`
	// WindowStart/WindowEnd bound the daily fire-time window ("HH:MM").
	// Defaults: "08:00" and "22:00".
	WindowStart string `json:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty"`
	// RetryMax bounds failed-send retries per fire-time; 0 retries until
	// the day rolls over.
	RetryMax int `json:"retry_max,omitempty"`
	// SendTimeout bounds a single sink delivery. Default "10s".
	SendTimeout string `json:"send_timeout,omitempty"`
	// FollowUpAt is the earliest hour for follow-up appointment reminders
	// ("HH:MM", default "09:00").
	FollowUpAt string `json:"followup_at,omitempty"`
	// RatePerSec throttles outbound notifications. Default 3.
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timezone   string `json:"timezone,omitempty"` // IANA name; empty = local
}

// SummaryConfig controls the morning digest job.
type SummaryConfig struct {
	Enabled bool `json:"enabled"`
	// Cron is a standard 5-field cron expression. Default "0 8 * * *".
	Cron string `json:"cron,omitempty"`
	// RetentionDays bounds how long dispatch history and day cursors are
	// kept. Default 90.
	RetentionDays int `json:"retention_days,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "file"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Validate checks the parts that would make the process unusable at startup.
// Durations and times-of-day are checked here so a broken hot-reload is
// rejected before anything applies it.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	switch strings.TrimSpace(c.Storage.Driver) {
	case "", "sqlite", "sqlite3", "file":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	for path, raw := range map[string]string{
		"telegram.poll_timeout":   c.Telegram.PollTimeout,
		"reminders.poll_interval": c.Reminders.PollInterval,
		"reminders.send_timeout":  c.Reminders.SendTimeout,
		"storage.busy_timeout":    c.Storage.BusyTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if _, err := c.Window(); err != nil {
		return err
	}
	if raw := strings.TrimSpace(c.Reminders.FollowUpAt); raw != "" {
		if _, err := schedule.ParseTimeOfDay(raw); err != nil {
			return fmt.Errorf("reminders.followup_at: %w", err)
		}
	}
	if c.Reminders.RetryMax < 0 {
		return fmt.Errorf("reminders.retry_max must be >= 0")
	}
	if c.Email != nil && c.Email.Enabled && strings.TrimSpace(c.Email.Host) == "" {
		return fmt.Errorf("email.host is required when email is enabled")
	}
	return nil
}

// Window returns the configured fire-time window, defaulting to 08:00-22:00.
func (c *Config) Window() (schedule.Window, error) {
	w := schedule.DefaultWindow
	if raw := strings.TrimSpace(c.Reminders.WindowStart); raw != "" {
		t, err := schedule.ParseTimeOfDay(raw)
		if err != nil {
			return w, fmt.Errorf("reminders.window_start: %w", err)
		}
		w.Start = t
	}
	if raw := strings.TrimSpace(c.Reminders.WindowEnd); raw != "" {
		t, err := schedule.ParseTimeOfDay(raw)
		if err != nil {
			return w, fmt.Errorf("reminders.window_end: %w", err)
		}
		w.End = t
	}
	if w.End <= w.Start {
		return w, fmt.Errorf("reminders: window_end must be after window_start")
	}
	return w, nil
}

// FollowUpAt returns the configured follow-up hour, defaulting to 09:00.
// Call Validate first; a malformed value falls back to the default here.
func (c *Config) FollowUpAt() schedule.TimeOfDay {
	if raw := strings.TrimSpace(c.Reminders.FollowUpAt); raw != "" {
		if t, err := schedule.ParseTimeOfDay(raw); err == nil {
			return t
		}
	}
	return schedule.MustTimeOfDay("09:00")
}
