package notifier

import (
	"context"
	"errors"
	"strings"

	"gopkg.in/gomail.v2"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// To is the clinic-side fallback recipient when a reminder has no
	// patient address attached.
	To string
}

// EmailSink delivers reminders over SMTP. It is the slow secondary channel;
// the service's per-sink timeout keeps a hung SMTP server from stalling the
// dispatch tick.
type EmailSink struct {
	cfg    EmailConfig
	dialer *gomail.Dialer
}

func NewEmailSink(cfg EmailConfig) (*EmailSink, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if strings.TrimSpace(cfg.From) == "" {
		cfg.From = cfg.Username
	}
	return &EmailSink{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

func (e *EmailSink) Name() string { return "email" }

func (e *EmailSink) Send(ctx context.Context, r Reminder) error {
	to := strings.TrimSpace(e.cfg.To)
	if to == "" {
		return errors.New("no recipient configured")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", formatSubject(r))
	m.SetBody("text/plain", formatPlain(r))

	// gomail has no context support; bound the dial+send with ctx ourselves.
	done := make(chan error, 1)
	go func() { done <- e.dialer.DialAndSend(m) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
