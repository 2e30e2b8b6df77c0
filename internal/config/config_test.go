package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  default_chat: 42
reminders:
  poll_interval: "30s"
  window_start: "07:00"
  window_end: "21:00"
  retry_max: 3
storage:
  driver: file
  path: ./carebot.db
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
summary:
  enabled: true
  cron: "0 8 * * *"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.DefaultChat != 42 {
		t.Fatalf("default_chat = %d, want 42", cfg.Telegram.DefaultChat)
	}
	w, err := cfg.Window()
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if w.Start.String() != "07:00" || w.End.String() != "21:00" {
		t.Fatalf("window = %s-%s", w.Start, w.End)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{
		"telegram": {"token": "123:abc"},
		"reminders": {},
		"summary": {},
		"storage": {"path": "./carebot.db"},
		"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}
	}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FollowUpAt().String() != "09:00" {
		t.Fatalf("default followup_at = %s, want 09:00", cfg.FollowUpAt())
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown field", validYAML + "\nextra_section:\n  x: 1\n"},
		{"missing token", `
telegram: {token: ""}
reminders: {}
summary: {}
storage: {path: ./db}
logging: {level: info, console: true, file: {enabled: false, path: ""}}
`},
		{"missing storage path", `
telegram: {token: "123:abc"}
reminders: {}
summary: {}
storage: {path: ""}
logging: {level: info, console: true, file: {enabled: false, path: ""}}
`},
		{"inverted window", `
telegram: {token: "123:abc"}
reminders: {window_start: "22:00", window_end: "08:00"}
summary: {}
storage: {path: ./db}
logging: {level: info, console: true, file: {enabled: false, path: ""}}
`},
		{"bad duration", `
telegram: {token: "123:abc"}
reminders: {poll_interval: "soon"}
summary: {}
storage: {path: ./db}
logging: {level: info, console: true, file: {enabled: false, path: ""}}
`},
		{"unknown driver", `
telegram: {token: "123:abc"}
reminders: {}
summary: {}
storage: {driver: postgres, path: ./db}
logging: {level: info, console: true, file: {enabled: false, path: ""}}
`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeFile(t, "config.yaml", tc.yaml))
			if _, err := m.Load(); err == nil {
				t.Fatal("Load accepted an invalid config")
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("empty = (%v, %v), want default", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "45s", time.Minute); err != nil || d != 45*time.Second {
		t.Fatalf("explicit = (%v, %v)", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-5s", time.Minute); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("no config delivered")
	}

	// A full buffer keeps only the newest update.
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("stale config retained over newest")
	}

	m.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("channel still open after Unsubscribe")
	}
}
