// Package app wires the whole bot together: config, logging, storage, the
// Telegram client, the notification fanout, the dispatch loop, and the daily
// jobs. It owns startup/shutdown ordering and config hot-reload.
package app

import (
	"context"
	"sync"
	"time"

	"carebot/internal/config"
	"carebot/internal/daily"
	"carebot/internal/dispatch"
	"carebot/internal/notifier"
	"carebot/internal/storage"
	"carebot/internal/telegram"
	logx "carebot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	client *telegram.Client
	notif  *notifier.Service
	disp   *dispatch.Dispatcher
	jobs   *daily.Service
	cmds   *telegram.Commands

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	client, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	sinks := []notifier.Sink{notifier.NewTelegramSink(client, cfg.Telegram.DefaultChat)}
	if cfg.Email != nil && cfg.Email.Enabled {
		es, err := notifier.NewEmailSink(notifier.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
		})
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, err
		}
		sinks = append(sinks, es)
		log.Info("email channel enabled", logx.String("host", cfg.Email.Host))
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, log.With(logx.String("comp", "notifier")), sinks...)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	disp := dispatch.New(dcfg, store, notif, log.With(logx.String("comp", "dispatch")))

	jobs := daily.New(mapDailyConfig(cfg), store, notif, log.With(logx.String("comp", "daily")))

	window, err := cfg.Window()
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	cmds := telegram.NewCommands(telegram.CommandsConfig{
		Caregivers: cfg.Telegram.CaregiverUserIDs,
		Window:     window,
	}, store, jobs, log.With(logx.String("comp", "commands")))
	cmds.Register(client)

	// Hot reloads go through the same Validate as startup; a broken edit is
	// rejected before anything here sees it.
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		return c.Validate()
	})

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		store:  store,
		client: client,
		notif:  notif,
		disp:   disp,
		jobs:   jobs,
		cmds:   cmds,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.stopCh = make(chan struct{})

	a.client.Start(ctx)
	a.disp.Start(ctx)
	if err := a.jobs.Start(ctx); err != nil {
		return err
	}

	updates := a.cfgm.Subscribe(1)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(ctx)
	}()
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(ctx, cfg)
			}
		}
	}()

	a.log.Info("carebot started", logx.String("bot", a.client.Me()))
	return nil
}

// applyConfig propagates a validated reload. Telegram token, storage driver
// and the sink set are fixed for the process lifetime; everything else takes
// effect immediately.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if ncfg, err := mapNotifierConfig(cfg); err == nil {
		a.notif.Apply(ncfg)
	}
	if dcfg, err := mapDispatchConfig(cfg); err == nil {
		a.disp.Apply(dcfg)
	}
	if err := a.jobs.Apply(ctx, mapDailyConfig(cfg)); err != nil {
		a.log.Warn("daily jobs reload failed", logx.Err(err))
	}
	if window, err := cfg.Window(); err == nil {
		a.cmds.Apply(telegram.CommandsConfig{
			Caregivers: cfg.Telegram.CaregiverUserIDs,
			Window:     window,
		})
	}
	a.log.Info("config applied")
}

// Stop shuts services down in reverse dependency order: stop producing
// (commands, loops) before closing the store.
func (a *App) Stop(ctx context.Context) error {
	if a.stopCh != nil {
		close(a.stopCh)
	}

	a.jobs.Stop(ctx)
	a.disp.Stop(ctx)
	_ = a.client.Stop(ctx)
	a.wg.Wait()

	err := a.store.Close()
	a.log.Info("carebot stopped")
	_ = a.logs.Close()
	return err
}

// ---- config mapping ----

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	timeout, err := config.ParseDurationOrDefault("reminders.send_timeout", cfg.Reminders.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:  cfg.Reminders.RatePerSec,
		SendTimeout: timeout,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	interval, err := config.ParseDurationOrDefault("reminders.poll_interval", cfg.Reminders.PollInterval, time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		PollInterval: interval,
		RetryMax:     cfg.Reminders.RetryMax,
		FollowUpAt:   cfg.FollowUpAt(),
		Timezone:     cfg.Reminders.Timezone,
	}, nil
}

func mapDailyConfig(cfg *config.Config) daily.Config {
	return daily.Config{
		Enabled:       cfg.Summary.Enabled,
		Cron:          cfg.Summary.Cron,
		RetentionDays: cfg.Summary.RetentionDays,
		Timezone:      cfg.Reminders.Timezone,
	}
}
