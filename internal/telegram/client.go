// Package telegram wraps the telebot client used by both the notification
// sink and the interactive command surface.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "carebot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Client struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, log: log, bot: b}, nil
}

// Handle registers a command handler. Must be called before Start.
func (c *Client) Handle(endpoint string, fn tele.HandlerFunc) {
	c.bot.Handle(endpoint, fn)
}

// Me returns the bot's own username (without @).
func (c *Client) Me() string {
	if c.bot.Me == nil {
		return ""
	}
	return c.bot.Me.Username
}

// Start begins long polling. Non-blocking; polling runs until Stop or ctx
// cancellation.
func (c *Client) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	rctx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel

	c.runWG.Add(1)
	go func() {
		defer c.runWG.Done()
		go func() {
			<-rctx.Done()
			c.bot.Stop()
		}()
		c.log.Info("polling started", logx.String("bot", c.Me()))
		c.bot.Start() // blocks until Stop() called
	}()
}

// Stop shuts polling down. Never blocks shutdown for long on the Telegram
// long-poll; a small grace window keeps exits snappy.
func (c *Client) Stop(ctx context.Context) error {
	c.runMu.Lock()
	cancel := c.runCancel
	c.runCancel = nil
	wasRunning := c.running
	c.running = false
	c.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go c.bot.Stop()

	done := make(chan struct{})
	go func() {
		c.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		c.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		c.log.Warn("telegram stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	case <-t.C:
		c.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

// SendHTML delivers an HTML-formatted message to a chat.
func (c *Client) SendHTML(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	return err
}
