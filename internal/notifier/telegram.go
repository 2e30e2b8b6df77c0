package notifier

import (
	"context"
	"errors"

	"carebot/internal/telegram"
)

// TelegramSink sends HTML reminders through the bot. Reminders without a
// per-patient chat fall back to the clinic's default chat.
type TelegramSink struct {
	client      *telegram.Client
	defaultChat int64
}

func NewTelegramSink(client *telegram.Client, defaultChat int64) *TelegramSink {
	return &TelegramSink{client: client, defaultChat: defaultChat}
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(ctx context.Context, r Reminder) error {
	chatID := r.ChatID
	if chatID == 0 {
		chatID = t.defaultChat
	}
	if chatID == 0 {
		return errors.New("no chat id for reminder and no default chat configured")
	}
	return t.client.SendHTML(ctx, chatID, formatHTML(r))
}
