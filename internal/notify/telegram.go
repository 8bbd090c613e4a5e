package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig points the sink at one chat.
type TelegramConfig struct {
	Token  string
	ChatID int64
}

// Telegram delivers notifications to a single chat. The bot is send-only;
// no poller is started.
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	// telebot has no ctx plumbing on Send; respect cancellation best-effort
	// before the call and rely on the bot's HTTP timeout after.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
