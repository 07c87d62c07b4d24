package alert

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram отправляет оповещения в один чат через Bot API.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram проверяет токен (getMe) и возвращает отправителя.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	return newTelegram(token, chatID, tgbotapi.APIEndpoint)
}

func newTelegram(token string, chatID int64, endpoint string) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("alert: telegram: empty token")
	}
	if chatID == 0 {
		return nil, errors.New("alert: telegram: invalid chat id")
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("alert: telegram: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Username возвращает имя бота.
func (t *Telegram) Username() string {
	return t.bot.Self.UserName
}

// Notify отправляет сообщение. Bot API не принимает контекст, поэтому отмена
// проверяется только до отправки.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("alert: telegram send: %w", err)
	}
	return nil
}
