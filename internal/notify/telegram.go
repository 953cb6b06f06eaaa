package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Telegram implements Sender on a telebot bot. The bot is send-only: no
// poller is started and no updates are consumed.
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
}

type TelegramConfig struct {
	Token  string
	ChatID int64
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		// Construction normally calls getMe; Offline defers that to Probe so
		// a transient Telegram outage doesn't abort startup.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (t *Telegram) SendText(ctx context.Context, text string) error {
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	return err
}

func (t *Telegram) SendPhoto(ctx context.Context, photoURL, caption string) error {
	p := &tele.Photo{File: tele.FromURL(photoURL), Caption: caption}
	_, err := t.bot.Send(t.chat, p, &tele.SendOptions{ParseMode: tele.ModeHTML})
	return err
}

// Probe checks connectivity with getMe. Called at cycle start; a failure is
// logged by the caller and never blocks the cycle.
func (t *Telegram) Probe(ctx context.Context) error {
	ch := make(chan error, 1)
	go func() {
		_, err := t.bot.Raw("getMe", map[string]string{})
		ch <- err
	}()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("getMe timed out")
	}
}
