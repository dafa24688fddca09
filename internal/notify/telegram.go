package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/user/shortvid-backend/internal/config"
	"github.com/user/shortvid-backend/internal/model"
	"golang.org/x/time/rate"
)

// Telegram pushes pipeline events to an operator chat. Telegram allows at
// most 30 messages per second globally, so sends go through a limiter.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	limiter *rate.Limiter
}

// NewTelegram creates a Telegram-backed notifier, or a Noop one when
// notifications are disabled.
func NewTelegram(cfg *config.NotifyConfig) (Notifier, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification client: %w", err)
	}
	return &Telegram{
		bot:     bot,
		chatID:  cfg.ChatID,
		limiter: rate.NewLimiter(rate.Limit(30), 1),
	}, nil
}

// VideoPublished announces a successful publication.
func (t *Telegram) VideoPublished(ctx context.Context, video *model.Video) error {
	text := fmt.Sprintf("✅ Video %d published: %s (%ds, %d bytes)",
		video.ID, video.Title, video.Duration, video.FileSize)
	return t.send(ctx, text)
}

// VideoFailed announces a terminal transcode failure.
func (t *Telegram) VideoFailed(ctx context.Context, videoID int64, reason string) error {
	text := fmt.Sprintf("❌ Video %d failed transcoding: %s", videoID, reason)
	return t.send(ctx, text)
}

func (t *Telegram) send(ctx context.Context, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}
