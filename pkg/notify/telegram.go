package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"voicesdr/pkg/config"
)

const telegramSendTimeout = 10 * time.Second

type telegramNotifier struct {
	bot    *telego.Bot
	chatID int64
	log    *slog.Logger
}

func newTelegramNotifier(cfg config.TelegramNotifyConfig, log *slog.Logger) (*telegramNotifier, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("notifications.telegram.token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notifications.telegram.chat_id is required")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &telegramNotifier{
		bot:    bot,
		chatID: cfg.ChatID,
		log:    log.With("component", "notify.telegram"),
	}, nil
}

func (n *telegramNotifier) Alert(message string, severity string, fields map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), telegramSendTimeout)
	defer cancel()

	text := formatAlert(message, severity, fields)
	if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), text)); err != nil {
		n.log.Error("Failed to deliver Telegram alert", "chat_id", n.chatID, "error", err)
	}
}

func (n *telegramNotifier) NotifyError(err error, context map[string]string) {
	n.Alert("Critical error: "+err.Error(), SeverityCritical, context)
}
