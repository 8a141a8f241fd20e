package sink

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	"notifyd/internal/config"
	"notifyd/internal/engine"
	"notifyd/pkg/logx"
)

// telegramSink sends each delivered notification as a chat message. Send-only:
// no poller is attached to the bot.
type telegramSink struct {
	bot    *tele.Bot
	chatID int64
	log    logx.Logger
}

func NewTelegram(cfg config.TelegramSinkConfig, log logx.Logger) (engine.Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram sink: token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram sink: chat_id is required")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &telegramSink{bot: bot, chatID: cfg.ChatID, log: log}, nil
}

func (s *telegramSink) Deliver(_ context.Context, n engine.Notification) error {
	text := prefixForPriority(n.Priority) + n.Title
	if n.Body != "" {
		text += "\n" + n.Body
	}
	_, err := s.bot.Send(tele.ChatID(s.chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

func prefixForPriority(p engine.Priority) string {
	switch {
	case p >= engine.PriorityCritical:
		return "🚨 "
	case p >= engine.PriorityHigh:
		return "⚠️ "
	case p >= engine.PriorityMedium:
		return "ℹ️ "
	default:
		return ""
	}
}
