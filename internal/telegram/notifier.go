package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/logger"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Notifier struct {
	bot     sender
	chatID  int64
	enabled bool
	logger  *logger.Logger
}

func NewNotifier(cfg config.TelegramConfig, log *logger.Logger) *Notifier {
	if !cfg.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)

	return &Notifier{
		bot:     bot,
		chatID:  cfg.ChatID,
		enabled: true,
		logger:  log,
	}
}

func (n *Notifier) NotifyOpen(model, coin, side string, quantity, price float64, leverage int) {
	emoji := "🟢"
	if side == "short" {
		emoji = "🔻"
	}
	msg := fmt.Sprintf("%s *OPEN %s* %s [%s]\nPrice: $%.4f\nQty: %.4f\nLeverage: %dx",
		emoji, side, coin, model, price, quantity, leverage)
	n.send(msg)
}

func (n *Notifier) NotifyClose(model, coin, side, signal string, price, pnl float64) {
	emoji := "🔴"
	if pnl > 0 {
		emoji = "💰"
	}
	msg := fmt.Sprintf("%s *CLOSE %s* %s [%s]\nSignal: %s\nPrice: $%.4f\nP&L: $%.2f",
		emoji, side, coin, model, signal, price, pnl)
	n.send(msg)
}

func (n *Notifier) NotifyPause(model, reason string) {
	n.send(fmt.Sprintf("⏸ *Paused* [%s]\n%s", model, reason))
}

func (n *Notifier) NotifyError(context string, err error) {
	n.send(fmt.Sprintf("⚠️ *Error* [%s]\n%v", context, err))
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(message)
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}
