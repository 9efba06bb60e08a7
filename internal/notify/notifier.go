// Package notify delivers reconciliation events to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/superlion8/brand-camera-sub004/internal/models"
)

// Sender is the part of *tgbotapi.BotAPI the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts reconciliation events to an ops chat.
type TelegramNotifier struct {
	bot    Sender
	chatID int64
}

func NewTelegramNotifier(bot Sender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chatID: chatID}
}

// NewTelegramBot connects to the Bot API with token.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return bot, nil
}

func (n *TelegramNotifier) NotifyReconciliation(ctx context.Context, event models.ReconciliationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, formatEvent(event))
	msg.DisableWebPagePreview = true
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram reconciliation notice: %w", err)
	}
	return nil
}

func formatEvent(event models.ReconciliationEvent) string {
	var sb strings.Builder
	sb.WriteString("Billing reconciliation needed\n")
	fmt.Fprintf(&sb, "reason: %s\n", event.Reason)
	fmt.Fprintf(&sb, "request: %s\n", event.RequestID)
	fmt.Fprintf(&sb, "account: %s\n", event.AccountID)
	fmt.Fprintf(&sb, "delivered: %d, charged: %d", event.SucceededCount, event.CreditsCharged)
	if event.Err != "" {
		fmt.Fprintf(&sb, "\nerror: %s", event.Err)
	}
	return sb.String()
}

// LogNotifier writes reconciliation events to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("component", "reconciliation")}
}

func (n *LogNotifier) NotifyReconciliation(_ context.Context, event models.ReconciliationEvent) error {
	n.log.Error("billing reconciliation needed",
		"reason", event.Reason,
		"request_id", event.RequestID,
		"account_id", event.AccountID,
		"succeeded", event.SucceededCount,
		"credits_charged", event.CreditsCharged,
		"err", event.Err,
	)
	return nil
}

type notifier interface {
	NotifyReconciliation(ctx context.Context, event models.ReconciliationEvent) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []notifier

func (m Multi) NotifyReconciliation(ctx context.Context, event models.ReconciliationEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyReconciliation(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
