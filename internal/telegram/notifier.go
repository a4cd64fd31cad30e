package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"payprompt/internal/relay"
)

// Sender is the slice of *gotgbot.Bot the notifier needs.
type Sender interface {
	SendMessageWithContext(ctx context.Context, chatId int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}

// Notifier posts operator alerts to one admin chat.
type Notifier struct {
	bot    Sender
	chatID int64
	token  string
	logger zerolog.Logger
}

var _ relay.Alerter = (*Notifier)(nil)

func NewNotifier(bot Sender, chatID int64, token string, logger zerolog.Logger) *Notifier {
	return &Notifier{bot: bot, chatID: chatID, token: token, logger: logger}
}

func (n *Notifier) DepositAlert(ctx context.Context, a relay.Alert) error {
	if n == nil || n.bot == nil || n.chatID == 0 {
		return nil
	}
	_, err := n.bot.SendMessageWithContext(ctx, n.chatID, formatDepositAlert(a), &gotgbot.SendMessageOpts{
		LinkPreviewOptions: &gotgbot.LinkPreviewOptions{IsDisabled: true},
	})
	if err != nil {
		return fmt.Errorf("send deposit alert: %s", SanitizeError(err, n.token))
	}
	return nil
}

func formatDepositAlert(a relay.Alert) string {
	reason := strings.TrimSpace(a.Reason)
	if r := []rune(reason); len(r) > 300 {
		reason = string(r[:300]) + "..."
	}
	return strings.Join([]string{
		"Provisional deposit credited",
		"Wallet: " + a.Wallet,
		"Amount: " + a.Amount.String() + " MNEE",
		"Reference: " + a.Reference,
		"Reason: " + reason,
	}, "\n")
}

// SanitizeError strips the bot token from an error message.
func SanitizeError(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
