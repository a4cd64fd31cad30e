package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/rs/zerolog"

	"payprompt/internal/catalog"
	"payprompt/internal/ledger"
)

const maxRecentEntries = 20

// Service answers operator commands in the admin chat.
type Service struct {
	ledger  ledger.Store
	catalog *catalog.Catalog
	logger  zerolog.Logger
	timeout time.Duration
}

type Config struct {
	Ledger  ledger.Store
	Catalog *catalog.Catalog
	Logger  zerolog.Logger
	Timeout time.Duration
}

func NewService(cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Service{
		ledger:  cfg.Ledger,
		catalog: cfg.Catalog,
		logger:  cfg.Logger,
		timeout: cfg.Timeout,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("balance", s.balance))
	d.AddHandler(handlers.NewCommand("recent", s.recent))
	d.AddHandler(handlers.NewCommand("models", s.models))
}

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, helpText())
}

func (s *Service) balance(b *gotgbot.Bot, ctx *ext.Context) error {
	c, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.reply(ctx, b, s.balanceText(c, commandRemainder(ctx.EffectiveMessage.GetText())))
}

func (s *Service) recent(b *gotgbot.Bot, ctx *ext.Context) error {
	c, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.reply(ctx, b, s.recentText(c, commandRemainder(ctx.EffectiveMessage.GetText())))
}

func (s *Service) models(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.modelsText())
}

func helpText() string {
	return strings.Join([]string{
		"Commands:",
		"/balance <wallet>",
		"/recent <wallet> [count]",
		"/models",
	}, "\n")
}

func (s *Service) balanceText(ctx context.Context, args string) string {
	wallet, _ := splitFirstWord(args)
	if wallet == "" {
		return "Usage: /balance <wallet>"
	}
	bal, err := s.ledger.Balance(ctx, wallet)
	if err != nil {
		s.logger.Error().Err(err).Str("wallet", wallet).Msg("admin balance lookup failed")
		return "Balance lookup failed."
	}
	return fmt.Sprintf("%s: %s MNEE", ledger.NormalizeAddress(wallet), bal.String())
}

func (s *Service) recentText(ctx context.Context, args string) string {
	wallet, rest := splitFirstWord(args)
	if wallet == "" {
		return "Usage: /recent <wallet> [count]"
	}
	limit := 5
	if rest != "" {
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || n < 1 {
			return "Count must be a positive number."
		}
		limit = min(n, maxRecentEntries)
	}
	entries, err := s.ledger.Entries(ctx, wallet, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("wallet", wallet).Msg("admin entries lookup failed")
		return "Transaction lookup failed."
	}
	if len(entries) == 0 {
		return "No transactions."
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		sign := "+"
		if e.Kind == ledger.KindDeduction {
			sign = "-"
		}
		line := fmt.Sprintf("%s %s%s -> %s", e.CreatedAt.UTC().Format("2006-01-02 15:04"), sign, e.Amount.String(), e.BalanceAfter.String())
		if e.Memo != "" {
			line += " (" + e.Memo + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (s *Service) modelsText() string {
	models := s.catalog.List()
	lines := make([]string, 0, len(models))
	for _, m := range models {
		line := fmt.Sprintf("%s [%s] in %s / out %s per 1M", m.ID, m.Provider, m.InputPricePerMillion.StringFixed(2), m.OutputPricePerMillion.StringFixed(2))
		if m.ID == s.catalog.DefaultID() {
			line += " (default)"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}
