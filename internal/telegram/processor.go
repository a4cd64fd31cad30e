package telegram

import (
	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"
)

// Processor drops updates that do not come from the admin chat.
type Processor struct {
	Base        ext.BaseProcessor
	AdminChatID int64
	Logger      zerolog.Logger
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if !p.allowed(ctx.EffectiveChat) {
		if ctx.EffectiveChat != nil {
			p.Logger.Debug().Int64("chat_id", ctx.EffectiveChat.Id).Msg("ignoring update from non-admin chat")
		}
		return nil
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

func (p Processor) allowed(chat *gotgbot.Chat) bool {
	return chat != nil && p.AdminChatID != 0 && chat.Id == p.AdminChatID
}
