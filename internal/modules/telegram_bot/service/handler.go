package service

import (
	"context"
	trading "copytrade_bot/internal/modules/trading/service"
	"copytrade_bot/pkg/logger"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func (t *Telegram) handleUpdate(ctx context.Context, h Handler, update tgbot.Update) {
	msg := toMessage(update)
	if msg == nil {
		// callback, inline и прочее не обрабатываем
		return
	}

	reply, handled := h.HandleMessage(ctx, *msg)
	if !handled || reply == "" {
		return
	}
	if _, err := t.Send(ctx, msg.ChatID, reply); err != nil {
		logger.Error("telegram reply to %d: %v", msg.ChatID, err)
	}
}

// toMessage вытаскивает текст из обычного сообщения; всё остальное -> nil.
func toMessage(update tgbot.Update) *trading.Message {
	m := update.Message
	if m == nil || m.Chat == nil || m.Text == "" {
		return nil
	}
	out := &trading.Message{
		ChatID: m.Chat.ID,
		Text:   m.Text,
	}
	if m.From != nil {
		out.SenderID = m.From.ID
		out.Username = m.From.UserName
	}
	return out
}
