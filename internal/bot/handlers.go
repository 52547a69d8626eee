package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"librarybot/internal/command"
	"librarybot/internal/notify"
)

const msgInternalError = "An error occurred while processing your request. Please try again."

// handleUpdate dispatches one update. A panic is logged and answered, never propagated.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	chatID := updateChatID(update)
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic while handling update",
				zap.Int("update_id", update.UpdateID),
				zap.Int64("chat_id", chatID),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"),
			)
			if chatID != 0 {
				b.relay.Notify(ctx, chatID, msgInternalError)
			}
		}
	}()

	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

// handleMessage processes a single message
func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	var cmd command.Command
	switch {
	case message.Text != "":
		cmd = command.Parse(message.Text)
	case message.Contact != nil:
		// a shared contact answers the phone number step
		cmd = command.Text{Body: message.Contact.PhoneNumber}
	default:
		b.logger.Debug("Ignoring message without text", zap.Int64("chat_id", message.Chat.ID))
		return
	}

	b.logger.Debug("Handling message",
		zap.Int64("chat_id", message.Chat.ID),
		zap.String("command", fmt.Sprintf("%T", cmd)),
	)
	b.deliver(ctx, b.handler.Handle(ctx, message.Chat.ID, cmd))
}

// handleCallbackQuery processes inline keyboard button clicks
func (b *Bot) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	// Answer the callback query to remove loading state
	if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.logger.Warn("Failed to answer callback query", zap.Error(err))
	}

	chatID := query.From.ID
	if query.Message != nil {
		chatID = query.Message.Chat.ID
	}
	b.deliver(ctx, b.handler.Handle(ctx, chatID, command.ParseCallback(query.Data)))
}

func (b *Bot) deliver(ctx context.Context, replies []notify.Message) {
	for _, msg := range replies {
		if err := b.relay.Send(ctx, msg); err != nil {
			b.logger.Error("Failed to send reply",
				zap.Int64("chat_id", msg.ChatID),
				zap.Error(err),
			)
			return
		}
	}
}

func updateChatID(update tgbotapi.Update) int64 {
	switch {
	case update.Message != nil && update.Message.Chat != nil:
		return update.Message.Chat.ID
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil:
		return update.CallbackQuery.Message.Chat.ID
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		return update.CallbackQuery.From.ID
	}
	return 0
}
