package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"librarybot/internal/command"
	"librarybot/internal/notify"
)

// API is the part of tgbotapi.BotAPI the bot uses
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Handler turns one inbound command into replies for the same chat
type Handler interface {
	Handle(ctx context.Context, chatID int64, cmd command.Command) []notify.Message
}

// Bot represents the Telegram bot wrapper
type Bot struct {
	api     API
	handler Handler
	relay   *notify.Relay
	updates chan tgbotapi.Update
	logger  *zap.Logger
}
