package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"librarybot/internal/notify"
)

// updateBuffer is how many updates may wait for the worker
const updateBuffer = 100

// NewAPI connects to Telegram with token
func NewAPI(token string, logger *zap.Logger) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Error("Failed to create bot API", zap.Error(err))
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger.Info("Bot created", zap.String("bot_username", api.Self.UserName))
	return api, nil
}

// NewBot wires the transport to a command handler. Replies go out through relay.
func NewBot(api API, handler Handler, relay *notify.Relay, logger *zap.Logger) *Bot {
	return &Bot{
		api:     api,
		handler: handler,
		relay:   relay,
		updates: make(chan tgbotapi.Update, updateBuffer),
		logger:  logger,
	}
}
