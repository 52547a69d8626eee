package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"librarybot/internal/notify"
)

// maxCallbackData is Telegram's limit for inline button payloads, in bytes
const maxCallbackData = 64

// Sender delivers notify messages as Telegram text messages
type Sender struct {
	api API
}

func NewSender(api API) *Sender {
	return &Sender{api: api}
}

func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	out := tgbotapi.NewMessage(msg.ChatID, msg.Text)
	if len(msg.Choices) > 0 {
		out.ReplyMarkup = keyboard(msg.Choices)
	}
	if _, err := s.api.Send(out); err != nil {
		return fmt.Errorf("send to chat %d: %w", msg.ChatID, err)
	}
	return nil
}

// keyboard renders choices as inline buttons. If any payload is too long for
// callback data, a one-time reply keyboard is used instead; pressing a button
// there sends the label back as text.
func keyboard(choices []notify.Choice) interface{} {
	inline := true
	for _, c := range choices {
		if len(c.Data) > maxCallbackData {
			inline = false
			break
		}
	}

	if inline {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(choices))
		for _, c := range choices {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(c.Label, c.Data)))
		}
		return tgbotapi.NewInlineKeyboardMarkup(rows...)
	}

	rows := make([][]tgbotapi.KeyboardButton, 0, len(choices))
	for _, c := range choices {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(c.Label)))
	}
	return tgbotapi.NewOneTimeReplyKeyboard(rows...)
}
