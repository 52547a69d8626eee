// Package workflow is the reservation state machine. It turns parsed commands
// into store calls, session transitions, replies and librarian notifications.
package workflow

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"librarybot/internal/command"
	"librarybot/internal/events"
	"librarybot/internal/models"
	"librarybot/internal/notify"
	"librarybot/internal/session"
	"librarybot/internal/storage"
)

// DefaultPickupTime is used when no pickup note is given
const DefaultPickupTime = "after isha salah"

type Config struct {
	LibrarianChatID   int64
	DefaultPickupTime string
	// PhonePattern validates normalized phone numbers
	PhonePattern *regexp.Regexp
}

type Engine struct {
	store    storage.Storage
	sessions session.Store
	relay    *notify.Relay
	events   events.Publisher
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(store storage.Storage, sessions session.Store, relay *notify.Relay, publisher events.Publisher, cfg Config, logger *zap.Logger) *Engine {
	if cfg.DefaultPickupTime == "" {
		cfg.DefaultPickupTime = DefaultPickupTime
	}
	if cfg.PhonePattern == nil {
		cfg.PhonePattern = regexp.MustCompile(`^[0-9]+$`)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		store:    store,
		sessions: sessions,
		relay:    relay,
		events:   publisher,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle processes one inbound command from chatID and returns the replies
// for that chat. Notifications to other chats are sent through the relay.
func (e *Engine) Handle(ctx context.Context, chatID int64, cmd command.Command) []notify.Message {
	state, err := e.sessions.Get(ctx, chatID)
	if err != nil {
		e.logger.Warn("Failed to load conversation state", zap.Int64("chat_id", chatID), zap.Error(err))
		state = session.State{}
	}

	// Any command interrupts an unfinished registration
	if registering(state) {
		if _, ok := cmd.(command.Text); !ok {
			e.clearSession(ctx, chatID)
			if _, ok := cmd.(command.Cancel); ok {
				return e.reply(chatID, msgRegistrationStop)
			}
			state = session.State{}
		}
	}

	switch c := cmd.(type) {
	case command.Start:
		return e.reply(chatID, msgWelcome)
	case command.Help:
		return e.handleHelp(chatID)
	case command.Register:
		return e.handleRegister(ctx, chatID)
	case command.Cancel:
		return e.reply(chatID, msgNothingToCancel)
	case command.ChangeLanguage:
		return e.askLanguage(ctx, chatID)
	case command.Text:
		return e.handleText(ctx, chatID, state, c.Body)
	case command.SelectLanguage:
		return e.handleSelectLanguage(ctx, chatID, c.Token)
	case command.SelectCategory:
		return e.handleSelectCategory(ctx, chatID, state, c.Category)

	case command.Reserve:
		return e.handleReserve(ctx, chatID, c.BookID)
	case command.MyReservations:
		return e.handleMyReservations(ctx, chatID)
	case command.CancelReservation:
		return e.handleCancelReservation(ctx, chatID, c.Position)

	case command.AddBooks:
		if !e.isLibrarian(chatID) {
			return e.reply(chatID, msgNoPermission)
		}
		return e.handleAddBooks(ctx, chatID, c.Raw)
	case command.RemoveBook:
		if !e.isLibrarian(chatID) {
			return e.reply(chatID, msgNoPermission)
		}
		return e.handleRemoveBook(ctx, chatID, c)
	case command.ViewReservations:
		if !e.isLibrarian(chatID) {
			return e.reply(chatID, msgNoPermission)
		}
		return e.handleViewReservations(ctx, chatID)
	case command.LibrarianAddReservation:
		if !e.isLibrarian(chatID) {
			return e.reply(chatID, msgNoPermission)
		}
		return e.handleLibrarianAddReservation(ctx, chatID, c)
	case command.LibrarianCancelReservation:
		if !e.isLibrarian(chatID) {
			return e.reply(chatID, msgNoPermission)
		}
		return e.handleLibrarianCancelReservation(ctx, chatID, c)

	case command.Malformed:
		return e.reply(chatID, fmt.Sprintf("❌ Invalid command format. Usage: %s", c.Usage))
	case command.Unknown:
		return e.reply(chatID, msgUnknownCommand)
	}

	e.logger.Error("Unhandled command type", zap.String("type", fmt.Sprintf("%T", cmd)))
	return e.reply(chatID, msgUnknownCommand)
}

func (e *Engine) isLibrarian(chatID int64) bool {
	return e.cfg.LibrarianChatID != 0 && chatID == e.cfg.LibrarianChatID
}

func registering(s session.State) bool {
	return s.Step == session.StepAwaitingName || s.Step == session.StepAwaitingPhone
}

func (e *Engine) reply(chatID int64, text string, choices ...notify.Choice) []notify.Message {
	return []notify.Message{{ChatID: chatID, Text: text, Choices: choices}}
}

func (e *Engine) putSession(ctx context.Context, chatID int64, state session.State) {
	if err := e.sessions.Put(ctx, chatID, state); err != nil {
		e.logger.Warn("Failed to save conversation state", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (e *Engine) clearSession(ctx context.Context, chatID int64) {
	if err := e.sessions.Delete(ctx, chatID); err != nil {
		e.logger.Warn("Failed to clear conversation state", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// failure logs an unexpected store error and returns the generic apology
func (e *Engine) failure(chatID int64, op string, err error) []notify.Message {
	e.logger.Error("Request failed",
		zap.String("op", op),
		zap.Int64("chat_id", chatID),
		zap.Error(err),
	)
	return e.reply(chatID, msgTryAgainLater)
}

func (e *Engine) publish(ctx context.Context, subject string, data interface{}) {
	if err := e.events.Publish(ctx, subject, data); err != nil {
		e.logger.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func (e *Engine) notifyLibrarian(ctx context.Context, text string) {
	e.relay.Notify(ctx, e.cfg.LibrarianChatID, text)
}

// currentUser returns the registered user or nil
func (e *Engine) currentUser(ctx context.Context, chatID int64) (*models.User, error) {
	return e.store.FindUserByChatID(ctx, chatID)
}

func (e *Engine) handleHelp(chatID int64) []notify.Message {
	if e.isLibrarian(chatID) {
		return e.reply(chatID, helpText+librarianHelpText)
	}
	return e.reply(chatID, helpText)
}

func (e *Engine) askLanguage(ctx context.Context, chatID int64) []notify.Message {
	e.putSession(ctx, chatID, session.State{Step: session.StepAwaitingLanguage})
	return e.reply(chatID, msgAskLanguage, languageChoices()...)
}
