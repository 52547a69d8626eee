package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"librarybot/internal/events"
	"librarybot/internal/models"
	"librarybot/internal/notify"
	"librarybot/internal/session"
	"librarybot/internal/storage"
)

func (e *Engine) handleRegister(ctx context.Context, chatID int64) []notify.Message {
	user, err := e.currentUser(ctx, chatID)
	if err != nil {
		return e.failure(chatID, "register", err)
	}
	if user != nil {
		out := e.reply(chatID, fmt.Sprintf("🚫 You are already registered as %s.", user.Name))
		return append(out, e.resumeBrowsing(ctx, chatID, user)...)
	}

	e.putSession(ctx, chatID, session.State{Step: session.StepAwaitingName})
	return e.reply(chatID, msgAskName)
}

// resumeBrowsing re-enters browsing at the user's stored language, or asks for one
func (e *Engine) resumeBrowsing(ctx context.Context, chatID int64, user *models.User) []notify.Message {
	if user.PreferredLanguage == "" {
		return e.askLanguage(ctx, chatID)
	}
	categories, err := e.store.ListCategories(ctx, user.PreferredLanguage)
	if err != nil {
		return e.failure(chatID, "list categories", err)
	}
	if len(categories) == 0 {
		return e.askLanguage(ctx, chatID)
	}
	e.putSession(ctx, chatID, session.State{Step: session.StepAwaitingCategory, Language: user.PreferredLanguage})
	return e.reply(chatID,
		fmt.Sprintf("Your language is %s. Please choose a category:", user.PreferredLanguage),
		categoryChoices(categories)...)
}

// handleText routes free text by conversation step
func (e *Engine) handleText(ctx context.Context, chatID int64, state session.State, body string) []notify.Message {
	switch state.Step {
	case session.StepAwaitingName:
		return e.handleName(ctx, chatID, body)
	case session.StepAwaitingPhone:
		return e.handlePhone(ctx, chatID, state, body)
	}

	if _, ok := models.ParseLanguage(body); ok {
		return e.handleSelectLanguage(ctx, chatID, body)
	}
	if state.Step == session.StepAwaitingLanguage {
		return e.handleSelectLanguage(ctx, chatID, body)
	}
	if body == "" {
		return e.reply(chatID, msgNotUnderstood)
	}
	if state.Language != "" {
		return e.handleSelectCategory(ctx, chatID, state, body)
	}

	user, err := e.currentUser(ctx, chatID)
	if err != nil {
		return e.failure(chatID, "find user", err)
	}
	if user != nil && user.PreferredLanguage != "" {
		return e.handleSelectCategory(ctx, chatID, state, body)
	}
	return e.reply(chatID, msgNotUnderstood)
}

func (e *Engine) handleName(ctx context.Context, chatID int64, body string) []notify.Message {
	name := strings.TrimSpace(body)
	if name == "" {
		return e.reply(chatID, msgEmptyName)
	}
	e.putSession(ctx, chatID, session.State{Step: session.StepAwaitingPhone, Name: name})
	return e.reply(chatID, msgAskPhone)
}

func (e *Engine) handlePhone(ctx context.Context, chatID int64, state session.State, body string) []notify.Message {
	phone := NormalizePhone(body)
	if !e.cfg.PhonePattern.MatchString(phone) {
		// stay on this step
		e.putSession(ctx, chatID, state)
		return e.reply(chatID, msgInvalidPhone)
	}

	user, err := e.store.CreateUser(ctx, chatID, state.Name, phone)
	if errors.Is(err, storage.ErrDuplicatePhone) {
		if user != nil && user.ChatID == chatID {
			out := e.reply(chatID, fmt.Sprintf("🚫 You are already registered as %s.", user.Name))
			return append(out, e.resumeBrowsing(ctx, chatID, user)...)
		}
		e.logger.Info("Registration with a phone bound to another chat",
			zap.Int64("chat_id", chatID),
		)
		e.clearSession(ctx, chatID)
		return e.reply(chatID, msgPhoneTaken)
	}
	if err != nil {
		// keep the step so the user can retry
		return e.failure(chatID, "create user", err)
	}

	e.logger.Info("User registered", zap.Int64("chat_id", chatID), zap.String("name", user.Name))
	e.notifyLibrarian(ctx, fmt.Sprintf("🆕 New registration: %s, Phone: %s", user.Name, user.Phone))
	e.publish(ctx, events.UserRegistered, events.UserRegisteredEvent{
		ChatID:       chatID,
		UserName:     user.Name,
		RegisteredAt: e.now(),
	})

	out := e.reply(chatID, fmt.Sprintf("✓ Registration successful! Welcome, %s! 🎉", user.Name))
	return append(out, e.askLanguage(ctx, chatID)...)
}
