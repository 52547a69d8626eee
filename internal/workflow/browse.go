package workflow

import (
	"context"
	"fmt"

	"librarybot/internal/models"
	"librarybot/internal/notify"
	"librarybot/internal/session"
)

func (e *Engine) handleSelectLanguage(ctx context.Context, chatID int64, token string) []notify.Message {
	lang, ok := models.ParseLanguage(token)
	if !ok {
		return e.reply(chatID, fmt.Sprintf("❌ Unknown language %q.", token), languageChoices()...)
	}

	categories, err := e.store.ListCategories(ctx, lang)
	if err != nil {
		return e.failure(chatID, "list categories", err)
	}
	if len(categories) == 0 {
		// language is not remembered, the user stays on language selection
		e.putSession(ctx, chatID, session.State{Step: session.StepAwaitingLanguage})
		return e.reply(chatID, fmt.Sprintf("No categories available for %s.", lang))
	}

	var out []notify.Message
	user, err := e.currentUser(ctx, chatID)
	if err != nil {
		return e.failure(chatID, "find user", err)
	}
	if user != nil && user.PreferredLanguage != lang {
		if err := e.store.SetUserLanguage(ctx, chatID, lang); err != nil {
			return e.failure(chatID, "set language", err)
		}
		out = e.reply(chatID, fmt.Sprintf("✅ Language changed to %s.", lang))
	}

	e.putSession(ctx, chatID, session.State{Step: session.StepAwaitingCategory, Language: lang})
	return append(out, e.reply(chatID,
		fmt.Sprintf("You selected %s. Please choose a category:", lang),
		categoryChoices(categories)...)...)
}

func (e *Engine) handleSelectCategory(ctx context.Context, chatID int64, state session.State, category string) []notify.Message {
	lang := state.Language
	if lang == "" {
		user, err := e.currentUser(ctx, chatID)
		if err != nil {
			return e.failure(chatID, "find user", err)
		}
		if user == nil || user.PreferredLanguage == "" {
			return e.askLanguage(ctx, chatID)
		}
		lang = user.PreferredLanguage
	}

	categories, err := e.store.ListCategories(ctx, lang)
	if err != nil {
		return e.failure(chatID, "list categories", err)
	}
	if !contains(categories, category) {
		if len(categories) == 0 {
			return e.askLanguage(ctx, chatID)
		}
		return e.reply(chatID,
			fmt.Sprintf("❌ Unknown category \"%s\". Please choose a category:", category),
			categoryChoices(categories)...)
	}

	books, err := e.store.ListAvailableBooks(ctx, lang, category)
	if err != nil {
		return e.failure(chatID, "list books", err)
	}

	// the category is remembered even when it is currently empty
	e.putSession(ctx, chatID, session.State{Step: session.StepAwaitingCategory, Language: lang, Category: category})
	if len(books) == 0 {
		return e.reply(chatID, fmt.Sprintf("📚 No available books in \"%s\".", category))
	}
	return e.reply(chatID, formatBooks(category, books))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
