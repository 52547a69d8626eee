package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"librarybot/internal/command"
	"librarybot/internal/events"
	"librarybot/internal/models"
	"librarybot/internal/notify"
	"librarybot/internal/storage"
)

// handleAddBooks applies every entry independently; one bad entry does not stop the rest
func (e *Engine) handleAddBooks(ctx context.Context, chatID int64, raw string) []notify.Message {
	entries := command.ParseBookEntries(raw)
	if len(entries) == 0 {
		return e.reply(chatID, fmt.Sprintf("❌ Invalid command format. Usage: %s", command.UsageAddBooks))
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, e.addBook(ctx, entry))
	}
	return e.reply(chatID, strings.Join(lines, "\n"))
}

func (e *Engine) addBook(ctx context.Context, entry command.BookEntry) string {
	if entry.Err != nil {
		return fmt.Sprintf("❌ Invalid format for entry: \"%s\".", entry.Raw)
	}
	lang, ok := models.ParseLanguage(entry.Language)
	if !ok {
		return fmt.Sprintf("❌ Unknown language \"%s\" in entry: \"%s\".", entry.Language, entry.Raw)
	}

	book, err := e.store.AddBook(ctx, entry.ID, entry.Title, lang, entry.Category)
	if errors.Is(err, storage.ErrDuplicateBookID) {
		return fmt.Sprintf("🚫 A book with ID %d already exists.", entry.ID)
	}
	if err != nil {
		e.logger.Error("Failed to add book", zap.Int("book_id", entry.ID), zap.Error(err))
		return fmt.Sprintf("⚠️ Could not add book %d. Please try again later.", entry.ID)
	}

	e.publish(ctx, events.BookAdded, events.BookEvent{
		BookID:   book.ID,
		Title:    book.Title,
		Language: string(book.Language),
		Category: book.Category,
		At:       e.now(),
	})
	return fmt.Sprintf("✅ Book \"%s\" added successfully.", book.Title)
}

func (e *Engine) handleRemoveBook(ctx context.Context, chatID int64, c command.RemoveBook) []notify.Message {
	lang, ok := models.ParseLanguage(c.Language)
	if !ok {
		return e.reply(chatID, fmt.Sprintf("❌ Unknown language \"%s\".", c.Language))
	}
	notFound := fmt.Sprintf("❌ No book found with ID %d in category \"%s\".", c.BookID, c.Category)

	book, err := e.store.FindBook(ctx, c.BookID)
	if err != nil {
		return e.failure(chatID, "find book", err)
	}
	if book == nil || book.Language != lang || book.Category != c.Category {
		return e.reply(chatID, notFound)
	}

	// a reserved book must be released first, otherwise the reservation would dangle
	r, err := e.store.FindReservationByBook(ctx, c.BookID)
	if err != nil {
		return e.failure(chatID, "find reservation", err)
	}
	if r != nil {
		return e.reply(chatID, fmt.Sprintf(
			"🚫 Book with ID %d is reserved by %s. Cancel the reservation first with /librarian_cancel_reservation %d.",
			c.BookID, r.UserName, c.BookID))
	}

	removed, err := e.store.RemoveBook(ctx, c.BookID, lang, c.Category)
	if err != nil {
		return e.failure(chatID, "remove book", err)
	}
	if removed == nil {
		return e.reply(chatID, notFound)
	}

	e.publish(ctx, events.BookRemoved, events.BookEvent{
		BookID:   removed.ID,
		Title:    removed.Title,
		Language: string(removed.Language),
		Category: removed.Category,
		At:       e.now(),
	})
	return e.reply(chatID, fmt.Sprintf("✅ Book with ID %d has been removed from category \"%s\" in %s.", c.BookID, c.Category, lang))
}

func (e *Engine) handleViewReservations(ctx context.Context, chatID int64) []notify.Message {
	list, err := e.store.ListReservations(ctx)
	if err != nil {
		return e.failure(chatID, "list reservations", err)
	}
	if len(list) == 0 {
		return e.reply(chatID, msgNoneAtAll)
	}
	return e.reply(chatID, formatAllReservations(list))
}

// findUserByNameOrPhone resolves the librarian's user argument
func (e *Engine) findUserByNameOrPhone(ctx context.Context, ref string) (*models.User, error) {
	user, err := e.store.FindUserByName(ctx, ref)
	if err != nil || user != nil {
		return user, err
	}
	phone := NormalizePhone(ref)
	if phone == "" {
		return nil, nil
	}
	return e.store.FindUserByPhone(ctx, phone)
}

func (e *Engine) handleLibrarianAddReservation(ctx context.Context, chatID int64, c command.LibrarianAddReservation) []notify.Message {
	user, err := e.findUserByNameOrPhone(ctx, c.User)
	if err != nil {
		return e.failure(chatID, "find user", err)
	}
	if user == nil {
		return e.reply(chatID, msgUserNotFound)
	}

	pickup := c.PickupTime
	if pickup == "" {
		pickup = e.cfg.DefaultPickupTime
	}

	r, err := e.store.CreateReservation(ctx, user.ChatID, c.BookID, pickup)
	if errors.Is(err, storage.ErrBookNotFound) || errors.Is(err, storage.ErrBookUnavailable) {
		return e.reply(chatID, fmt.Sprintf("❌ Sorry, the book with ID %d is not available.", c.BookID))
	}
	if err != nil {
		return e.failure(chatID, "create reservation", err)
	}

	e.logger.Info("Book reserved by librarian", zap.Int64("user_chat_id", user.ChatID), zap.Int("book_id", c.BookID))
	e.relay.Notify(ctx, user.ChatID, fmt.Sprintf("📌 The librarian reserved \"%s\" for you. Pickup time: %s.", r.BookTitle, r.PickupTime))
	e.publishReservation(ctx, events.ReservationCreated, r, true)

	return e.reply(chatID, fmt.Sprintf("✅ Successfully added reservation for %s for \"%s\".", user.Name, r.BookTitle))
}

func (e *Engine) handleLibrarianCancelReservation(ctx context.Context, chatID int64, c command.LibrarianCancelReservation) []notify.Message {
	var (
		r   *models.Reservation
		err error
	)

	if c.User == "" {
		r, err = e.store.CancelReservationForBook(ctx, c.Number, storage.AnyOwner)
		if errors.Is(err, storage.ErrReservationNotFound) {
			book, findErr := e.store.FindBook(ctx, c.Number)
			if findErr != nil {
				return e.failure(chatID, "find book", findErr)
			}
			if book == nil {
				return e.reply(chatID, msgNoBookWithID)
			}
			return e.reply(chatID, msgNoReservationFor)
		}
	} else {
		user, findErr := e.findUserByNameOrPhone(ctx, c.User)
		if findErr != nil {
			return e.failure(chatID, "find user", findErr)
		}
		if user == nil {
			return e.reply(chatID, msgUserNotFound)
		}
		r, err = e.store.CancelReservationAt(ctx, user.ChatID, c.Number)
		if errors.Is(err, storage.ErrInvalidReservationIndex) {
			return e.reply(chatID, fmt.Sprintf("❌ Invalid reservation number for %s. Please check /view_reservations and try again.", user.Name))
		}
	}
	if err != nil {
		return e.failure(chatID, "cancel reservation", err)
	}

	e.logger.Info("Reservation canceled by librarian", zap.Int64("user_chat_id", r.UserChatID), zap.Int("book_id", r.BookID))
	if r.UserChatID != chatID {
		e.relay.Notify(ctx, r.UserChatID, fmt.Sprintf("❌ Your reservation for \"%s\" was canceled by the librarian.", r.BookTitle))
	}
	e.publishReservation(ctx, events.ReservationCanceled, r, true)

	return e.reply(chatID, fmt.Sprintf("✅ Reservation for \"%s\" has been successfully canceled.", r.BookTitle))
}
