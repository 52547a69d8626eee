package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"librarybot/internal/events"
	"librarybot/internal/models"
	"librarybot/internal/notify"
	"librarybot/internal/storage"
)

func (e *Engine) handleReserve(ctx context.Context, chatID int64, bookID int) []notify.Message {
	user, err := e.currentUser(ctx, chatID)
	if err != nil {
		return e.failure(chatID, "find user", err)
	}
	if user == nil {
		return e.reply(chatID, msgRegisterFirst)
	}

	r, err := e.store.CreateReservation(ctx, chatID, bookID, e.cfg.DefaultPickupTime)
	if errors.Is(err, storage.ErrBookNotFound) || errors.Is(err, storage.ErrBookUnavailable) {
		return e.reply(chatID, fmt.Sprintf("❌ Sorry, the book with ID %d is not available.", bookID))
	}
	if err != nil {
		return e.failure(chatID, "create reservation", err)
	}

	e.logger.Info("Book reserved", zap.Int64("chat_id", chatID), zap.Int("book_id", bookID))
	e.notifyLibrarian(ctx, fmt.Sprintf("🆕 New reservation by %s for \"%s\". Pickup time: %s.", user.Name, r.BookTitle, r.PickupTime))
	e.publishReservation(ctx, events.ReservationCreated, r, false)

	return e.reply(chatID, fmt.Sprintf("✅ Successfully reserved: \"%s\". Pickup time: %s.", r.BookTitle, r.PickupTime))
}

func (e *Engine) handleMyReservations(ctx context.Context, chatID int64) []notify.Message {
	user, err := e.currentUser(ctx, chatID)
	if err != nil {
		return e.failure(chatID, "find user", err)
	}
	if user == nil {
		return e.reply(chatID, msgRegisterFirst)
	}

	list, err := e.store.ListUserReservations(ctx, chatID)
	if err != nil {
		return e.failure(chatID, "list reservations", err)
	}
	if len(list) == 0 {
		return e.reply(chatID, msgNoReservations)
	}
	return e.reply(chatID, formatUserReservations(list))
}

func (e *Engine) handleCancelReservation(ctx context.Context, chatID int64, position int) []notify.Message {
	user, err := e.currentUser(ctx, chatID)
	if err != nil {
		return e.failure(chatID, "find user", err)
	}
	if user == nil {
		return e.reply(chatID, msgRegisterFirst)
	}

	r, err := e.store.CancelReservationAt(ctx, chatID, position)
	if errors.Is(err, storage.ErrInvalidReservationIndex) {
		return e.reply(chatID, msgInvalidIndex)
	}
	if err != nil {
		return e.failure(chatID, "cancel reservation", err)
	}

	e.logger.Info("Reservation canceled", zap.Int64("chat_id", chatID), zap.Int("book_id", r.BookID))
	e.notifyLibrarian(ctx, fmt.Sprintf("📩 %s canceled reservation #%d for \"%s\".", user.Name, position, r.BookTitle))
	e.publishReservation(ctx, events.ReservationCanceled, r, false)

	return e.reply(chatID, fmt.Sprintf("✅ You have successfully canceled the reservation for \"%s\".", r.BookTitle))
}

func (e *Engine) publishReservation(ctx context.Context, subject string, r *models.Reservation, byLibrarian bool) {
	e.publish(ctx, subject, events.ReservationEvent{
		ReservationID: r.ID,
		ChatID:        r.UserChatID,
		UserName:      r.UserName,
		BookID:        r.BookID,
		BookTitle:     r.BookTitle,
		PickupTime:    r.PickupTime,
		ByLibrarian:   byLibrarian,
		At:            e.now(),
	})
}
