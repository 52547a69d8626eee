package storage

import (
	"context"
	"errors"

	"librarybot/internal/models"
)

var (
	ErrDuplicatePhone          = errors.New("phone number already registered")
	ErrDuplicateBookID         = errors.New("book id already exists")
	ErrBookNotFound            = errors.New("book not found")
	ErrBookUnavailable         = errors.New("book is not available")
	ErrReservationNotFound     = errors.New("reservation not found")
	ErrInvalidReservationIndex = errors.New("invalid reservation number")
	ErrNotOwner                = errors.New("reservation belongs to another user")
)

// AnyOwner passed as requester to CancelReservationForBook skips the ownership check.
// Telegram never assigns chat ID 0.
const AnyOwner int64 = 0

// Users is the identity store. Chat ID is the canonical key.
type Users interface {
	// FindUserByChatID returns nil, nil when no user is registered for chatID
	FindUserByChatID(ctx context.Context, chatID int64) (*models.User, error)
	FindUserByPhone(ctx context.Context, phone string) (*models.User, error)
	// FindUserByName returns the earliest registered user with that exact name
	FindUserByName(ctx context.Context, name string) (*models.User, error)

	// CreateUser fails with ErrDuplicatePhone if the phone is taken.
	// In that case the existing user is returned together with the error.
	CreateUser(ctx context.Context, chatID int64, name, phone string) (*models.User, error)
	SetUserLanguage(ctx context.Context, chatID int64, language models.Language) error
}

// Catalog holds books keyed by their librarian-assigned ID
type Catalog interface {
	// ListCategories returns the sorted distinct categories that have at least one book
	ListCategories(ctx context.Context, language models.Language) ([]string, error)
	// ListAvailableBooks returns available books ordered by ID
	ListAvailableBooks(ctx context.Context, language models.Language, category string) ([]models.Book, error)
	FindBook(ctx context.Context, id int) (*models.Book, error)
	AddBook(ctx context.Context, id int, title string, language models.Language, category string) (*models.Book, error)
	// RemoveBook returns nil, nil when no book matches all three keys
	RemoveBook(ctx context.Context, id int, language models.Language, category string) (*models.Book, error)
	SetBookAvailable(ctx context.Context, id int, available bool) error
}

// Reservations is the reservation ledger.
//
// CreateReservation and both cancel operations change Book.Available in the same
// unit of work as the reservation write, and are safe to call concurrently: two
// racing creates for one book never both succeed.
type Reservations interface {
	CreateReservation(ctx context.Context, chatID int64, bookID int, pickupTime string) (*models.Reservation, error)
	// ListUserReservations returns the user's reservations in creation order
	ListUserReservations(ctx context.Context, chatID int64) ([]models.Reservation, error)
	ListReservations(ctx context.Context) ([]models.Reservation, error)
	FindReservationByBook(ctx context.Context, bookID int) (*models.Reservation, error)
	// CancelReservationAt cancels the user's reservation at 1-based position
	CancelReservationAt(ctx context.Context, chatID int64, position int) (*models.Reservation, error)
	CancelReservationForBook(ctx context.Context, bookID int, requester int64) (*models.Reservation, error)
}

// Storage defines the interface for data storage operations
type Storage interface {
	Users
	Catalog
	Reservations

	// Lifecycle
	Initialize(ctx context.Context) error
	Close() error
}
