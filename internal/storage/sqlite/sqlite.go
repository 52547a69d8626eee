package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"librarybot/internal/models"
	"librarybot/internal/storage"
	"librarybot/migrations"
)

// SQLiteDB stores the library in a single SQLite file
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens (or creates) the database at path.
// Write transactions take the lock up front (_txlock=immediate) so that two
// reservation attempts queue on busy_timeout instead of deadlocking.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

// Initialize applies the embedded migrations
func (s *SQLiteDB) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	provider, err := migrations.NewProvider(s.db, migrations.SQLite)
	if err != nil {
		return err
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const userCols = `chat_id, user_name, phone_number, language, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var lang string
	err := row.Scan(&u.ChatID, &u.Name, &u.Phone, &lang, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.PreferredLanguage = models.Language(lang)
	return &u, nil
}

// FindUserByChatID returns the user registered for chatID, or nil
func (s *SQLiteDB) FindUserByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE chat_id = ?`, chatID))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return u, nil
}

// FindUserByPhone returns the user registered with phone, or nil
func (s *SQLiteDB) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE phone_number = ?`, phone))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by phone: %w", err)
	}
	return u, nil
}

// FindUserByName returns the earliest registered user with that name
func (s *SQLiteDB) FindUserByName(ctx context.Context, name string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE user_name = ? ORDER BY created_at, rowid LIMIT 1`, name))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by name: %w", err)
	}
	return u, nil
}

// CreateUser inserts a user unless the phone number or chat ID is already registered
func (s *SQLiteDB) CreateUser(ctx context.Context, chatID int64, name, phone string) (*models.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE phone_number = ?`, phone))
	if err != nil {
		return nil, fmt.Errorf("failed to check phone: %w", err)
	}
	if existing != nil {
		return existing, storage.ErrDuplicatePhone
	}
	existing, err = scanUser(tx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE chat_id = ?`, chatID))
	if err != nil {
		return nil, fmt.Errorf("failed to check chat id: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	u := models.User{ChatID: chatID, Name: name, Phone: phone, CreatedAt: time.Now().UTC()}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (chat_id, user_name, phone_number, language, created_at) VALUES (?, ?, ?, '', ?)`,
		u.ChatID, u.Name, u.Phone, u.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetUserLanguage stores the user's preferred language
func (s *SQLiteDB) SetUserLanguage(ctx context.Context, chatID int64, language models.Language) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET language = ? WHERE chat_id = ?`, string(language), chatID)
	if err != nil {
		return fmt.Errorf("failed to set language: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d not found", chatID)
	}
	return nil
}

// ListCategories returns the sorted categories with at least one book in language
func (s *SQLiteDB) ListCategories(ctx context.Context, language models.Language) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT category FROM books WHERE language = ? ORDER BY category`, string(language))
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

const bookCols = `id, title, language, category, available`

func scanBook(row interface{ Scan(...any) error }) (*models.Book, error) {
	var b models.Book
	var lang string
	err := row.Scan(&b.ID, &b.Title, &lang, &b.Category, &b.Available)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.Language = models.Language(lang)
	return &b, nil
}

// ListAvailableBooks returns available books in a category, ordered by ID
func (s *SQLiteDB) ListAvailableBooks(ctx context.Context, language models.Language, category string) ([]models.Book, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bookCols+` FROM books WHERE language = ? AND category = ? AND available = 1 ORDER BY id`,
		string(language), category)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	defer rows.Close()

	var books []models.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan book: %w", err)
		}
		books = append(books, *b)
	}
	return books, rows.Err()
}

// FindBook returns the book with the given catalog ID, or nil
func (s *SQLiteDB) FindBook(ctx context.Context, id int) (*models.Book, error) {
	b, err := scanBook(s.db.QueryRowContext(ctx, `SELECT `+bookCols+` FROM books WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find book: %w", err)
	}
	return b, nil
}

// AddBook adds an available book to the catalog
func (s *SQLiteDB) AddBook(ctx context.Context, id int, title string, language models.Language, category string) (*models.Book, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO books (id, title, language, category, available) VALUES (?, ?, ?, ?, 1) ON CONFLICT (id) DO NOTHING`,
		id, title, string(language), category)
	if err != nil {
		return nil, fmt.Errorf("failed to add book: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storage.ErrDuplicateBookID
	}
	return &models.Book{ID: id, Title: title, Language: language, Category: category, Available: true}, nil
}

// RemoveBook deletes the book matching all three keys and returns it, or nil
func (s *SQLiteDB) RemoveBook(ctx context.Context, id int, language models.Language, category string) (*models.Book, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b, err := scanBook(tx.QueryRowContext(ctx,
		`SELECT `+bookCols+` FROM books WHERE id = ? AND language = ? AND category = ?`, id, string(language), category))
	if err != nil {
		return nil, fmt.Errorf("failed to find book: %w", err)
	}
	if b == nil {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM books WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to remove book: %w", err)
	}
	return b, tx.Commit()
}

// SetBookAvailable flips the availability flag
func (s *SQLiteDB) SetBookAvailable(ctx context.Context, id int, available bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE books SET available = ? WHERE id = ?`, available, id)
	if err != nil {
		return fmt.Errorf("failed to set availability: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrBookNotFound
	}
	return nil
}

const reservationSelect = `SELECT r.id, r.user_chat_id, r.book_id, r.pickup_time, r.created_at,
	COALESCE(u.user_name, ''), COALESCE(b.title, '')
FROM reservations r
LEFT JOIN users u ON u.chat_id = r.user_chat_id
LEFT JOIN books b ON b.id = r.book_id`

func scanReservation(row interface{ Scan(...any) error }) (*models.Reservation, error) {
	var r models.Reservation
	err := row.Scan(&r.ID, &r.UserChatID, &r.BookID, &r.PickupTime, &r.CreatedAt, &r.UserName, &r.BookTitle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteDB) queryReservations(ctx context.Context, query string, args ...any) ([]models.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CreateReservation flips the book to unavailable and records the reservation in one transaction
func (s *SQLiteDB) CreateReservation(ctx context.Context, chatID int64, bookID int, pickupTime string) (*models.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE books SET available = 0 WHERE id = ? AND available = 1`, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark book unavailable: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM books WHERE id = ?)`, bookID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, storage.ErrBookNotFound
		}
		return nil, storage.ErrBookUnavailable
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (id, user_chat_id, book_id, pickup_time, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, chatID, bookID, pickupTime, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to create reservation: %w", err)
	}

	r, err := scanReservation(tx.QueryRowContext(ctx, reservationSelect+` WHERE r.id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

// ListUserReservations returns the user's reservations in creation order
func (s *SQLiteDB) ListUserReservations(ctx context.Context, chatID int64) ([]models.Reservation, error) {
	return s.queryReservations(ctx, reservationSelect+` WHERE r.user_chat_id = ? ORDER BY r.seq`, chatID)
}

// ListReservations returns every open reservation in creation order
func (s *SQLiteDB) ListReservations(ctx context.Context) ([]models.Reservation, error) {
	return s.queryReservations(ctx, reservationSelect+` ORDER BY r.seq`)
}

// FindReservationByBook returns the open reservation for a book, or nil
func (s *SQLiteDB) FindReservationByBook(ctx context.Context, bookID int) (*models.Reservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx, reservationSelect+` WHERE r.book_id = ?`, bookID))
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return r, nil
}

// CancelReservationAt cancels the user's reservation at a 1-based position
func (s *SQLiteDB) CancelReservationAt(ctx context.Context, chatID int64, position int) (*models.Reservation, error) {
	if position < 1 {
		return nil, storage.ErrInvalidReservationIndex
	}
	return s.cancel(ctx, func(tx *sql.Tx) (*models.Reservation, error) {
		r, err := scanReservation(tx.QueryRowContext(ctx,
			reservationSelect+` WHERE r.user_chat_id = ? ORDER BY r.seq LIMIT 1 OFFSET ?`, chatID, position-1))
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, storage.ErrInvalidReservationIndex
		}
		return r, nil
	})
}

// CancelReservationForBook cancels the open reservation for a book on behalf of requester
func (s *SQLiteDB) CancelReservationForBook(ctx context.Context, bookID int, requester int64) (*models.Reservation, error) {
	return s.cancel(ctx, func(tx *sql.Tx) (*models.Reservation, error) {
		r, err := scanReservation(tx.QueryRowContext(ctx, reservationSelect+` WHERE r.book_id = ?`, bookID))
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, storage.ErrReservationNotFound
		}
		if requester != storage.AnyOwner && r.UserChatID != requester {
			return nil, storage.ErrNotOwner
		}
		return r, nil
	})
}

// cancel deletes the reservation chosen by pick and frees its book in one transaction
func (s *SQLiteDB) cancel(ctx context.Context, pick func(*sql.Tx) (*models.Reservation, error)) (*models.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	r, err := pick(tx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, r.ID); err != nil {
		return nil, fmt.Errorf("failed to delete reservation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE books SET available = 1 WHERE id = ?`, r.BookID); err != nil {
		return nil, fmt.Errorf("failed to mark book available: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

// Close closes the database
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
