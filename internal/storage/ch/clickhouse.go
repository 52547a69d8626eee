package ch

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"librarybot/internal/models"
	"librarybot/internal/storage"
)

// ClickHouseDB stores the library in ClickHouse MergeTree tables.
//
// ClickHouse has no transactions, so uniqueness and the book/reservation
// invariant are enforced in-process: catalogMu guards inserts that must be
// unique and bookLocks serializes every change touching one book. Only one
// bot process may write to a database.
type ClickHouseDB struct {
	conn      clickhouse.Conn
	catalogMu sync.Mutex
	bookLocks storage.KeyedMutex
	release   func(ctx context.Context, bookID int) error
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(host string, port int, database, user, password string, useTLS bool) (*ClickHouseDB, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	options := &clickhouse.Options{
		Addr:     []string{addr},
		Protocol: clickhouse.Native,
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
	}

	// Configure TLS if enabled
	if useTLS {
		options.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	// Test the connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	db := &ClickHouseDB{conn: conn}
	db.release = db.releaseBook
	return db, nil
}

// Initialize is a no-op - tables are managed via migrations (cmd/migrate)
func (db *ClickHouseDB) Initialize(ctx context.Context) error {
	return nil
}

// mutation waits for ALTER ... UPDATE/DELETE to finish before returning
func mutation(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 1,
	}))
}

const userCols = `chat_id, user_name, phone_number, language, created_at`

func scanUsers(rows driver.Rows) ([]models.User, error) {
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var lang string
		if err := rows.Scan(&u.ChatID, &u.Name, &u.Phone, &lang, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.PreferredLanguage = models.Language(lang)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (db *ClickHouseDB) findUser(ctx context.Context, where string, arg any) (*models.User, error) {
	rows, err := db.conn.Query(ctx, `SELECT `+userCols+` FROM users WHERE `+where+` ORDER BY created_at LIMIT 1`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	users, err := scanUsers(rows)
	if err != nil || len(users) == 0 {
		return nil, err
	}
	return &users[0], nil
}

// FindUserByChatID returns the user registered for chatID, or nil
func (db *ClickHouseDB) FindUserByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	return db.findUser(ctx, `chat_id = ?`, chatID)
}

// FindUserByPhone returns the user registered with phone, or nil
func (db *ClickHouseDB) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	return db.findUser(ctx, `phone_number = ?`, phone)
}

// FindUserByName returns the earliest registered user with that name
func (db *ClickHouseDB) FindUserByName(ctx context.Context, name string) (*models.User, error) {
	return db.findUser(ctx, `user_name = ?`, name)
}

// CreateUser registers a new user. An existing phone returns that user with ErrDuplicatePhone.
func (db *ClickHouseDB) CreateUser(ctx context.Context, chatID int64, name, phone string) (*models.User, error) {
	db.catalogMu.Lock()
	defer db.catalogMu.Unlock()

	existing, err := db.FindUserByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, storage.ErrDuplicatePhone
	}
	if existing, err = db.FindUserByChatID(ctx, chatID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	u := models.User{ChatID: chatID, Name: name, Phone: phone, CreatedAt: time.Now().UTC()}
	err = db.conn.Exec(ctx, `INSERT INTO users (chat_id, user_name, phone_number, language, created_at) VALUES (?, ?, ?, '', ?)`,
		u.ChatID, u.Name, u.Phone, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &u, nil
}

// SetUserLanguage stores the user's preferred language
func (db *ClickHouseDB) SetUserLanguage(ctx context.Context, chatID int64, language models.Language) error {
	u, err := db.FindUserByChatID(ctx, chatID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("user %d not found", chatID)
	}
	err = db.conn.Exec(mutation(ctx), `ALTER TABLE users UPDATE language = ? WHERE chat_id = ?`, string(language), chatID)
	if err != nil {
		return fmt.Errorf("failed to set language: %w", err)
	}
	return nil
}

// ListCategories returns the sorted categories with at least one book in language
func (db *ClickHouseDB) ListCategories(ctx context.Context, language models.Language) ([]string, error) {
	rows, err := db.conn.Query(ctx, `SELECT DISTINCT category FROM books WHERE language = ? ORDER BY category`, string(language))
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

func scanBooks(rows driver.Rows) ([]models.Book, error) {
	defer rows.Close()

	var books []models.Book
	for rows.Next() {
		var b models.Book
		var id int64
		var lang string
		if err := rows.Scan(&id, &b.Title, &lang, &b.Category, &b.Available); err != nil {
			return nil, fmt.Errorf("failed to scan book: %w", err)
		}
		b.ID = int(id)
		b.Language = models.Language(lang)
		books = append(books, b)
	}
	return books, rows.Err()
}

// ListAvailableBooks returns all available books in a category
func (db *ClickHouseDB) ListAvailableBooks(ctx context.Context, language models.Language, category string) ([]models.Book, error) {
	rows, err := db.conn.Query(ctx,
		`SELECT `+bookCols+` FROM books WHERE language = ? AND category = ? AND available = true ORDER BY id`,
		string(language), category)
	if err != nil {
		return nil, fmt.Errorf("failed to list available books: %w", err)
	}
	return scanBooks(rows)
}

// FindBook returns the book with the given catalog ID, or nil
func (db *ClickHouseDB) FindBook(ctx context.Context, id int) (*models.Book, error) {
	rows, err := db.conn.Query(ctx, `SELECT `+bookCols+` FROM books WHERE id = ? LIMIT 1`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to find book: %w", err)
	}
	books, err := scanBooks(rows)
	if err != nil || len(books) == 0 {
		return nil, err
	}
	return &books[0], nil
}

// AddBook creates a new available book
func (db *ClickHouseDB) AddBook(ctx context.Context, id int, title string, language models.Language, category string) (*models.Book, error) {
	db.catalogMu.Lock()
	defer db.catalogMu.Unlock()
	unlock := db.bookLocks.Lock(id)
	defer unlock()

	existing, err := db.FindBook(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, storage.ErrDuplicateBookID
	}

	err = db.conn.Exec(ctx, `INSERT INTO books (id, title, language, category, available) VALUES (?, ?, ?, ?, ?)`,
		int64(id), title, string(language), category, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create book: %w", err)
	}
	return &models.Book{ID: id, Title: title, Language: language, Category: category, Available: true}, nil
}

// RemoveBook deletes the book matching all three keys and returns it, or nil
func (db *ClickHouseDB) RemoveBook(ctx context.Context, id int, language models.Language, category string) (*models.Book, error) {
	unlock := db.bookLocks.Lock(id)
	defer unlock()

	b, err := db.FindBook(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil || b.Language != language || b.Category != category {
		return nil, nil
	}
	if err := db.conn.Exec(mutation(ctx), `ALTER TABLE books DELETE WHERE id = ?`, int64(id)); err != nil {
		return nil, fmt.Errorf("failed to remove book: %w", err)
	}
	return b, nil
}

// SetBookAvailable flips the availability flag
func (db *ClickHouseDB) SetBookAvailable(ctx context.Context, id int, available bool) error {
	unlock := db.bookLocks.Lock(id)
	defer unlock()
	return db.setAvailable(ctx, id, available)
}

func (db *ClickHouseDB) setAvailable(ctx context.Context, id int, available bool) error {
	b, err := db.FindBook(ctx, id)
	if err != nil {
		return err
	}
	if b == nil {
		return storage.ErrBookNotFound
	}
	if err := db.conn.Exec(mutation(ctx), `ALTER TABLE books UPDATE available = ? WHERE id = ?`, available, int64(id)); err != nil {
		return fmt.Errorf("failed to set availability: %w", err)
	}
	return nil
}

const reservationSelect = `SELECT toString(r.id), r.user_chat_id, r.book_id, r.pickup_time, r.created_at, u.user_name, b.title
FROM reservations AS r
LEFT JOIN users AS u ON u.chat_id = r.user_chat_id
LEFT JOIN books AS b ON b.id = r.book_id`

func (db *ClickHouseDB) queryReservations(ctx context.Context, query string, args ...any) ([]models.Reservation, error) {
	rows, err := db.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		var r models.Reservation
		var bookID int64
		if err := rows.Scan(&r.ID, &r.UserChatID, &bookID, &r.PickupTime, &r.CreatedAt, &r.UserName, &r.BookTitle); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		r.BookID = int(bookID)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *ClickHouseDB) findReservation(ctx context.Context, where string, args ...any) (*models.Reservation, error) {
	list, err := db.queryReservations(ctx, reservationSelect+` WHERE `+where+` ORDER BY r.created_at LIMIT 1`, args...)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// CreateReservation records a reservation and marks the book unavailable.
// If the flag cannot be flipped the inserted row is deleted again.
func (db *ClickHouseDB) CreateReservation(ctx context.Context, chatID int64, bookID int, pickupTime string) (*models.Reservation, error) {
	unlock := db.bookLocks.Lock(bookID)
	defer unlock()

	b, err := db.FindBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, storage.ErrBookNotFound
	}
	if !b.Available {
		return nil, storage.ErrBookUnavailable
	}

	r := &models.Reservation{
		ID:         uuid.NewString(),
		UserChatID: chatID,
		BookID:     bookID,
		PickupTime: pickupTime,
		CreatedAt:  time.Now().UTC(),
		BookTitle:  b.Title,
	}
	if err := db.insertReservation(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create reservation: %w", err)
	}
	if err := db.setAvailable(ctx, bookID, false); err != nil {
		if delErr := db.conn.Exec(mutation(ctx), `ALTER TABLE reservations DELETE WHERE id = toUUID(?)`, r.ID); delErr != nil {
			return nil, fmt.Errorf("%w (rollback failed: %v)", err, delErr)
		}
		return nil, err
	}

	// The reservation is stored at this point; a failed lookup only leaves the name empty
	if u, err := db.FindUserByChatID(ctx, chatID); err == nil && u != nil {
		r.UserName = u.Name
	}
	return r, nil
}

func (db *ClickHouseDB) insertReservation(ctx context.Context, r *models.Reservation) error {
	return db.conn.Exec(ctx, `INSERT INTO reservations (id, user_chat_id, book_id, pickup_time, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.UserChatID, int64(r.BookID), r.PickupTime, r.CreatedAt)
}

// ListUserReservations returns the user's reservations in creation order
func (db *ClickHouseDB) ListUserReservations(ctx context.Context, chatID int64) ([]models.Reservation, error) {
	return db.queryReservations(ctx, reservationSelect+` WHERE r.user_chat_id = ? ORDER BY r.created_at`, chatID)
}

// ListReservations returns every open reservation in creation order
func (db *ClickHouseDB) ListReservations(ctx context.Context) ([]models.Reservation, error) {
	return db.queryReservations(ctx, reservationSelect+` ORDER BY r.created_at`)
}

// FindReservationByBook returns the open reservation for a book, or nil
func (db *ClickHouseDB) FindReservationByBook(ctx context.Context, bookID int) (*models.Reservation, error) {
	return db.findReservation(ctx, `r.book_id = ?`, int64(bookID))
}

// CancelReservationAt cancels the user's reservation at a 1-based position
func (db *ClickHouseDB) CancelReservationAt(ctx context.Context, chatID int64, position int) (*models.Reservation, error) {
	if position < 1 {
		return nil, storage.ErrInvalidReservationIndex
	}
	list, err := db.ListUserReservations(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if position > len(list) {
		return nil, storage.ErrInvalidReservationIndex
	}
	target := list[position-1]

	unlock := db.bookLocks.Lock(target.BookID)
	defer unlock()

	// Re-check under the lock, the reservation may have gone meanwhile
	current, err := db.findReservation(ctx, `r.id = toUUID(?)`, target.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, storage.ErrInvalidReservationIndex
	}
	return db.cancel(ctx, current)
}

// CancelReservationForBook cancels the open reservation for a book on behalf of requester
func (db *ClickHouseDB) CancelReservationForBook(ctx context.Context, bookID int, requester int64) (*models.Reservation, error) {
	unlock := db.bookLocks.Lock(bookID)
	defer unlock()

	r, err := db.FindReservationByBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, storage.ErrReservationNotFound
	}
	if requester != storage.AnyOwner && r.UserChatID != requester {
		return nil, storage.ErrNotOwner
	}
	return db.cancel(ctx, r)
}

// cancel deletes r and frees its book. If the book cannot be freed the row
// is inserted again with its original created_at, so its position is kept.
// Caller holds the book lock.
func (db *ClickHouseDB) cancel(ctx context.Context, r *models.Reservation) (*models.Reservation, error) {
	if err := db.conn.Exec(mutation(ctx), `ALTER TABLE reservations DELETE WHERE id = toUUID(?)`, r.ID); err != nil {
		return nil, fmt.Errorf("failed to delete reservation: %w", err)
	}
	if err := db.release(ctx, r.BookID); err != nil {
		if insErr := db.insertReservation(ctx, r); insErr != nil {
			return nil, fmt.Errorf("%w (restore failed: %v)", err, insErr)
		}
		return nil, err
	}
	return r, nil
}

func (db *ClickHouseDB) releaseBook(ctx context.Context, bookID int) error {
	err := db.conn.Exec(mutation(ctx), `ALTER TABLE books UPDATE available = true WHERE id = ?`, int64(bookID))
	if err != nil {
		return fmt.Errorf("failed to release book: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
