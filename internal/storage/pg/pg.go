// Package pg implements the library store on PostgreSQL through a pgx pool.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"librarybot/internal/models"
	"librarybot/internal/storage"
	"librarybot/migrations"
)

const queryTimeout = 3 * time.Second

type PostgresDB struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for the given connection string
func Connect(ctx context.Context, dsn string) (*PostgresDB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MinConns = 1
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresDB{pool: pool}, nil
}

// Initialize applies the embedded migrations
func (p *PostgresDB) Initialize(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	provider, err := migrations.NewProvider(db, migrations.Postgres)
	if err != nil {
		return err
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const userCols = `chat_id, user_name, phone_number, language, created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var lang string
	err := row.Scan(&u.ChatID, &u.Name, &u.Phone, &lang, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.PreferredLanguage = models.Language(lang)
	return &u, nil
}

func (p *PostgresDB) findUser(ctx context.Context, where string, arg any) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE `+where, arg))
}

// FindUserByChatID returns the user registered for chatID, or nil
func (p *PostgresDB) FindUserByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	return p.findUser(ctx, `chat_id=$1`, chatID)
}

// FindUserByPhone returns the user registered with phone, or nil
func (p *PostgresDB) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	return p.findUser(ctx, `phone_number=$1`, phone)
}

// FindUserByName returns the earliest registered user with that name
func (p *PostgresDB) FindUserByName(ctx context.Context, name string) (*models.User, error) {
	return p.findUser(ctx, `user_name=$1 ORDER BY created_at LIMIT 1`, name)
}

// CreateUser registers a new user. An existing phone returns that user with ErrDuplicatePhone.
func (p *PostgresDB) CreateUser(ctx context.Context, chatID int64, name, phone string) (*models.User, error) {
	if existing, err := p.FindUserByPhone(ctx, phone); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, storage.ErrDuplicatePhone
	}
	if existing, err := p.FindUserByChatID(ctx, chatID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	u, err := scanUser(p.pool.QueryRow(ctx,
		`INSERT INTO users (chat_id, user_name, phone_number) VALUES ($1,$2,$3) RETURNING `+userCols,
		chatID, name, phone))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// lost a race with another registration
			if existing, _ := p.FindUserByPhone(ctx, phone); existing != nil {
				return existing, storage.ErrDuplicatePhone
			}
			if existing, _ := p.FindUserByChatID(ctx, chatID); existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// SetUserLanguage stores the user's preferred language
func (p *PostgresDB) SetUserLanguage(ctx context.Context, chatID int64, language models.Language) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := p.pool.Exec(ctx, `UPDATE users SET language=$1 WHERE chat_id=$2`, string(language), chatID)
	if err != nil {
		return fmt.Errorf("update language: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d not found", chatID)
	}
	return nil
}

// ListCategories returns the sorted categories with at least one book in language
func (p *PostgresDB) ListCategories(ctx context.Context, language models.Language) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `SELECT DISTINCT category FROM books WHERE language=$1 ORDER BY category`, string(language))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const bookCols = `id, title, language, category, available`

func scanBook(row pgx.Row) (*models.Book, error) {
	var b models.Book
	var lang string
	err := row.Scan(&b.ID, &b.Title, &lang, &b.Category, &b.Available)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.Language = models.Language(lang)
	return &b, nil
}

// ListAvailableBooks returns available books in a category, ordered by ID
func (p *PostgresDB) ListAvailableBooks(ctx context.Context, language models.Language, category string) ([]models.Book, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx,
		`SELECT `+bookCols+` FROM books WHERE language=$1 AND category=$2 AND available ORDER BY id`,
		string(language), category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []models.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *b)
	}
	return books, rows.Err()
}

// FindBook returns the book with the given catalog ID, or nil
func (p *PostgresDB) FindBook(ctx context.Context, id int) (*models.Book, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanBook(p.pool.QueryRow(ctx, `SELECT `+bookCols+` FROM books WHERE id=$1`, id))
}

// AddBook adds an available book to the catalog
func (p *PostgresDB) AddBook(ctx context.Context, id int, title string, language models.Language, category string) (*models.Book, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	b, err := scanBook(p.pool.QueryRow(ctx,
		`INSERT INTO books (id, title, language, category, available) VALUES ($1,$2,$3,$4,TRUE)
		ON CONFLICT (id) DO NOTHING RETURNING `+bookCols,
		id, title, string(language), category))
	if err != nil {
		return nil, fmt.Errorf("insert book: %w", err)
	}
	if b == nil {
		return nil, storage.ErrDuplicateBookID
	}
	return b, nil
}

// RemoveBook deletes the book matching all three keys and returns it, or nil
func (p *PostgresDB) RemoveBook(ctx context.Context, id int, language models.Language, category string) (*models.Book, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	b, err := scanBook(p.pool.QueryRow(ctx,
		`DELETE FROM books WHERE id=$1 AND language=$2 AND category=$3 RETURNING `+bookCols,
		id, string(language), category))
	if err != nil {
		return nil, fmt.Errorf("delete book: %w", err)
	}
	return b, nil
}

// SetBookAvailable flips the availability flag
func (p *PostgresDB) SetBookAvailable(ctx context.Context, id int, available bool) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := p.pool.Exec(ctx, `UPDATE books SET available=$1 WHERE id=$2`, available, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrBookNotFound
	}
	return nil
}

const reservationSelect = `SELECT r.id::text, r.user_chat_id, r.book_id, r.pickup_time, r.created_at,
	COALESCE(u.user_name, ''), COALESCE(b.title, '')
FROM reservations r
LEFT JOIN users u ON u.chat_id = r.user_chat_id
LEFT JOIN books b ON b.id = r.book_id`

func scanReservation(row pgx.Row) (*models.Reservation, error) {
	var r models.Reservation
	err := row.Scan(&r.ID, &r.UserChatID, &r.BookID, &r.PickupTime, &r.CreatedAt, &r.UserName, &r.BookTitle)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresDB) queryReservations(ctx context.Context, q string, args ...any) ([]models.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CreateReservation claims the book with a conditional update and records the
// reservation in the same transaction. The row lock taken by the update makes
// a concurrent claim see available=false.
func (p *PostgresDB) CreateReservation(ctx context.Context, chatID int64, bookID int, pickupTime string) (*models.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE books SET available=FALSE WHERE id=$1 AND available`, bookID)
	if err != nil {
		return nil, fmt.Errorf("claim book: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM books WHERE id=$1)`, bookID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, storage.ErrBookNotFound
		}
		return nil, storage.ErrBookUnavailable
	}

	id := uuid.NewString()
	if _, err := tx.Exec(ctx,
		`INSERT INTO reservations (id, user_chat_id, book_id, pickup_time) VALUES ($1::uuid,$2,$3,$4)`,
		id, chatID, bookID, pickupTime); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	r, err := scanReservation(tx.QueryRow(ctx, reservationSelect+` WHERE r.id=$1::uuid`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// ListUserReservations returns the user's reservations in creation order
func (p *PostgresDB) ListUserReservations(ctx context.Context, chatID int64) ([]models.Reservation, error) {
	return p.queryReservations(ctx, reservationSelect+` WHERE r.user_chat_id=$1 ORDER BY r.seq`, chatID)
}

// ListReservations returns every open reservation in creation order
func (p *PostgresDB) ListReservations(ctx context.Context) ([]models.Reservation, error) {
	return p.queryReservations(ctx, reservationSelect+` ORDER BY r.seq`)
}

// FindReservationByBook returns the open reservation for a book, or nil
func (p *PostgresDB) FindReservationByBook(ctx context.Context, bookID int) (*models.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanReservation(p.pool.QueryRow(ctx, reservationSelect+` WHERE r.book_id=$1`, bookID))
}

// CancelReservationAt cancels the user's reservation at a 1-based position
func (p *PostgresDB) CancelReservationAt(ctx context.Context, chatID int64, position int) (*models.Reservation, error) {
	if position < 1 {
		return nil, storage.ErrInvalidReservationIndex
	}
	return p.cancel(ctx, func(tx pgx.Tx) (*models.Reservation, error) {
		r, err := scanReservation(tx.QueryRow(ctx,
			reservationSelect+` WHERE r.user_chat_id=$1 ORDER BY r.seq LIMIT 1 OFFSET $2 FOR UPDATE OF r`,
			chatID, position-1))
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
func (p *PostgresDB) CancelReservationForBook(ctx context.Context, bookID int, requester int64) (*models.Reservation, error) {
	return p.cancel(ctx, func(tx pgx.Tx) (*models.Reservation, error) {
		r, err := scanReservation(tx.QueryRow(ctx, reservationSelect+` WHERE r.book_id=$1 FOR UPDATE OF r`, bookID))
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

func (p *PostgresDB) cancel(ctx context.Context, pick func(pgx.Tx) (*models.Reservation, error)) (*models.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	r, err := pick(tx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM reservations WHERE id=$1::uuid`, r.ID); err != nil {
		return nil, fmt.Errorf("delete reservation: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE books SET available=TRUE WHERE id=$1`, r.BookID); err != nil {
		return nil, fmt.Errorf("release book: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Close releases the connection pool
func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}
