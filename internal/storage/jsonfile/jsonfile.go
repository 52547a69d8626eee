// Package jsonfile keeps the library in memory and persists it as one JSON
// snapshot that is rewritten in full after every successful mutation.
package jsonfile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"librarybot/internal/models"
	"librarybot/internal/storage/stubs"
)

const fileName = "library.json"

// Store implements storage.Storage on top of an in-memory MockDB
type Store struct {
	mu     sync.Mutex // serializes mutate+persist
	mem    *stubs.MockDB
	path   string
	logger *zap.Logger
}

type fileFormat struct {
	Users        []userRecord        `json:"users"`
	Books        []bookRecord        `json:"books"`
	Reservations []reservationRecord `json:"reservations"`
}

type userRecord struct {
	ChatID    int64     `json:"chatId"`
	Name      string    `json:"userName"`
	Phone     string    `json:"phoneNumber"`
	Language  string    `json:"language,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type bookRecord struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	Language  string `json:"language"`
	Category  string `json:"category"`
	Available bool   `json:"available"`
}

type reservationRecord struct {
	ID         string    `json:"id"`
	UserChatID int64     `json:"userChatId"`
	BookID     int       `json:"bookId"`
	PickupTime string    `json:"pickupTime"`
	CreatedAt  time.Time `json:"createdAt"`
}

// New creates a store persisting to dir/library.json
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &Store{
		mem:    stubs.NewMockDB(),
		path:   filepath.Join(dir, fileName),
		logger: logger,
	}, nil
}

// Initialize loads the snapshot file, starting empty if it does not exist
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("Storage file does not exist, starting with empty library", zap.String("path", s.path))
			return nil
		}
		return fmt.Errorf("read storage file %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("unmarshal storage file %s: %w", s.path, err)
	}
	s.mem.Restore(fromFile(f))

	s.logger.Info("Loaded library snapshot",
		zap.String("path", s.path),
		zap.Int("users", len(f.Users)),
		zap.Int("books", len(f.Books)),
		zap.Int("reservations", len(f.Reservations)),
	)
	return nil
}

// mutate runs fn and persists the result. If persisting fails the in-memory
// state is rolled back so memory and disk never disagree.
func (s *Store) mutate(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.mem.Snapshot()
	if err := fn(); err != nil {
		return err
	}
	if err := s.save(); err != nil {
		s.mem.Restore(before)
		return err
	}
	return nil
}

// save writes the snapshot to a temp file and renames it over the old one
func (s *Store) save() error {
	start := time.Now()
	tempPath := s.path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file %s: %w", tempPath, err)
	}

	writer := bufio.NewWriter(file)
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(toFile(s.mem.Snapshot())); err != nil {
		file.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("flush temp file %s: %w", tempPath, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tempPath, s.path, err)
	}

	s.logger.Debug("Saved library snapshot", zap.String("path", s.path), zap.Duration("elapsed", time.Since(start)))
	return nil
}

// FindUserByChatID returns the user registered for chatID, or nil
func (s *Store) FindUserByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	return s.mem.FindUserByChatID(ctx, chatID)
}

// FindUserByPhone returns the user registered with phone, or nil
func (s *Store) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	return s.mem.FindUserByPhone(ctx, phone)
}

// FindUserByName returns the earliest registered user with that name
func (s *Store) FindUserByName(ctx context.Context, name string) (*models.User, error) {
	return s.mem.FindUserByName(ctx, name)
}

// CreateUser registers a new user. An existing phone returns that user with ErrDuplicatePhone.
func (s *Store) CreateUser(ctx context.Context, chatID int64, name, phone string) (*models.User, error) {
	var u *models.User
	var createErr error
	err := s.mutate(func() error {
		u, createErr = s.mem.CreateUser(ctx, chatID, name, phone)
		return createErr
	})
	if err != nil && err != createErr {
		return nil, err
	}
	return u, createErr
}

// SetUserLanguage stores the user's preferred language
func (s *Store) SetUserLanguage(ctx context.Context, chatID int64, language models.Language) error {
	return s.mutate(func() error {
		return s.mem.SetUserLanguage(ctx, chatID, language)
	})
}

// ListCategories returns the sorted categories with at least one book in language
func (s *Store) ListCategories(ctx context.Context, language models.Language) ([]string, error) {
	return s.mem.ListCategories(ctx, language)
}

// ListAvailableBooks returns available books in a category, ordered by ID
func (s *Store) ListAvailableBooks(ctx context.Context, language models.Language, category string) ([]models.Book, error) {
	return s.mem.ListAvailableBooks(ctx, language, category)
}

// FindBook returns the book with the given catalog ID, or nil
func (s *Store) FindBook(ctx context.Context, id int) (*models.Book, error) {
	return s.mem.FindBook(ctx, id)
}

// AddBook adds an available book to the catalog
func (s *Store) AddBook(ctx context.Context, id int, title string, language models.Language, category string) (*models.Book, error) {
	var b *models.Book
	err := s.mutate(func() (err error) {
		b, err = s.mem.AddBook(ctx, id, title, language, category)
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// RemoveBook deletes the book matching all three keys and returns it, or nil
func (s *Store) RemoveBook(ctx context.Context, id int, language models.Language, category string) (*models.Book, error) {
	var b *models.Book
	err := s.mutate(func() (err error) {
		b, err = s.mem.RemoveBook(ctx, id, language, category)
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SetBookAvailable flips the availability flag
func (s *Store) SetBookAvailable(ctx context.Context, id int, available bool) error {
	return s.mutate(func() error {
		return s.mem.SetBookAvailable(ctx, id, available)
	})
}

// CreateReservation reserves a book and marks it unavailable
func (s *Store) CreateReservation(ctx context.Context, chatID int64, bookID int, pickupTime string) (*models.Reservation, error) {
	var r *models.Reservation
	err := s.mutate(func() (err error) {
		r, err = s.mem.CreateReservation(ctx, chatID, bookID, pickupTime)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListUserReservations returns the user's reservations in creation order
func (s *Store) ListUserReservations(ctx context.Context, chatID int64) ([]models.Reservation, error) {
	return s.mem.ListUserReservations(ctx, chatID)
}

// ListReservations returns every open reservation in creation order
func (s *Store) ListReservations(ctx context.Context) ([]models.Reservation, error) {
	return s.mem.ListReservations(ctx)
}

// FindReservationByBook returns the open reservation for a book, or nil
func (s *Store) FindReservationByBook(ctx context.Context, bookID int) (*models.Reservation, error) {
	return s.mem.FindReservationByBook(ctx, bookID)
}

// CancelReservationAt cancels the user's reservation at a 1-based position
func (s *Store) CancelReservationAt(ctx context.Context, chatID int64, position int) (*models.Reservation, error) {
	var r *models.Reservation
	err := s.mutate(func() (err error) {
		r, err = s.mem.CancelReservationAt(ctx, chatID, position)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CancelReservationForBook cancels the open reservation for a book on behalf of requester
func (s *Store) CancelReservationForBook(ctx context.Context, bookID int, requester int64) (*models.Reservation, error) {
	var r *models.Reservation
	err := s.mutate(func() (err error) {
		r, err = s.mem.CancelReservationForBook(ctx, bookID, requester)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Close is a no-op: every mutation is already on disk
func (s *Store) Close() error {
	return nil
}

func toFile(snap stubs.Snapshot) fileFormat {
	f := fileFormat{
		Users:        make([]userRecord, 0, len(snap.Users)),
		Books:        make([]bookRecord, 0, len(snap.Books)),
		Reservations: make([]reservationRecord, 0, len(snap.Reservations)),
	}
	for _, u := range snap.Users {
		f.Users = append(f.Users, userRecord{
			ChatID:    u.ChatID,
			Name:      u.Name,
			Phone:     u.Phone,
			Language:  string(u.PreferredLanguage),
			CreatedAt: u.CreatedAt,
		})
	}
	for _, b := range snap.Books {
		f.Books = append(f.Books, bookRecord{
			ID:        b.ID,
			Title:     b.Title,
			Language:  string(b.Language),
			Category:  b.Category,
			Available: b.Available,
		})
	}
	for _, r := range snap.Reservations {
		f.Reservations = append(f.Reservations, reservationRecord{
			ID:         r.ID,
			UserChatID: r.UserChatID,
			BookID:     r.BookID,
			PickupTime: r.PickupTime,
			CreatedAt:  r.CreatedAt,
		})
	}
	return f
}

func fromFile(f fileFormat) stubs.Snapshot {
	var snap stubs.Snapshot
	for _, u := range f.Users {
		snap.Users = append(snap.Users, models.User{
			ChatID:            u.ChatID,
			Name:              u.Name,
			Phone:             u.Phone,
			PreferredLanguage: models.Language(u.Language),
			CreatedAt:         u.CreatedAt,
		})
	}
	for _, b := range f.Books {
		snap.Books = append(snap.Books, models.Book{
			ID:        b.ID,
			Title:     b.Title,
			Language:  models.Language(b.Language),
			Category:  b.Category,
			Available: b.Available,
		})
	}
	for _, r := range f.Reservations {
		snap.Reservations = append(snap.Reservations, models.Reservation{
			ID:         r.ID,
			UserChatID: r.UserChatID,
			BookID:     r.BookID,
			PickupTime: r.PickupTime,
			CreatedAt:  r.CreatedAt,
		})
	}
	return snap
}
