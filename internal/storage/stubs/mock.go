package stubs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"librarybot/internal/models"
	"librarybot/internal/storage"
)

// MockDB is an in-memory implementation of the Storage interface for testing
// and for running the bot without a database (STORAGE_BACKEND=memory)
type MockDB struct {
	mu           sync.RWMutex
	users        map[int64]models.User
	books        map[int]models.Book
	reservations []models.Reservation
	now          func() time.Time
}

// NewMockDB creates a new mock database
func NewMockDB() *MockDB {
	return &MockDB{
		users:        make(map[int64]models.User),
		books:        make(map[int]models.Book),
		reservations: make([]models.Reservation, 0),
		now:          time.Now,
	}
}

// Initialize is a no-op; the mock starts empty
func (m *MockDB) Initialize(ctx context.Context) error {
	return nil
}

// FindUserByChatID returns the user registered for chatID
func (m *MockDB) FindUserByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if u, ok := m.users[chatID]; ok {
		return &u, nil
	}
	return nil, nil
}

// FindUserByPhone returns the user registered with phone
func (m *MockDB) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.findUser(func(u models.User) bool { return u.Phone == phone }), nil
}

// FindUserByName returns the earliest registered user with that name
func (m *MockDB) FindUserByName(ctx context.Context, name string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.findUser(func(u models.User) bool { return u.Name == name }), nil
}

func (m *MockDB) findUser(match func(models.User) bool) *models.User {
	var found *models.User
	for _, u := range m.users {
		if !match(u) {
			continue
		}
		if found == nil || u.CreatedAt.Before(found.CreatedAt) {
			u := u
			found = &u
		}
	}
	return found
}

// CreateUser registers a new user
func (m *MockDB) CreateUser(ctx context.Context, chatID int64, name, phone string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findUser(func(u models.User) bool { return u.Phone == phone }); existing != nil {
		return existing, storage.ErrDuplicatePhone
	}
	if existing, ok := m.users[chatID]; ok {
		return &existing, nil
	}

	u := models.User{
		ChatID:    chatID,
		Name:      name,
		Phone:     phone,
		CreatedAt: m.now(),
	}
	m.users[chatID] = u
	return &u, nil
}

// SetUserLanguage stores the user's preferred language
func (m *MockDB) SetUserLanguage(ctx context.Context, chatID int64, language models.Language) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[chatID]
	if !ok {
		return fmt.Errorf("user %d not found", chatID)
	}
	u.PreferredLanguage = language
	m.users[chatID] = u
	return nil
}

// ListCategories returns categories with at least one book in language
func (m *MockDB) ListCategories(ctx context.Context, language models.Language) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var categories []string
	for _, b := range m.books {
		if b.Language != language || seen[b.Category] {
			continue
		}
		seen[b.Category] = true
		categories = append(categories, b.Category)
	}
	sort.Strings(categories)
	return categories, nil
}

// ListAvailableBooks returns available books in a category, ordered by ID
func (m *MockDB) ListAvailableBooks(ctx context.Context, language models.Language, category string) ([]models.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var books []models.Book
	for _, b := range m.books {
		if b.Available && b.Language == language && b.Category == category {
			books = append(books, b)
		}
	}

	// Sort by ID
	sort.Slice(books, func(i, j int) bool {
		return books[i].ID < books[j].ID
	})

	return books, nil
}

// FindBook returns the book with the given catalog ID
func (m *MockDB) FindBook(ctx context.Context, id int) (*models.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.books[id]; ok {
		return &b, nil
	}
	return nil, nil
}

// AddBook adds an available book to the catalog
func (m *MockDB) AddBook(ctx context.Context, id int, title string, language models.Language, category string) (*models.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.books[id]; ok {
		return nil, storage.ErrDuplicateBookID
	}
	b := models.Book{
		ID:        id,
		Title:     title,
		Language:  language,
		Category:  category,
		Available: true,
	}
	m.books[id] = b
	return &b, nil
}

// RemoveBook deletes the book matching all three keys
func (m *MockDB) RemoveBook(ctx context.Context, id int, language models.Language, category string) (*models.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[id]
	if !ok || b.Language != language || b.Category != category {
		return nil, nil
	}
	delete(m.books, id)
	return &b, nil
}

// SetBookAvailable flips the availability flag
func (m *MockDB) SetBookAvailable(ctx context.Context, id int, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[id]
	if !ok {
		return storage.ErrBookNotFound
	}
	b.Available = available
	m.books[id] = b
	return nil
}

// CreateReservation reserves a book and marks it unavailable
func (m *MockDB) CreateReservation(ctx context.Context, chatID int64, bookID int, pickupTime string) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[bookID]
	if !ok {
		return nil, storage.ErrBookNotFound
	}
	if !b.Available {
		return nil, storage.ErrBookUnavailable
	}

	r := models.Reservation{
		ID:         uuid.NewString(),
		UserChatID: chatID,
		BookID:     bookID,
		PickupTime: pickupTime,
		CreatedAt:  m.now(),
	}
	m.reservations = append(m.reservations, r)
	b.Available = false
	m.books[bookID] = b

	return m.decorate(r), nil
}

// ListUserReservations returns the user's reservations in creation order
func (m *MockDB) ListUserReservations(ctx context.Context, chatID int64) ([]models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Reservation
	for _, r := range m.reservations {
		if r.UserChatID == chatID {
			out = append(out, *m.decorate(r))
		}
	}
	return out, nil
}

// ListReservations returns every open reservation in creation order
func (m *MockDB) ListReservations(ctx context.Context) ([]models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Reservation, 0, len(m.reservations))
	for _, r := range m.reservations {
		out = append(out, *m.decorate(r))
	}
	return out, nil
}

// FindReservationByBook returns the open reservation for a book
func (m *MockDB) FindReservationByBook(ctx context.Context, bookID int) (*models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if i := m.indexByBook(bookID); i >= 0 {
		return m.decorate(m.reservations[i]), nil
	}
	return nil, nil
}

// CancelReservationAt cancels the user's reservation at a 1-based position
func (m *MockDB) CancelReservationAt(ctx context.Context, chatID int64, position int) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for i, r := range m.reservations {
		if r.UserChatID != chatID {
			continue
		}
		n++
		if n == position {
			return m.cancel(i), nil
		}
	}
	return nil, storage.ErrInvalidReservationIndex
}

// CancelReservationForBook cancels the open reservation for a book
func (m *MockDB) CancelReservationForBook(ctx context.Context, bookID int, requester int64) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexByBook(bookID)
	if i < 0 {
		return nil, storage.ErrReservationNotFound
	}
	if requester != storage.AnyOwner && m.reservations[i].UserChatID != requester {
		return nil, storage.ErrNotOwner
	}
	return m.cancel(i), nil
}

// cancel removes reservation i and frees its book. Caller holds the write lock.
func (m *MockDB) cancel(i int) *models.Reservation {
	r := m.decorate(m.reservations[i])
	m.reservations = append(m.reservations[:i], m.reservations[i+1:]...)
	if b, ok := m.books[r.BookID]; ok {
		b.Available = true
		m.books[r.BookID] = b
	}
	return r
}

func (m *MockDB) indexByBook(bookID int) int {
	for i, r := range m.reservations {
		if r.BookID == bookID {
			return i
		}
	}
	return -1
}

func (m *MockDB) decorate(r models.Reservation) *models.Reservation {
	if u, ok := m.users[r.UserChatID]; ok {
		r.UserName = u.Name
	}
	if b, ok := m.books[r.BookID]; ok {
		r.BookTitle = b.Title
	}
	return &r
}

// Snapshot is a detached copy of the whole store
type Snapshot struct {
	Users        []models.User
	Books        []models.Book
	Reservations []models.Reservation
}

// Snapshot copies the current state. Users are ordered by registration time,
// books by ID, reservations by creation order.
func (m *MockDB) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Users:        make([]models.User, 0, len(m.users)),
		Books:        make([]models.Book, 0, len(m.books)),
		Reservations: make([]models.Reservation, len(m.reservations)),
	}
	for _, u := range m.users {
		snap.Users = append(snap.Users, u)
	}
	sort.SliceStable(snap.Users, func(i, j int) bool {
		return snap.Users[i].CreatedAt.Before(snap.Users[j].CreatedAt)
	})
	for _, b := range m.books {
		snap.Books = append(snap.Books, b)
	}
	sort.Slice(snap.Books, func(i, j int) bool {
		return snap.Books[i].ID < snap.Books[j].ID
	})
	copy(snap.Reservations, m.reservations)
	return snap
}

// Restore replaces the store contents with snap
func (m *MockDB) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users = make(map[int64]models.User, len(snap.Users))
	for _, u := range snap.Users {
		m.users[u.ChatID] = u
	}
	m.books = make(map[int]models.Book, len(snap.Books))
	for _, b := range snap.Books {
		m.books[b.ID] = b
	}
	m.reservations = make([]models.Reservation, 0, len(snap.Reservations))
	for _, r := range snap.Reservations {
		r.UserName, r.BookTitle = "", ""
		m.reservations = append(m.reservations, r)
	}
}

// Close does nothing for mock DB
func (m *MockDB) Close() error {
	return nil
}
