// Package mongo implements the library store on MongoDB.
//
// Collections: users, books and reservations. Reservation creation claims the
// book with a compare-and-swap on its available flag, so two racing requests
// for one book can never both succeed.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"librarybot/internal/models"
	"librarybot/internal/storage"
)

const opTimeout = 5 * time.Second

// MongoDB implements storage.Storage on three collections
type MongoDB struct {
	client       *mongo.Client
	users        *mongo.Collection
	books        *mongo.Collection
	reservations *mongo.Collection
}

type userDoc struct {
	ChatID    int64     `bson:"chatId"`
	Name      string    `bson:"userName"`
	Phone     string    `bson:"phoneNumber"`
	Language  string    `bson:"language"`
	CreatedAt time.Time `bson:"createdAt"`
}

type bookDoc struct {
	ID        int    `bson:"id"`
	Title     string `bson:"title"`
	Language  string `bson:"language"`
	Category  string `bson:"category"`
	Available bool   `bson:"available"`
}

type reservationDoc struct {
	OID        primitive.ObjectID `bson:"_id,omitempty"`
	ID         string             `bson:"id"`
	UserChatID int64              `bson:"userChatId"`
	BookID     int                `bson:"bookId"`
	PickupTime string             `bson:"pickupTime"`
	CreatedAt  time.Time          `bson:"createdAt"`
}

// Connect opens a client for uri and selects database
func Connect(ctx context.Context, uri, database string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	return &MongoDB{
		client:       client,
		users:        db.Collection("users"),
		books:        db.Collection("books"),
		reservations: db.Collection("reservations"),
	}, nil
}

// Initialize creates the unique indexes the store relies on
func (m *MongoDB) Initialize(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{m.users, mongo.IndexModel{Keys: bson.D{{Key: "chatId", Value: 1}}, Options: unique}},
		{m.users, mongo.IndexModel{Keys: bson.D{{Key: "phoneNumber", Value: 1}}, Options: unique}},
		{m.users, mongo.IndexModel{Keys: bson.D{{Key: "userName", Value: 1}}}},
		{m.books, mongo.IndexModel{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique}},
		{m.books, mongo.IndexModel{Keys: bson.D{{Key: "language", Value: 1}, {Key: "category", Value: 1}}}},
		{m.reservations, mongo.IndexModel{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique}},
		{m.reservations, mongo.IndexModel{Keys: bson.D{{Key: "bookId", Value: 1}}, Options: unique}},
		{m.reservations, mongo.IndexModel{Keys: bson.D{{Key: "userChatId", Value: 1}, {Key: "_id", Value: 1}}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("create index on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

func (d userDoc) model() *models.User {
	return &models.User{
		ChatID:            d.ChatID,
		Name:              d.Name,
		Phone:             d.Phone,
		PreferredLanguage: models.Language(d.Language),
		CreatedAt:         d.CreatedAt,
	}
}

func (d bookDoc) model() *models.Book {
	return &models.Book{
		ID:        d.ID,
		Title:     d.Title,
		Language:  models.Language(d.Language),
		Category:  d.Category,
		Available: d.Available,
	}
}

func (m *MongoDB) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc userDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	err := m.users.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return doc.model(), nil
}

// FindUserByChatID returns the user registered for chatID, or nil
func (m *MongoDB) FindUserByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	return m.findUser(ctx, bson.M{"chatId": chatID})
}

// FindUserByPhone returns the user registered with phone, or nil
func (m *MongoDB) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	return m.findUser(ctx, bson.M{"phoneNumber": phone})
}

// FindUserByName returns the earliest registered user with that name
func (m *MongoDB) FindUserByName(ctx context.Context, name string) (*models.User, error) {
	return m.findUser(ctx, bson.M{"userName": name})
}

// CreateUser registers a new user. An existing phone returns that user with ErrDuplicatePhone.
func (m *MongoDB) CreateUser(ctx context.Context, chatID int64, name, phone string) (*models.User, error) {
	if existing, err := m.FindUserByPhone(ctx, phone); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, storage.ErrDuplicatePhone
	}
	if existing, err := m.FindUserByChatID(ctx, chatID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	doc := userDoc{ChatID: chatID, Name: name, Phone: phone, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	insertCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := m.users.InsertOne(insertCtx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// lost a race with another registration
			if existing, _ := m.FindUserByPhone(ctx, phone); existing != nil {
				return existing, storage.ErrDuplicatePhone
			}
			if existing, _ := m.FindUserByChatID(ctx, chatID); existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return doc.model(), nil
}

// SetUserLanguage stores the user's preferred language
func (m *MongoDB) SetUserLanguage(ctx context.Context, chatID int64, language models.Language) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := m.users.UpdateOne(ctx, bson.M{"chatId": chatID}, bson.M{"$set": bson.M{"language": string(language)}})
	if err != nil {
		return fmt.Errorf("update language: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("user %d not found", chatID)
	}
	return nil
}

// ListCategories returns the sorted categories with at least one book in language
func (m *MongoDB) ListCategories(ctx context.Context, language models.Language) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	values, err := m.books.Distinct(ctx, "category", bson.M{"language": string(language)})
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	categories := make([]string, 0, len(values))
	for _, v := range values {
		if c, ok := v.(string); ok {
			categories = append(categories, c)
		}
	}
	// Distinct does not guarantee order
	sort.Strings(categories)
	return categories, nil
}

func (m *MongoDB) findBooks(ctx context.Context, filter bson.M) ([]models.Book, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := m.books.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find books: %w", err)
	}
	var docs []bookDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode books: %w", err)
	}
	books := make([]models.Book, 0, len(docs))
	for _, d := range docs {
		books = append(books, *d.model())
	}
	return books, nil
}

// ListAvailableBooks returns available books in a category, ordered by ID
func (m *MongoDB) ListAvailableBooks(ctx context.Context, language models.Language, category string) ([]models.Book, error) {
	return m.findBooks(ctx, bson.M{"language": string(language), "category": category, "available": true})
}

// FindBook returns the book with the given catalog ID, or nil
func (m *MongoDB) FindBook(ctx context.Context, id int) (*models.Book, error) {
	books, err := m.findBooks(ctx, bson.M{"id": id})
	if err != nil || len(books) == 0 {
		return nil, err
	}
	return &books[0], nil
}

// AddBook adds an available book to the catalog
func (m *MongoDB) AddBook(ctx context.Context, id int, title string, language models.Language, category string) (*models.Book, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc := bookDoc{ID: id, Title: title, Language: string(language), Category: category, Available: true}
	if _, err := m.books.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, storage.ErrDuplicateBookID
		}
		return nil, fmt.Errorf("insert book: %w", err)
	}
	return doc.model(), nil
}

// RemoveBook deletes the book matching all three keys and returns it, or nil
func (m *MongoDB) RemoveBook(ctx context.Context, id int, language models.Language, category string) (*models.Book, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc bookDoc
	err := m.books.FindOneAndDelete(ctx, bson.M{"id": id, "language": string(language), "category": category}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remove book: %w", err)
	}
	return doc.model(), nil
}

// SetBookAvailable flips the availability flag
func (m *MongoDB) SetBookAvailable(ctx context.Context, id int, available bool) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := m.books.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": bson.M{"available": available}})
	if err != nil {
		return fmt.Errorf("update availability: %w", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrBookNotFound
	}
	return nil
}

// CreateReservation claims the book (available true -> false) and then inserts
// the reservation. A failed insert hands the book back.
func (m *MongoDB) CreateReservation(ctx context.Context, chatID int64, bookID int, pickupTime string) (*models.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := m.books.UpdateOne(ctx,
		bson.M{"id": bookID, "available": true},
		bson.M{"$set": bson.M{"available": false}})
	if err != nil {
		return nil, fmt.Errorf("claim book: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := m.books.CountDocuments(ctx, bson.M{"id": bookID})
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, storage.ErrBookNotFound
		}
		return nil, storage.ErrBookUnavailable
	}

	doc := reservationDoc{
		OID:        primitive.NewObjectID(),
		ID:         uuid.NewString(),
		UserChatID: chatID,
		BookID:     bookID,
		PickupTime: pickupTime,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	if _, err := m.reservations.InsertOne(ctx, doc); err != nil {
		if _, revertErr := m.books.UpdateOne(ctx, bson.M{"id": bookID}, bson.M{"$set": bson.M{"available": true}}); revertErr != nil {
			return nil, fmt.Errorf("insert reservation: %w (release failed: %v)", err, revertErr)
		}
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	// The reservation is stored at this point; a failed lookup only leaves names empty
	out, err := m.decorate(ctx, []reservationDoc{doc})
	if err != nil {
		r := doc.model()
		return &r, nil
	}
	return &out[0], nil
}

func (m *MongoDB) findReservations(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]models.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts = append([]*options.FindOptions{options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})}, opts...)
	cur, err := m.reservations.Find(ctx, filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("find reservations: %w", err)
	}
	var docs []reservationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode reservations: %w", err)
	}
	return m.decorate(ctx, docs)
}

// decorate fills in user names and book titles with one query per collection
func (m *MongoDB) decorate(ctx context.Context, docs []reservationDoc) ([]models.Reservation, error) {
	out := make([]models.Reservation, 0, len(docs))
	if len(docs) == 0 {
		return out, nil
	}

	chatIDs := make([]int64, 0, len(docs))
	bookIDs := make([]int, 0, len(docs))
	for _, d := range docs {
		chatIDs = append(chatIDs, d.UserChatID)
		bookIDs = append(bookIDs, d.BookID)
	}

	names := make(map[int64]string)
	cur, err := m.users.Find(ctx, bson.M{"chatId": bson.M{"$in": chatIDs}})
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	var users []userDoc
	if err := cur.All(ctx, &users); err != nil {
		return nil, err
	}
	for _, u := range users {
		names[u.ChatID] = u.Name
	}

	titles := make(map[int]string)
	cur, err = m.books.Find(ctx, bson.M{"id": bson.M{"$in": bookIDs}})
	if err != nil {
		return nil, fmt.Errorf("find books: %w", err)
	}
	var books []bookDoc
	if err := cur.All(ctx, &books); err != nil {
		return nil, err
	}
	for _, b := range books {
		titles[b.ID] = b.Title
	}

	for _, d := range docs {
		r := d.model()
		r.UserName = names[d.UserChatID]
		r.BookTitle = titles[d.BookID]
		out = append(out, r)
	}
	return out, nil
}

func (d reservationDoc) model() models.Reservation {
	return models.Reservation{
		ID:         d.ID,
		UserChatID: d.UserChatID,
		BookID:     d.BookID,
		PickupTime: d.PickupTime,
		CreatedAt:  d.CreatedAt,
	}
}

// ListUserReservations returns the user's reservations in creation order
func (m *MongoDB) ListUserReservations(ctx context.Context, chatID int64) ([]models.Reservation, error) {
	return m.findReservations(ctx, bson.M{"userChatId": chatID})
}

// ListReservations returns every open reservation in creation order
func (m *MongoDB) ListReservations(ctx context.Context) ([]models.Reservation, error) {
	return m.findReservations(ctx, bson.M{})
}

// FindReservationByBook returns the open reservation for a book, or nil
func (m *MongoDB) FindReservationByBook(ctx context.Context, bookID int) (*models.Reservation, error) {
	list, err := m.findReservations(ctx, bson.M{"bookId": bookID})
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// CancelReservationAt cancels the user's reservation at a 1-based position
func (m *MongoDB) CancelReservationAt(ctx context.Context, chatID int64, position int) (*models.Reservation, error) {
	if position < 1 {
		return nil, storage.ErrInvalidReservationIndex
	}
	list, err := m.findReservations(ctx, bson.M{"userChatId": chatID},
		options.Find().SetSkip(int64(position-1)).SetLimit(1))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, storage.ErrInvalidReservationIndex
	}
	r, err := m.cancel(ctx, &list[0])
	if errors.Is(err, storage.ErrReservationNotFound) {
		return nil, storage.ErrInvalidReservationIndex
	}
	return r, err
}

// CancelReservationForBook cancels the open reservation for a book on behalf of requester
func (m *MongoDB) CancelReservationForBook(ctx context.Context, bookID int, requester int64) (*models.Reservation, error) {
	r, err := m.FindReservationByBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, storage.ErrReservationNotFound
	}
	if requester != storage.AnyOwner && r.UserChatID != requester {
		return nil, storage.ErrNotOwner
	}
	return m.cancel(ctx, r)
}

// cancel deletes r if it still exists and then frees its book. If the book
// cannot be freed the deleted document goes back under its original _id, so
// the user's reservation order is unchanged.
func (m *MongoDB) cancel(ctx context.Context, r *models.Reservation) (*models.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc reservationDoc
	err := m.reservations.FindOneAndDelete(ctx, bson.M{"id": r.ID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete reservation: %w", err)
	}
	if _, err := m.books.UpdateOne(ctx, bson.M{"id": r.BookID}, bson.M{"$set": bson.M{"available": true}}); err != nil {
		if _, restoreErr := m.reservations.InsertOne(ctx, doc); restoreErr != nil {
			return nil, fmt.Errorf("release book: %w (restore failed: %v)", err, restoreErr)
		}
		return nil, fmt.Errorf("release book: %w", err)
	}
	return r, nil
}

// Close disconnects the client
func (m *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// DropDatabase removes every collection. Used by tests.
func (m *MongoDB) DropDatabase(ctx context.Context) error {
	return m.users.Database().Drop(ctx)
}
