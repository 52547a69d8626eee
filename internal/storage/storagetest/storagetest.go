// Package storagetest holds the behaviour every storage backend must share.
// Backend packages call Run from their own tests with a factory that returns
// an empty, initialized store.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarybot/internal/models"
	"librarybot/internal/storage"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job (t.Cleanup).
type Factory func(t *testing.T) storage.Storage

// Run executes the shared suite against the backend built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("DuplicatePhone", func(t *testing.T) { testDuplicatePhone(t, newStore(t)) })
	t.Run("Catalog", func(t *testing.T) { testCatalog(t, newStore(t)) })
	t.Run("RemoveBook", func(t *testing.T) { testRemoveBook(t, newStore(t)) })
	t.Run("ReservationRoundTrip", func(t *testing.T) { testReservationRoundTrip(t, newStore(t)) })
	t.Run("ReserveUnavailable", func(t *testing.T) { testReserveUnavailable(t, newStore(t)) })
	t.Run("CancelByPosition", func(t *testing.T) { testCancelByPosition(t, newStore(t)) })
	t.Run("CancelForBook", func(t *testing.T) { testCancelForBook(t, newStore(t)) })
	t.Run("ConcurrentReserve", func(t *testing.T) { testConcurrentReserve(t, newStore(t)) })
	t.Run("LargeBookID", func(t *testing.T) { testLargeBookID(t, newStore(t)) })
	t.Run("CreateReturnsStoredReservation", func(t *testing.T) { testCreateReturnsStoredReservation(t, newStore(t)) })
}

func testUsers(t *testing.T, db storage.Storage) {
	ctx := context.Background()

	u, err := db.FindUserByChatID(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, u)

	created, err := db.CreateUser(ctx, 100, "Amina", "0911223344")
	require.NoError(t, err)
	assert.Equal(t, int64(100), created.ChatID)
	assert.Equal(t, "Amina", created.Name)
	assert.Empty(t, created.PreferredLanguage)

	byChat, err := db.FindUserByChatID(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, byChat)
	assert.Equal(t, "0911223344", byChat.Phone)

	byPhone, err := db.FindUserByPhone(ctx, "0911223344")
	require.NoError(t, err)
	require.NotNil(t, byPhone)
	assert.Equal(t, int64(100), byPhone.ChatID)

	byName, err := db.FindUserByName(ctx, "Amina")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, int64(100), byName.ChatID)

	missing, err := db.FindUserByName(ctx, "Nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, db.SetUserLanguage(ctx, 100, models.Amharic))
	byChat, err = db.FindUserByChatID(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, models.Amharic, byChat.PreferredLanguage)
}

func testDuplicatePhone(t *testing.T, db storage.Storage) {
	ctx := context.Background()

	_, err := db.CreateUser(ctx, 100, "Amina", "0911223344")
	require.NoError(t, err)

	existing, err := db.CreateUser(ctx, 200, "Someone Else", "0911223344")
	require.ErrorIs(t, err, storage.ErrDuplicatePhone)
	require.NotNil(t, existing)
	assert.Equal(t, int64(100), existing.ChatID)

	u, err := db.FindUserByChatID(ctx, 200)
	require.NoError(t, err)
	assert.Nil(t, u, "second identity must not be registered")

	// Same identity and phone again resolves to the original record
	again, err := db.CreateUser(ctx, 100, "Amina", "0911223344")
	require.ErrorIs(t, err, storage.ErrDuplicatePhone)
	assert.Equal(t, int64(100), again.ChatID)
}

func testCatalog(t *testing.T, db storage.Storage) {
	ctx := context.Background()

	book, err := db.AddBook(ctx, 501, "Sample", models.Arabic, "Fiqh")
	require.NoError(t, err)
	assert.True(t, book.Available)

	_, err = db.AddBook(ctx, 501, "Other", models.Arabic, "Fiqh")
	require.ErrorIs(t, err, storage.ErrDuplicateBookID)

	_, err = db.AddBook(ctx, 503, "Third", models.Arabic, "Aqeedah")
	require.NoError(t, err)
	_, err = db.AddBook(ctx, 502, "Second", models.Arabic, "Fiqh")
	require.NoError(t, err)
	_, err = db.AddBook(ctx, 601, "Amharic Book", models.Amharic, "History")
	require.NoError(t, err)

	found, err := db.FindBook(ctx, 501)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Sample", found.Title)
	assert.Equal(t, models.Arabic, found.Language)
	assert.Equal(t, "Fiqh", found.Category)
	assert.True(t, found.Available)

	missing, err := db.FindBook(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	categories, err := db.ListCategories(ctx, models.Arabic)
	require.NoError(t, err)
	assert.Equal(t, []string{"Aqeedah", "Fiqh"}, categories)

	categories, err = db.ListCategories(ctx, models.AfaanOromo)
	require.NoError(t, err)
	assert.Empty(t, categories)

	books, err := db.ListAvailableBooks(ctx, models.Arabic, "Fiqh")
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, 501, books[0].ID)
	assert.Equal(t, 502, books[1].ID)

	require.NoError(t, db.SetBookAvailable(ctx, 502, false))
	books, err = db.ListAvailableBooks(ctx, models.Arabic, "Fiqh")
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, 501, books[0].ID)

	// Unavailable books still count towards categories
	categories, err = db.ListCategories(ctx, models.Arabic)
	require.NoError(t, err)
	assert.Contains(t, categories, "Fiqh")
}

func testRemoveBook(t *testing.T, db storage.Storage) {
	ctx := context.Background()

	_, err := db.AddBook(ctx, 501, "Sample", models.Arabic, "Fiqh")
	require.NoError(t, err)

	removed, err := db.RemoveBook(ctx, 501, models.Arabic, "Tafsir")
	require.NoError(t, err)
	assert.Nil(t, removed, "category mismatch is not found")

	removed, err = db.RemoveBook(ctx, 501, models.Amharic, "Fiqh")
	require.NoError(t, err)
	assert.Nil(t, removed, "language mismatch is not found")

	removed, err = db.RemoveBook(ctx, 501, models.Arabic, "Fiqh")
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, "Sample", removed.Title)

	found, err := db.FindBook(ctx, 501)
	require.NoError(t, err)
	assert.Nil(t, found)

	removed, err = db.RemoveBook(ctx, 501, models.Arabic, "Fiqh")
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func testReservationRoundTrip(t *testing.T, db storage.Storage) {
	ctx := context.Background()

	_, err := db.CreateUser(ctx, 100, "Amina", "0911223344")
	require.NoError(t, err)
	_, err = db.AddBook(ctx, 501, "Sample", models.Arabic, "Fiqh")
	require.NoError(t, err)

	r, err := db.CreateReservation(ctx, 100, 501, "after isha salah")
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, 501, r.BookID)
	assert.Equal(t, int64(100), r.UserChatID)
	AssertInvariant(t, db, 501)

	book, err := db.FindBook(ctx, 501)
	require.NoError(t, err)
	assert.False(t, book.Available)

	list, err := db.ListUserReservations(ctx, 100)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Sample", list[0].BookTitle)
	assert.Equal(t, "Amina", list[0].UserName)
	assert.Equal(t, "after isha salah", list[0].PickupTime)

	all, err := db.ListReservations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	byBook, err := db.FindReservationByBook(ctx, 501)
	require.NoError(t, err)
	require.NotNil(t, byBook)
	assert.Equal(t, r.ID, byBook.ID)

	canceled, err := db.CancelReservationAt(ctx, 100, 1)
	require.NoError(t, err)
	assert.Equal(t, "Sample", canceled.BookTitle)
	AssertInvariant(t, db, 501)

	book, err = db.FindBook(ctx, 501)
	require.NoError(t, err)
	assert.True(t, book.Available)

	list, err = db.ListUserReservations(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testReserveUnavailable(t *testing.T, db storage.Storage) {
	ctx := context.Background()

	_, err := db.CreateUser(ctx, 100, "Amina", "0911223344")
	require.NoError(t, err)
	_, err = db.CreateUser(ctx, 200, "Bilal", "0922334455")
	require.NoError(t, err)
	_, err = db.AddBook(ctx, 501, "Sample", models.Arabic, "Fiqh")
	require.NoError(t, err)

	_, err = db.CreateReservation(ctx, 999, 777, "after isha salah")
	require.ErrorIs(t, err, storage.ErrBookNotFound)

	_, err = db.CreateReservation(ctx, 100, 501, "after isha salah")
	require.NoError(t, err)

	_, err = db.CreateReservation(ctx, 200, 501, "after isha salah")
	require.ErrorIs(t, err, storage.ErrBookUnavailable)

	all, err := db.ListReservations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(100), all[0].UserChatID)
	AssertInvariant(t, db, 501)
}

// Catalog IDs are whatever the librarian types, so they can exceed 32 bits
func testLargeBookID(t *testing.T, db storage.Storage) {
	ctx := context.Background()
	const id = 3000000000

	_, err := db.CreateUser(ctx, 100, "Amina", "0911223344")
	require.NoError(t, err)
	_, err = db.AddBook(ctx, id, "Large", models.Arabic, "Fiqh")
	require.NoError(t, err)

	_, err = db.CreateReservation(ctx, 100, id, "after isha salah")
	require.NoError(t, err)
	_, err = db.CreateReservation(ctx, 100, id, "after isha salah")
	require.ErrorIs(t, err, storage.ErrBookUnavailable)

	r, err := db.FindReservationByBook(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, id, r.BookID)
	AssertInvariant(t, db, id)

	_, err = db.CancelReservationForBook(ctx, id, storage.AnyOwner)
	require.NoError(t, err)
	removed, err := db.RemoveBook(ctx, id, models.Arabic, "Fiqh")
	require.NoError(t, err)
	require.NotNil(t, removed)
}

func testCreateReturnsStoredReservation(t *testing.T, db storage.Storage) {
	ctx := context.Background()

	_, err := db.CreateUser(ctx, 100, "Amina", "0911223344")
	require.NoError(t, err)
	_, err = db.AddBook(ctx, 501, "Sample", models.Arabic, "Fiqh")
	require.NoError(t, err)

	created, err := db.CreateReservation(ctx, 100, 501, "after isha salah")
	require.NoError(t, err)
	require.NotNil(t, created)

	stored, err := db.FindReservationByBook(ctx, 501)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, stored.ID, created.ID)
	assert.Equal(t, int64(100), created.UserChatID)
	assert.Equal(t, 501, created.BookID)
	assert.Equal(t, "after isha salah", created.PickupTime)
	assert.Equal(t, "Amina", created.UserName)
	assert.Equal(t, "Sample", created.BookTitle)
	assert.False(t, created.CreatedAt.IsZero())
}

func testCancelByPosition(t *testing.T, db storage.Storage) {
	ctx := context.Background()

	_, err := db.CreateUser(ctx, 100, "Amina", "0911223344")
	require.NoError(t, err)
	_, err = db.CreateUser(ctx, 200, "Bilal", "0922334455")
	require.NoError(t, err)
	for _, id := range []int{501, 502, 503, 504} {
		_, err = db.AddBook(ctx, id, "Book", models.Arabic, "Fiqh")
		require.NoError(t, err)
	}

	// Interleave users to check per-user numbering
	for _, step := range []struct {
		user int64
		book int
	}{{100, 503}, {200, 504}, {100, 501}, {100, 502}} {
		_, err = db.CreateReservation(ctx, step.user, step.book, "after isha salah")
		require.NoError(t, err)
	}

	list, err := db.ListUserReservations(ctx, 100)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{503, 501, 502}, bookIDs(list))

	for _, position := range []int{0, -1, 4, 99} {
		_, err = db.CancelReservationAt(ctx, 100, position)
		require.ErrorIs(t, err, storage.ErrInvalidReservationIndex, "position %d", position)
	}
	list, err = db.ListUserReservations(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, list, 3, "failed cancels leave the ledger unchanged")

	canceled, err := db.CancelReservationAt(ctx, 100, 2)
	require.NoError(t, err)
	assert.Equal(t, 501, canceled.BookID)

	list, err = db.ListUserReservations(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []int{503, 502}, bookIDs(list))

	other, err := db.ListUserReservations(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, []int{504}, bookIDs(other))

	AssertInvariant(t, db, 501, 502, 503, 504)
}

func testCancelForBook(t *testing.T, db storage.Storage) {
	ctx := context.Background()

	_, err := db.CreateUser(ctx, 100, "Amina", "0911223344")
	require.NoError(t, err)
	_, err = db.AddBook(ctx, 501, "Sample", models.Arabic, "Fiqh")
	require.NoError(t, err)

	_, err = db.CancelReservationForBook(ctx, 501, storage.AnyOwner)
	require.ErrorIs(t, err, storage.ErrReservationNotFound)

	_, err = db.CreateReservation(ctx, 100, 501, "tomorrow")
	require.NoError(t, err)

	_, err = db.CancelReservationForBook(ctx, 501, 200)
	require.ErrorIs(t, err, storage.ErrNotOwner)
	AssertInvariant(t, db, 501)

	canceled, err := db.CancelReservationForBook(ctx, 501, storage.AnyOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(100), canceled.UserChatID)
	assert.Equal(t, "Amina", canceled.UserName)
	assert.Equal(t, "tomorrow", canceled.PickupTime)
	AssertInvariant(t, db, 501)

	_, err = db.CreateReservation(ctx, 100, 501, "tomorrow")
	require.NoError(t, err)
	_, err = db.CancelReservationForBook(ctx, 501, 100)
	require.NoError(t, err)
	AssertInvariant(t, db, 501)
}

func testConcurrentReserve(t *testing.T, db storage.Storage) {
	ctx := context.Background()

	const racers = 8
	for i := 1; i <= racers; i++ {
		_, err := db.CreateUser(ctx, int64(i), "User", "09000000"+string(rune('0'+i))+"0")
		require.NoError(t, err)
	}
	_, err := db.AddBook(ctx, 501, "Sample", models.Arabic, "Fiqh")
	require.NoError(t, err)

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		successes   int
		unavailable int
		others      []error
	)
	start := make(chan struct{})
	for i := 1; i <= racers; i++ {
		wg.Add(1)
		go func(chatID int64) {
			defer wg.Done()
			<-start
			_, err := db.CreateReservation(ctx, chatID, 501, "after isha salah")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrBookUnavailable):
				unavailable++
			default:
				others = append(others, err)
			}
		}(int64(i))
	}
	close(start)
	wg.Wait()

	require.Empty(t, others)
	assert.Equal(t, 1, successes)
	assert.Equal(t, racers-1, unavailable)

	all, err := db.ListReservations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	AssertInvariant(t, db, 501)
}

// AssertInvariant checks that each book is unavailable iff exactly one reservation references it
func AssertInvariant(t *testing.T, db storage.Storage, ids ...int) {
	t.Helper()
	ctx := context.Background()

	all, err := db.ListReservations(ctx)
	require.NoError(t, err)
	refs := make(map[int]int)
	for _, r := range all {
		refs[r.BookID]++
	}

	for _, id := range ids {
		book, err := db.FindBook(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, book, "book %d", id)
		assert.LessOrEqual(t, refs[id], 1, "book %d has more than one reservation", id)
		assert.Equal(t, refs[id] == 0, book.Available, "book %d availability", id)
	}
}

func bookIDs(list []models.Reservation) []int {
	ids := make([]int, 0, len(list))
	for _, r := range list {
		ids = append(ids, r.BookID)
	}
	return ids
}
