package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"librarybot/internal/models"
	"librarybot/internal/storage"
	"librarybot/internal/storage/storagetest"
)

func newStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return newStore(t, t.TempDir())
	})
}

func TestStore_ReloadsSnapshot(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newStore(t, dir)
	_, err := s.CreateUser(ctx, 100, "Amina", "0911223344")
	require.NoError(t, err)
	require.NoError(t, s.SetUserLanguage(ctx, 100, models.Arabic))
	_, err = s.AddBook(ctx, 501, "Sample", models.Arabic, "Fiqh")
	require.NoError(t, err)
	_, err = s.AddBook(ctx, 502, "Second", models.Arabic, "Fiqh")
	require.NoError(t, err)
	_, err = s.CreateReservation(ctx, 100, 502, "after isha salah")
	require.NoError(t, err)
	_, err = s.CreateReservation(ctx, 100, 501, "after isha salah")
	require.NoError(t, err)

	reloaded := newStore(t, dir)

	u, err := reloaded.FindUserByChatID(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, models.Arabic, u.PreferredLanguage)

	list, err := reloaded.ListUserReservations(ctx, 100)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 502, list[0].BookID, "creation order survives a reload")
	assert.Equal(t, 501, list[1].BookID)
	assert.Equal(t, "Amina", list[0].UserName)

	book, err := reloaded.FindBook(ctx, 501)
	require.NoError(t, err)
	assert.False(t, book.Available)
}

func TestStore_FailedSaveRollsBack(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newStore(t, dir)
	_, err := s.AddBook(ctx, 501, "Sample", models.Arabic, "Fiqh")
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, 100, "Amina", "0911223344")
	require.NoError(t, err)

	// A directory where the temp file should go makes the next save fail
	require.NoError(t, os.Mkdir(filepath.Join(dir, fileName+".tmp"), 0o755))

	_, err = s.CreateReservation(ctx, 100, 501, "after isha salah")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrBookUnavailable)

	book, err := s.FindBook(ctx, 501)
	require.NoError(t, err)
	assert.True(t, book.Available, "availability must not change when the reservation is not persisted")

	list, err := s.ListReservations(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), nil, 0o644))

	s := newStore(t, dir)
	books, err := s.ListAvailableBooks(context.Background(), models.Arabic, "Fiqh")
	require.NoError(t, err)
	assert.Empty(t, books)
}
