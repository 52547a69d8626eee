package ch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clickhouseTC "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"librarybot/internal/models"
	"librarybot/internal/storage"
	"librarybot/internal/storage/storagetest"
	"librarybot/migrations"
)

// runMigrations applies the Up section of the embedded migration by hand
// (goose doesn't work well with ClickHouse)
func runMigrations(ctx context.Context, db *ClickHouseDB) error {
	data, err := migrations.FS.ReadFile("clickhouse/00001_init.sql")
	if err != nil {
		return err
	}
	up, _, _ := strings.Cut(string(data), "-- +goose Down")
	up = strings.ReplaceAll(up, "-- +goose Up", "")

	for _, stmt := range strings.Split(up, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := db.conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// setupTestDB creates a test ClickHouse instance using testcontainers
func setupTestDB(t *testing.T) (*ClickHouseDB, func()) {
	ctx := context.Background()

	// Start ClickHouse container
	clickhouseContainer, err := clickhouseTC.Run(ctx,
		"clickhouse/clickhouse-server:24.3.3.102-alpine",
		clickhouseTC.WithUsername("default"),
		clickhouseTC.WithPassword(""),
		clickhouseTC.WithDatabase("default"),
	)
	require.NoError(t, err, "Failed to start ClickHouse container")

	host, err := clickhouseContainer.Host(ctx)
	require.NoError(t, err)

	port, err := clickhouseContainer.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)

	db, err := NewClickHouseDB(host, port.Int(), "default", "default", "", false)
	require.NoError(t, err, "Failed to connect to ClickHouse")

	err = runMigrations(ctx, db)
	require.NoError(t, err, "Failed to run migrations")

	cleanup := func() {
		db.Close()
		clickhouseContainer.Terminate(ctx)
	}

	return db, cleanup
}

func truncate(t *testing.T, db *ClickHouseDB) {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{"reservations", "books", "users"} {
		require.NoError(t, db.conn.Exec(ctx, "TRUNCATE TABLE "+table))
	}
}

func TestClickHouseDB_Conformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storagetest.Run(t, func(t *testing.T) storage.Storage {
		truncate(t, db)
		return db
	})
}

func TestClickHouseDB_CancelLeavesOtherBooksAlone(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	_, err := db.CreateUser(ctx, 100, "Amina", "0911223344")
	require.NoError(t, err)
	_, err = db.AddBook(ctx, 501, "Sample", models.Arabic, "Fiqh")
	require.NoError(t, err)
	_, err = db.AddBook(ctx, 502, "Second", models.Arabic, "Fiqh")
	require.NoError(t, err)

	_, err = db.CreateReservation(ctx, 100, 501, "after isha salah")
	require.NoError(t, err)
	_, err = db.CreateReservation(ctx, 100, 502, "after isha salah")
	require.NoError(t, err)

	canceled, err := db.CancelReservationForBook(ctx, 501, 100)
	require.NoError(t, err)
	assert.Equal(t, "Sample", canceled.BookTitle)

	second, err := db.FindBook(ctx, 502)
	require.NoError(t, err)
	assert.False(t, second.Available)

	list, err := db.ListUserReservations(ctx, 100)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 502, list[0].BookID)
}

func TestClickHouseDB_CancelRestoresReservationWhenReleaseFails(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	_, err := db.CreateUser(ctx, 100, "Amina", "0911223344")
	require.NoError(t, err)
	_, err = db.AddBook(ctx, 501, "Sample", models.Arabic, "Fiqh")
	require.NoError(t, err)
	_, err = db.AddBook(ctx, 502, "Second", models.Arabic, "Fiqh")
	require.NoError(t, err)
	_, err = db.CreateReservation(ctx, 100, 501, "after isha salah")
	require.NoError(t, err)
	_, err = db.CreateReservation(ctx, 100, 502, "after isha salah")
	require.NoError(t, err)

	releaseErr := errors.New("books table unavailable")
	db.release = func(ctx context.Context, bookID int) error { return releaseErr }

	_, err = db.CancelReservationForBook(ctx, 501, storage.AnyOwner)
	require.ErrorIs(t, err, releaseErr)
	_, err = db.CancelReservationAt(ctx, 100, 2)
	require.ErrorIs(t, err, releaseErr)

	db.release = db.releaseBook
	storagetest.AssertInvariant(t, db, 501, 502)

	list, err := db.ListUserReservations(ctx, 100)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 501, list[0].BookID, "restored reservation keeps its position")
	assert.Equal(t, 502, list[1].BookID)
	assert.Equal(t, "Amina", list[0].UserName)

	_, err = db.CancelReservationForBook(ctx, 501, storage.AnyOwner)
	require.NoError(t, err)
	storagetest.AssertInvariant(t, db, 501, 502)
}
