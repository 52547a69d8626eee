package stubs

import (
	"context"
	"testing"

	"librarybot/internal/models"
	"librarybot/internal/storage"
	"librarybot/internal/storage/storagetest"
)

func TestMockDB_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		db := NewMockDB()
		if err := db.Initialize(context.Background()); err != nil {
			t.Fatalf("Failed to initialize database: %v", err)
		}
		return db
	})
}

func TestMockDB_ReservationSnapshotIsDetached(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()

	if _, err := db.CreateUser(ctx, 1, "Amina", "0911"); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if _, err := db.AddBook(ctx, 501, "Sample", models.Arabic, "Fiqh"); err != nil {
		t.Fatalf("Failed to add book: %v", err)
	}
	if _, err := db.CreateReservation(ctx, 1, 501, "after isha salah"); err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}

	list, err := db.ListUserReservations(ctx, 1)
	if err != nil {
		t.Fatalf("Failed to list reservations: %v", err)
	}
	list[0].PickupTime = "mutated"

	again, err := db.ListUserReservations(ctx, 1)
	if err != nil {
		t.Fatalf("Failed to list reservations: %v", err)
	}
	if again[0].PickupTime != "after isha salah" {
		t.Errorf("Expected stored reservation to be unaffected, got %q", again[0].PickupTime)
	}
}

func TestMockDB_SetBookAvailableUnknownBook(t *testing.T) {
	db := NewMockDB()

	err := db.SetBookAvailable(context.Background(), 42, true)
	if err != storage.ErrBookNotFound {
		t.Errorf("Expected ErrBookNotFound, got %v", err)
	}
}
