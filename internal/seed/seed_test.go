package seed

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"librarybot/internal/models"
	"librarybot/internal/storage/stubs"
)

func TestLoadFile(t *testing.T) {
	db := stubs.NewMockDB()
	ctx := context.Background()

	_, err := db.AddBook(ctx, 501, "Already here", models.Arabic, "Fiqh")
	require.NoError(t, err)

	res, err := LoadFile(ctx, db, "testdata/catalog.yaml", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Result{Added: 2, Skipped: 1}, res)

	book, err := db.FindBook(ctx, 501)
	require.NoError(t, err)
	assert.Equal(t, "Already here", book.Title, "existing books are left alone")

	book, err = db.FindBook(ctx, 503)
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, models.AfaanOromo, book.Language)
	assert.True(t, book.Available)

	// running twice adds nothing
	res, err = LoadFile(ctx, db, "testdata/catalog.yaml", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 3}, res)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"zero id", "books:\n  - {id: 0, title: A, language: Arabic, category: Fiqh}\n", "id must be positive"},
		{"no title", "books:\n  - {id: 1, language: Arabic, category: Fiqh}\n", "title and category"},
		{"bad language", "books:\n  - {id: 1, title: A, language: Latin, category: Fiqh}\n", "unknown language"},
		{"duplicate", "books:\n  - {id: 1, title: A, language: Arabic, category: Fiqh}\n  - {id: 1, title: B, language: Arabic, category: Fiqh}\n", "duplicate id"},
		{"unknown field", "books:\n  - {id: 1, title: A, language: Arabic, category: Fiqh, author: X}\n", "author"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	f, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, f.Books)
}
