package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"librarybot/internal/storage/jsonfile"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrate_SQLiteLifecycle(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "data", "library.db"))

	out, err := run(t, "up")
	require.NoError(t, err)
	assert.Contains(t, out, "1 applied")

	out, err = run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Current migration version: 1")

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "00001_init.sql")
	assert.NotContains(t, out, "Pending")

	out, err = run(t, "down")
	require.NoError(t, err)
	assert.Contains(t, out, "Rolled back")

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Pending")
}

func TestMigrate_UnknownDialect(t *testing.T) {
	_, err := run(t, "--dialect", "oracle", "up")
	assert.ErrorContains(t, err, "unknown dialect")
}

func TestMigrate_Create(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, "--dialect", "sqlite", "create", "add_authors", "--dir", dir)
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "*_add_authors.sql"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestMigrate_Seed(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STORAGE_BACKEND", "jsonfile")
	t.Setenv("DATA_DIR", dir)

	catalog := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte(`books:
  - id: 501
    title: Sample Title
    language: Arabic
    category: Fiqh
`), 0o644))

	out, err := run(t, "seed", catalog)
	require.NoError(t, err)
	assert.Contains(t, out, "1 added, 0 already present")

	store, err := jsonfile.New(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	book, err := store.FindBook(context.Background(), 501)
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, "Sample Title", book.Title)
}
