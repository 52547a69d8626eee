// Package seed loads a starting catalog from a YAML file.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"librarybot/internal/models"
	"librarybot/internal/storage"
)

// File is the seed document:
//
//	books:
//	  - id: 501
//	    title: Sample Title
//	    language: Arabic
//	    category: Fiqh
type File struct {
	Books []Book `yaml:"books"`
}

type Book struct {
	ID       int    `yaml:"id"`
	Title    string `yaml:"title"`
	Language string `yaml:"language"`
	Category string `yaml:"category"`
}

// Result counts what a seed run did
type Result struct {
	Added   int
	Skipped int
}

// Parse decodes and validates a seed document
func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}

	seen := make(map[int]bool, len(f.Books))
	for i, b := range f.Books {
		if b.ID <= 0 {
			return nil, fmt.Errorf("book #%d: id must be positive", i+1)
		}
		if b.Title == "" || b.Category == "" {
			return nil, fmt.Errorf("book %d: title and category are required", b.ID)
		}
		if _, ok := models.ParseLanguage(b.Language); !ok {
			return nil, fmt.Errorf("book %d: unknown language %q", b.ID, b.Language)
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("book %d: duplicate id", b.ID)
		}
		seen[b.ID] = true
	}
	return &f, nil
}

// Apply adds every book whose ID is not yet in the catalog
func Apply(ctx context.Context, catalog storage.Catalog, f *File, logger *zap.Logger) (Result, error) {
	var res Result
	for _, b := range f.Books {
		lang, _ := models.ParseLanguage(b.Language)
		_, err := catalog.AddBook(ctx, b.ID, b.Title, lang, b.Category)
		if errors.Is(err, storage.ErrDuplicateBookID) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("add book %d: %w", b.ID, err)
		}
		res.Added++
	}

	logger.Info("Catalog seeded", zap.Int("added", res.Added), zap.Int("skipped", res.Skipped))
	return res, nil
}

// LoadFile parses path and applies it
func LoadFile(ctx context.Context, catalog storage.Catalog, path string, logger *zap.Logger) (Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open seed file: %w", err)
	}
	defer file.Close()

	f, err := Parse(file)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", path, err)
	}
	return Apply(ctx, catalog, f, logger)
}
