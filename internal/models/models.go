package models

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Language is one of the fixed catalog languages
type Language string

const (
	Arabic     Language = "Arabic"
	Amharic    Language = "Amharic"
	AfaanOromo Language = "AfaanOromo"
)

// Languages lists the supported languages in display order
var Languages = []Language{Arabic, Amharic, AfaanOromo}

// ParseLanguage matches a user-typed token against the supported languages.
// Matching ignores case and inner spaces, so "afaan oromo" resolves to AfaanOromo.
func ParseLanguage(token string) (Language, bool) {
	fold := cases.Fold() // a Caser is stateful, not shareable between goroutines
	key := fold.String(strings.Join(strings.Fields(token), ""))
	if key == "" {
		return "", false
	}
	for _, lang := range Languages {
		if fold.String(string(lang)) == key {
			return lang, true
		}
	}
	return "", false
}

// User is a registered library patron
type User struct {
	ChatID            int64
	Name              string
	Phone             string
	PreferredLanguage Language
	CreatedAt         time.Time
}

// Book is a catalog entry identified by a librarian-assigned ID
type Book struct {
	ID        int
	Title     string
	Language  Language
	Category  string
	Available bool
}

// Reservation links a user to a book.
// UserName and BookTitle are filled in by list/find operations for display.
type Reservation struct {
	ID         string
	UserChatID int64
	BookID     int
	PickupTime string
	CreatedAt  time.Time

	UserName  string
	BookTitle string
}
