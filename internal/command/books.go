package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// BookEntry is one `<id> <language> "<category>" "<title>"` entry of /add_books.
// Err is set when the entry does not match; the other fields are then empty.
type BookEntry struct {
	Raw      string
	ID       int
	Language string
	Category string
	Title    string
	Err      error
}

var bookEntry = regexp.MustCompile(`^(\d+)\s+(.+?)\s+"([^"]+)"\s+"(.+)"$`)

// ParseBookEntries splits raw on ';' and parses each entry independently.
// Blank entries (for example after a trailing ';') are skipped.
func ParseBookEntries(raw string) []BookEntry {
	var entries []BookEntry
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entries = append(entries, parseBookEntry(part))
	}
	return entries
}

func parseBookEntry(s string) BookEntry {
	m := bookEntry.FindStringSubmatch(s)
	if m == nil {
		return BookEntry{Raw: s, Err: fmt.Errorf("invalid format for entry %q", s)}
	}
	id, err := strconv.Atoi(m[1])
	if err != nil || id <= 0 {
		return BookEntry{Raw: s, Err: fmt.Errorf("invalid book id %q", m[1])}
	}
	category := strings.TrimSpace(m[3])
	title := strings.TrimSpace(m[4])
	if category == "" || title == "" {
		return BookEntry{Raw: s, Err: fmt.Errorf("invalid format for entry %q", s)}
	}
	return BookEntry{
		Raw:      s,
		ID:       id,
		Language: strings.TrimSpace(m[2]),
		Category: category,
		Title:    title,
	}
}
