// Package command turns inbound chat text and button payloads into typed
// commands. Parsing happens once here; the workflow engine switches on the
// resulting type.
package command

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Command is one parsed inbound event
type Command interface {
	command()
}

type (
	Start          struct{}
	Register       struct{}
	Help           struct{}
	ChangeLanguage struct{}
	// Cancel aborts a multi-step conversation
	Cancel         struct{}
	MyReservations struct{}

	Reserve struct {
		BookID int
	}
	CancelReservation struct {
		Position int
	}

	// Librarian commands
	AddBooks struct {
		Raw string
	}
	RemoveBook struct {
		Language string
		Category string
		BookID   int
	}
	ViewReservations        struct{}
	LibrarianAddReservation struct {
		User       string
		BookID     int
		PickupTime string
	}
	// LibrarianCancelReservation with an empty User cancels by catalog ID (Number).
	// With a User, Number is that user's 1-based reservation position.
	LibrarianCancelReservation struct {
		Number int
		User   string
	}

	Unknown struct {
		Name string
	}
	Malformed struct {
		Name  string
		Usage string
	}
	// Text is free text that is not a command
	Text struct {
		Body string
	}
	SelectLanguage struct {
		Token string
	}
	SelectCategory struct {
		Category string
	}
)

func (Start) command()                      {}
func (Register) command()                   {}
func (Help) command()                       {}
func (ChangeLanguage) command()             {}
func (Cancel) command()                     {}
func (MyReservations) command()             {}
func (Reserve) command()                    {}
func (CancelReservation) command()          {}
func (AddBooks) command()                   {}
func (RemoveBook) command()                 {}
func (ViewReservations) command()           {}
func (LibrarianAddReservation) command()    {}
func (LibrarianCancelReservation) command() {}
func (Unknown) command()                    {}
func (Malformed) command()                  {}
func (Text) command()                       {}
func (SelectLanguage) command()             {}
func (SelectCategory) command()             {}

// Usage strings shown when arguments do not parse
const (
	UsageReserve                    = "/reserve <ID>"
	UsageCancelReservation          = "/cancel_reservation <number>"
	UsageAddBooks                   = `/add_books <id> <language> "<category>" "<title>"; ...`
	UsageRemoveBook                 = "/remove_book <language> <category> <id>"
	UsageLibrarianAddReservation    = "/librarian_add_reservation <userName|phone> <book_id> [pickup_time]"
	UsageLibrarianCancelReservation = "/librarian_cancel_reservation <book_id> | <number> <userName>"
)

// Callback payload prefixes
const (
	LanguagePrefix = "lang:"
	CategoryPrefix = "cat:"
)

var (
	numberArg          = regexp.MustCompile(`^(\d+)$`)
	removeBookArgs     = regexp.MustCompile(`^(\S+)\s+(?:"([^"]+)"|(\S+))\s+(\d+)$`)
	addReservationArgs = regexp.MustCompile(`^(\S+)\s+(\d+)(?:\s+(.*))?$`)
	cancelByLibrarian  = regexp.MustCompile(`^(\d+)(?:\s+(.+))?$`)
)

// Parse parses a message text
func Parse(text string) Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Text{Body: text}
	}

	name, args := text[1:], ""
	if i := strings.IndexFunc(name, unicode.IsSpace); i >= 0 {
		name, args = name[:i], strings.TrimSpace(name[i:])
	}
	// Group chats address commands as /command@BotName
	name, _, _ = strings.Cut(name, "@")
	name = strings.ToLower(name)

	switch name {
	case "start":
		return Start{}
	case "register":
		return Register{}
	case "help":
		return Help{}
	case "change_language":
		return ChangeLanguage{}
	case "cancel":
		return Cancel{}
	case "my_reservations":
		return MyReservations{}
	case "view_reservations":
		return ViewReservations{}

	case "reserve":
		id, ok := number(args)
		if !ok {
			return Malformed{Name: name, Usage: UsageReserve}
		}
		return Reserve{BookID: id}

	case "cancel_reservation":
		n, ok := number(args)
		if !ok {
			return Malformed{Name: name, Usage: UsageCancelReservation}
		}
		return CancelReservation{Position: n}

	case "add_books":
		if args == "" {
			return Malformed{Name: name, Usage: UsageAddBooks}
		}
		return AddBooks{Raw: args}

	case "remove_book":
		m := removeBookArgs.FindStringSubmatch(args)
		if m == nil {
			return Malformed{Name: name, Usage: UsageRemoveBook}
		}
		category := m[2]
		if category == "" {
			category = m[3]
		}
		id, ok := number(m[4])
		if !ok {
			return Malformed{Name: name, Usage: UsageRemoveBook}
		}
		return RemoveBook{Language: m[1], Category: category, BookID: id}

	case "librarian_add_reservation":
		m := addReservationArgs.FindStringSubmatch(args)
		if m == nil {
			return Malformed{Name: name, Usage: UsageLibrarianAddReservation}
		}
		id, ok := number(m[2])
		if !ok {
			return Malformed{Name: name, Usage: UsageLibrarianAddReservation}
		}
		return LibrarianAddReservation{User: m[1], BookID: id, PickupTime: strings.TrimSpace(m[3])}

	case "librarian_cancel_reservation":
		m := cancelByLibrarian.FindStringSubmatch(args)
		if m == nil {
			return Malformed{Name: name, Usage: UsageLibrarianCancelReservation}
		}
		n, ok := number(m[1])
		if !ok {
			return Malformed{Name: name, Usage: UsageLibrarianCancelReservation}
		}
		return LibrarianCancelReservation{Number: n, User: strings.TrimSpace(m[2])}
	}

	return Unknown{Name: name}
}

// ParseCallback parses an inline button payload
func ParseCallback(data string) Command {
	switch {
	case strings.HasPrefix(data, LanguagePrefix):
		return SelectLanguage{Token: strings.TrimPrefix(data, LanguagePrefix)}
	case strings.HasPrefix(data, CategoryPrefix):
		return SelectCategory{Category: strings.TrimPrefix(data, CategoryPrefix)}
	}
	return Unknown{Name: data}
}

// number parses a non-negative decimal that fits in an int
func number(s string) (int, bool) {
	if !numberArg.MatchString(s) {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
