package workflow

import (
	"fmt"
	"strings"

	"librarybot/internal/command"
	"librarybot/internal/models"
	"librarybot/internal/notify"
)

const (
	msgWelcome = `🎉 Welcome to the Library Booking Bot! 📚

Please register to get started by typing /register. ✍️

For a list of all commands and guidance, type /help. ❓`

	msgAskName          = "📝 Please enter your full name:"
	msgAskPhone         = "📞 Please enter your phone number:"
	msgInvalidPhone     = "❌ Invalid phone number format. Please enter your phone number again:"
	msgEmptyName        = "❌ The name cannot be empty. Please enter your full name:"
	msgPhoneTaken       = "🚫 This phone number is already registered to another account. Please contact the librarian if this is your number."
	msgRegistrationStop = "Registration cancelled. Type /register to start again."
	msgNothingToCancel  = "There is nothing to cancel."
	msgAskLanguage      = "🌐 Please select a language:"
	msgRegisterFirst    = "🚫 You need to register first using /register."
	msgNoPermission     = "🚫 You do not have permission to use this command."
	msgUnknownCommand   = "Unknown command. Use /help to see available commands."
	msgNotUnderstood    = "I did not understand that. Use /help to see available commands."
	msgInvalidIndex     = "❌ Invalid reservation number. Please check your reservations and try again."
	msgNoReservations   = "📭 You currently have no reservations."
	msgNoneAtAll        = "📅 There are no reservations."
	msgUserNotFound     = "👤 User not found. Registration is required before reserving a book."
	msgNoBookWithID     = "❌ No book found with the given ID. Please check and try again."
	msgNoReservationFor = "❌ No reservation found for the given book ID. Please check and try again."
	msgTryAgainLater    = "⚠️ Something went wrong while processing your request. Please try again later."
)

const helpText = `🤖 Library Bot Help

Here are the commands you can use:

/register - Register yourself to start using the library services.
/change_language - Change your preferred language.
/reserve <ID> - Reserve an available book.
/my_reservations - View your current reservations.
/cancel_reservation <number> - Cancel a specific reservation by its number.
/cancel - Stop an unfinished registration.`

const librarianHelpText = `

Librarian commands:

/add_books <id> <language> "<category>" "<title>"; ... - Add one or more books.
/remove_book <language> <category> <id> - Remove a book from the library.
/view_reservations - List all open reservations.
/librarian_add_reservation <userName|phone> <book_id> [pickup_time] - Reserve a book for a user.
/librarian_cancel_reservation <book_id> - Cancel the reservation of a book.
/librarian_cancel_reservation <number> <userName> - Cancel a user's reservation by its number.`

func languageChoices() []notify.Choice {
	choices := make([]notify.Choice, 0, len(models.Languages))
	for _, lang := range models.Languages {
		choices = append(choices, notify.Choice{Label: string(lang), Data: command.LanguagePrefix + string(lang)})
	}
	return choices
}

func categoryChoices(categories []string) []notify.Choice {
	choices := make([]notify.Choice, 0, len(categories))
	for _, c := range categories {
		choices = append(choices, notify.Choice{Label: c, Data: command.CategoryPrefix + c})
	}
	return choices
}

func formatBooks(category string, books []models.Book) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📖 Available books in \"%s\":\n\n", category)
	for _, book := range books {
		fmt.Fprintf(&b, "🔖 ID: %d - \"%s\"\n", book.ID, book.Title)
	}
	b.WriteString("\nTo reserve a book, type /reserve <ID>.")
	return b.String()
}

func formatUserReservations(list []models.Reservation) string {
	var b strings.Builder
	b.WriteString("📖 Your Reservations:\n")
	for i, r := range list {
		fmt.Fprintf(&b, "📝 Reservation #%d: %s (Pickup: %s)\n", i+1, r.BookTitle, r.PickupTime)
	}
	b.WriteString("\nTo cancel a reservation, use /cancel_reservation <number>.")
	return b.String()
}

func formatAllReservations(list []models.Reservation) string {
	var b strings.Builder
	b.WriteString("📚 Current Reservations:\n")
	for _, r := range list {
		fmt.Fprintf(&b, "\n🔖 Book ID: %d - User: %s - Book: \"%s\" - Pickup Time: %s", r.BookID, r.UserName, r.BookTitle, r.PickupTime)
	}
	return b.String()
}
