package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"librarybot/internal/command"
	"librarybot/internal/models"
	"librarybot/internal/notify"
	"librarybot/internal/session"
	"librarybot/internal/storage"
	"librarybot/internal/storage/stubs"
)

const librarianID = int64(999)

// recorder captures everything sent through the relay
type recorder struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recorder) Send(ctx context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) textsTo(chatID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.sent {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

type harness struct {
	engine *Engine
	db     *stubs.MockDB
	sent   *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, stubs.NewMockDB())
}

func newHarnessWithStore(t *testing.T, store storage.Storage) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{sent: rec}
	if db, ok := store.(*stubs.MockDB); ok {
		h.db = db
	}
	h.engine = NewEngine(
		store,
		session.NewMemoryStore(time.Minute, zap.NewNop()),
		notify.NewRelay(rec, zap.NewNop()),
		nil,
		Config{LibrarianChatID: librarianID},
		zap.NewNop(),
	)
	return h
}

func (h *harness) send(chatID int64, text string) []string {
	return texts(h.engine.Handle(context.Background(), chatID, command.Parse(text)))
}

func (h *harness) tap(chatID int64, data string) []notify.Message {
	return h.engine.Handle(context.Background(), chatID, command.ParseCallback(data))
}

func (h *harness) register(t *testing.T, chatID int64, name, phone string) {
	t.Helper()
	require.Equal(t, []string{msgAskName}, h.send(chatID, "/register"))
	require.Equal(t, []string{msgAskPhone}, h.send(chatID, name))
	replies := h.send(chatID, phone)
	require.NotEmpty(t, replies)
	require.Equal(t, "✓ Registration successful! Welcome, "+name+"! 🎉", replies[0])
}

func texts(msgs []notify.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestAddBooksThenReserve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, 100, "Amina", "0911223344")

	assert.Equal(t,
		[]string{`✅ Book "Sample Title" added successfully.`},
		h.send(librarianID, `/add_books 501 Arabic "Fiqh" "Sample Title"`))

	assert.Equal(t,
		[]string{`✅ Successfully reserved: "Sample Title". Pickup time: after isha salah.`},
		h.send(100, "/reserve 501"))

	list, err := h.db.ListReservations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 501, list[0].BookID)
	assert.Equal(t, int64(100), list[0].UserChatID)

	book, err := h.db.FindBook(ctx, 501)
	require.NoError(t, err)
	assert.False(t, book.Available)

	notes := h.sent.textsTo(librarianID)
	require.Len(t, notes, 2, "registration and reservation notices")
	assert.Contains(t, notes[1], "Amina")
	assert.Contains(t, notes[1], "Sample Title")
}

func TestReserveRequiresRegistration(t *testing.T) {
	h := newHarness(t)
	h.send(librarianID, `/add_books 501 Arabic "Fiqh" "Sample Title"`)

	assert.Equal(t, []string{msgRegisterFirst}, h.send(100, "/reserve 501"))

	list, err := h.db.ListReservations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRegisterTwice(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "Amina", "0911223344")

	replies := h.send(100, "/register")
	require.NotEmpty(t, replies)
	assert.Equal(t, "🚫 You are already registered as Amina.", replies[0])

	assert.Len(t, h.db.Snapshot().Users, 1)
}

func TestRegisterWithPhoneOfAnotherChat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, 100, "Amina", "0911223344")

	h.send(200, "/register")
	h.send(200, "Bilal")
	assert.Equal(t, []string{msgPhoneTaken}, h.send(200, "091-122-3344"))

	u, err := h.db.FindUserByChatID(ctx, 200)
	require.NoError(t, err)
	assert.Nil(t, u)
	assert.Len(t, h.db.Snapshot().Users, 1)

	// registration is over, plain text is no longer read as a phone number
	assert.Equal(t, []string{msgNotUnderstood}, h.send(200, "0911223344"))
}

func TestRegistrationNormalizesPhone(t *testing.T) {
	h := newHarness(t)
	h.send(100, "/register")
	h.send(100, "Amina")

	assert.Equal(t, []string{msgInvalidPhone}, h.send(100, "call me"))

	replies := h.send(100, "+251 (91) 122-3344")
	require.NotEmpty(t, replies)
	assert.Equal(t, "✓ Registration successful! Welcome, Amina! 🎉", replies[0])

	u, err := h.db.FindUserByChatID(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "251911223344", u.Phone)
	assert.Equal(t, []string{"🆕 New registration: Amina, Phone: 251911223344"}, h.sent.textsTo(librarianID))
}

func TestRegistrationEmptyName(t *testing.T) {
	h := newHarness(t)
	h.send(100, "/register")
	assert.Equal(t, []string{msgEmptyName}, h.send(100, "   "))
	assert.Equal(t, []string{msgAskPhone}, h.send(100, "Amina"))
}

func TestRegistrationInterruptedByCommand(t *testing.T) {
	h := newHarness(t)
	h.send(100, "/register")
	h.send(100, "Amina")

	assert.Equal(t, []string{helpText}, h.send(100, "/help"))
	assert.Equal(t, []string{msgNotUnderstood}, h.send(100, "0911223344"))

	u, err := h.db.FindUserByChatID(context.Background(), 100)
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestCancelRegistration(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{msgNothingToCancel}, h.send(100, "/cancel"))

	h.send(100, "/register")
	assert.Equal(t, []string{msgRegistrationStop}, h.send(100, "/cancel"))
	assert.Equal(t, []string{msgNothingToCancel}, h.send(100, "/cancel"))
}

func TestCancelReservationByPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, 100, "Amina", "0911223344")
	h.send(librarianID, `/add_books 501 Arabic "Fiqh" "Sample"; 502 Arabic "Fiqh" "Second"`)

	h.send(100, "/reserve 501")
	h.send(100, "/reserve 502")

	assert.Equal(t, []string{msgInvalidIndex}, h.send(100, "/cancel_reservation 3"))
	assert.Equal(t, []string{msgInvalidIndex}, h.send(100, "/cancel_reservation 0"))

	list, err := h.db.ListUserReservations(ctx, 100)
	require.NoError(t, err)
	require.Len(t, list, 2, "ledger unchanged after an invalid index")

	assert.Equal(t,
		[]string{`✅ You have successfully canceled the reservation for "Second".`},
		h.send(100, "/cancel_reservation 2"))

	book, err := h.db.FindBook(ctx, 502)
	require.NoError(t, err)
	assert.True(t, book.Available)

	notes := h.sent.textsTo(librarianID)
	assert.Equal(t, `📩 Amina canceled reservation #2 for "Second".`, notes[len(notes)-1])

	assert.Equal(t,
		[]string{"📖 Your Reservations:\n📝 Reservation #1: Sample (Pickup: after isha salah)\n\nTo cancel a reservation, use /cancel_reservation <number>."},
		h.send(100, "/my_reservations"))
}

func TestMyReservationsEmpty(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{msgRegisterFirst}, h.send(100, "/my_reservations"))

	h.register(t, 100, "Amina", "0911223344")
	assert.Equal(t, []string{msgNoReservations}, h.send(100, "/my_reservations"))
}

func TestReserveUnavailableBook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, 100, "Amina", "0911223344")
	h.register(t, 200, "Bilal", "0922334455")
	h.send(librarianID, `/add_books 501 Arabic "Fiqh" "Sample"`)

	h.send(100, "/reserve 501")
	assert.Equal(t, []string{"❌ Sorry, the book with ID 501 is not available."}, h.send(200, "/reserve 501"))
	assert.Equal(t, []string{"❌ Sorry, the book with ID 777 is not available."}, h.send(200, "/reserve 777"))

	list, err := h.db.ListReservations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(100), list[0].UserChatID)
}

func TestConcurrentReserve(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "Amina", "0911223344")
	h.register(t, 200, "Bilal", "0922334455")
	h.send(librarianID, `/add_books 501 Arabic "Fiqh" "Sample"`)

	var wg sync.WaitGroup
	results := make([][]string, 2)
	for i, chatID := range []int64{100, 200} {
		wg.Add(1)
		go func(i int, chatID int64) {
			defer wg.Done()
			results[i] = h.send(chatID, "/reserve 501")
		}(i, chatID)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if strings.HasPrefix(r[0], "✅ Successfully reserved") {
			successes++
		}
	}
	assert.Equal(t, 1, successes)

	list, err := h.db.ListReservations(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLibrarianCommandsNeedPermission(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "Amina", "0911223344")

	for _, cmd := range []string{
		`/add_books 501 Arabic "Fiqh" "Sample"`,
		"/remove_book Arabic Fiqh 501",
		"/view_reservations",
		"/librarian_add_reservation Amina 501",
		"/librarian_cancel_reservation 501",
	} {
		assert.Equal(t, []string{msgNoPermission}, h.send(100, cmd), cmd)
	}

	book, err := h.db.FindBook(context.Background(), 501)
	require.NoError(t, err)
	assert.Nil(t, book)
}

func TestHelpForLibrarian(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{helpText + librarianHelpText}, h.send(librarianID, "/help"))
	assert.Equal(t, []string{helpText}, h.send(100, "/help"))
}

func TestMalformedAndUnknownCommands(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{"❌ Invalid command format. Usage: /reserve <ID>"}, h.send(100, "/reserve abc"))
	assert.Equal(t, []string{msgUnknownCommand}, h.send(100, "/borrow 501"))
	assert.Equal(t, []string{msgNotUnderstood}, h.send(100, "hello there"))
}

func TestAddBooksReportsEachEntry(t *testing.T) {
	h := newHarness(t)
	h.send(librarianID, `/add_books 501 Arabic "Fiqh" "Sample"`)

	replies := h.send(librarianID, `/add_books 501 Arabic "Fiqh" "Again"; 502 Klingon "Fiqh" "Other"; nonsense; 503 Afaan Oromo "Seenaa" "Kitaaba"`)
	require.Len(t, replies, 1)
	assert.Equal(t, strings.Join([]string{
		"🚫 A book with ID 501 already exists.",
		`❌ Unknown language "Klingon" in entry: "502 Klingon "Fiqh" "Other"".`,
		`❌ Invalid format for entry: "nonsense".`,
		`✅ Book "Kitaaba" added successfully.`,
	}, "\n"), replies[0])

	book, err := h.db.FindBook(context.Background(), 503)
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, models.AfaanOromo, book.Language)
	assert.Equal(t, "Seenaa", book.Category)
}

func TestRemoveBook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, 100, "Amina", "0911223344")
	h.send(librarianID, `/add_books 501 Arabic "Fiqh" "Sample"; 502 Arabic "Usul Fiqh" "Second"`)
	h.send(100, "/reserve 501")

	replies := h.send(librarianID, "/remove_book Arabic Fiqh 501")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "reserved by Amina")

	assert.Equal(t,
		[]string{`❌ No book found with ID 502 in category "Fiqh".`},
		h.send(librarianID, "/remove_book Arabic Fiqh 502"))
	assert.Equal(t,
		[]string{`❌ Unknown language "Latin".`},
		h.send(librarianID, `/remove_book Latin "Usul Fiqh" 502`))
	assert.Equal(t,
		[]string{`✅ Book with ID 502 has been removed from category "Usul Fiqh" in Arabic.`},
		h.send(librarianID, `/remove_book Arabic "Usul Fiqh" 502`))

	book, err := h.db.FindBook(ctx, 502)
	require.NoError(t, err)
	assert.Nil(t, book)
	book, err = h.db.FindBook(ctx, 501)
	require.NoError(t, err)
	assert.NotNil(t, book)
}

func TestViewReservations(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{msgNoneAtAll}, h.send(librarianID, "/view_reservations"))

	h.register(t, 100, "Amina", "0911223344")
	h.register(t, 200, "Bilal", "0922334455")
	h.send(librarianID, `/add_books 501 Arabic "Fiqh" "Sample Title"; 502 Amharic "Tarik" "Second Title"`)
	h.send(100, "/reserve 501")
	h.send(librarianID, "/librarian_add_reservation Bilal 502 tomorrow morning")

	replies := h.send(librarianID, "/view_reservations")
	require.Len(t, replies, 1)

	g := goldie.New(t)
	g.Assert(t, "view_reservations", []byte(replies[0]))
}

func TestLibrarianAddReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, 100, "Amina", "+251 91 122 3344")
	h.send(librarianID, `/add_books 501 Arabic "Fiqh" "Sample"; 502 Arabic "Fiqh" "Second"`)

	assert.Equal(t, []string{msgUserNotFound}, h.send(librarianID, "/librarian_add_reservation Nobody 501"))

	assert.Equal(t,
		[]string{`✅ Successfully added reservation for Amina for "Sample".`},
		h.send(librarianID, "/librarian_add_reservation +251911223344 501"))
	assert.Equal(t,
		[]string{`✅ Successfully added reservation for Amina for "Second".`},
		h.send(librarianID, "/librarian_add_reservation Amina 502 Friday after jumuah"))
	assert.Equal(t,
		[]string{"❌ Sorry, the book with ID 501 is not available."},
		h.send(librarianID, "/librarian_add_reservation Amina 501"))

	list, err := h.db.ListUserReservations(ctx, 100)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, DefaultPickupTime, list[0].PickupTime)
	assert.Equal(t, "Friday after jumuah", list[1].PickupTime)

	assert.Contains(t, h.sent.textsTo(100), `📌 The librarian reserved "Second" for you. Pickup time: Friday after jumuah.`)
}

func TestLibrarianCancelReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, 100, "Amina", "0911223344")
	h.send(librarianID, `/add_books 501 Arabic "Fiqh" "Sample"; 502 Arabic "Fiqh" "Second"`)
	h.send(100, "/reserve 501")
	h.send(100, "/reserve 502")

	assert.Equal(t, []string{msgNoBookWithID}, h.send(librarianID, "/librarian_cancel_reservation 777"))

	assert.Equal(t,
		[]string{`✅ Reservation for "Sample" has been successfully canceled.`},
		h.send(librarianID, "/librarian_cancel_reservation 501"))
	assert.Equal(t, []string{msgNoReservationFor}, h.send(librarianID, "/librarian_cancel_reservation 501"))

	book, err := h.db.FindBook(ctx, 501)
	require.NoError(t, err)
	assert.True(t, book.Available)
	assert.Contains(t, h.sent.textsTo(100), `❌ Your reservation for "Sample" was canceled by the librarian.`)

	// by position in the user's own list
	assert.Equal(t, []string{msgUserNotFound}, h.send(librarianID, "/librarian_cancel_reservation 1 Nobody"))
	assert.Equal(t,
		[]string{"❌ Invalid reservation number for Amina. Please check /view_reservations and try again."},
		h.send(librarianID, "/librarian_cancel_reservation 2 Amina"))
	assert.Equal(t,
		[]string{`✅ Reservation for "Second" has been successfully canceled.`},
		h.send(librarianID, "/librarian_cancel_reservation 1 Amina"))

	list, err := h.db.ListReservations(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLanguageAndCategoryFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.send(librarianID, `/add_books 501 Arabic "Seerah" "Sample"; 502 Arabic "Fiqh" "Second"; 503 Arabic "Fiqh" "Third"`)
	h.register(t, 100, "Amina", "0911223344")

	msgs := h.tap(100, "lang:Amharic")
	assert.Equal(t, []string{"No categories available for Amharic."}, texts(msgs))

	msgs = h.tap(100, "lang:Arabic")
	require.Len(t, msgs, 2)
	assert.Equal(t, "✅ Language changed to Arabic.", msgs[0].Text)
	assert.Equal(t, "You selected Arabic. Please choose a category:", msgs[1].Text)
	assert.Equal(t, []notify.Choice{
		{Label: "Fiqh", Data: "cat:Fiqh"},
		{Label: "Seerah", Data: "cat:Seerah"},
	}, msgs[1].Choices)

	u, err := h.db.FindUserByChatID(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, models.Arabic, u.PreferredLanguage)

	assert.Equal(t,
		[]string{"📖 Available books in \"Fiqh\":\n\n🔖 ID: 502 - \"Second\"\n🔖 ID: 503 - \"Third\"\n\nTo reserve a book, type /reserve <ID>."},
		h.send(100, "Fiqh"))

	h.send(100, "/reserve 502")
	h.send(100, "/reserve 501")
	assert.Equal(t,
		[]string{"📖 Available books in \"Fiqh\":\n\n🔖 ID: 503 - \"Third\"\n\nTo reserve a book, type /reserve <ID>."},
		texts(h.tap(100, "cat:Fiqh")))
	assert.Equal(t, []string{`📚 No available books in "Seerah".`}, h.send(100, "Seerah"))

	replies := h.send(100, "Tafsir")
	require.Len(t, replies, 1)
	assert.Equal(t, `❌ Unknown category "Tafsir". Please choose a category:`, replies[0])

	// the preference survives the session
	require.NoError(t, h.engine.sessions.Delete(ctx, 100))
	assert.Equal(t,
		[]string{"📖 Available books in \"Fiqh\":\n\n🔖 ID: 503 - \"Third\"\n\nTo reserve a book, type /reserve <ID>."},
		h.send(100, "Fiqh"))
}

func TestChangeLanguage(t *testing.T) {
	h := newHarness(t)
	msgs := h.engine.Handle(context.Background(), 100, command.ChangeLanguage{})
	require.Len(t, msgs, 1)
	assert.Equal(t, msgAskLanguage, msgs[0].Text)
	assert.Len(t, msgs[0].Choices, len(models.Languages))

	assert.Equal(t, []string{`❌ Unknown language "Latin".`}, h.send(100, "Latin"))
}

func TestAnonymousBrowsing(t *testing.T) {
	h := newHarness(t)
	h.send(librarianID, `/add_books 501 Amharic "Tarik" "Sample"`)

	replies := h.send(100, "amharic")
	assert.Equal(t, []string{"You selected Amharic. Please choose a category:"}, replies)
	assert.Equal(t,
		[]string{"📖 Available books in \"Tarik\":\n\n🔖 ID: 501 - \"Sample\"\n\nTo reserve a book, type /reserve <ID>."},
		h.send(100, "Tarik"))
	assert.Equal(t, []string{msgRegisterFirst}, h.send(100, "/reserve 501"))
}

// failingStore loses every reservation write
type failingStore struct {
	*stubs.MockDB
}

func (f failingStore) CreateReservation(ctx context.Context, chatID int64, bookID int, pickupTime string) (*models.Reservation, error) {
	return nil, errors.New("disk full")
}

func TestStoreFailureGetsGenericReply(t *testing.T) {
	db := stubs.NewMockDB()
	h := newHarnessWithStore(t, failingStore{db})
	h.register(t, 100, "Amina", "0911223344")
	h.send(librarianID, `/add_books 501 Arabic "Fiqh" "Sample"`)

	assert.Equal(t, []string{msgTryAgainLater}, h.send(100, "/reserve 501"))

	assert.Len(t, h.sent.textsTo(librarianID), 1, "only the registration notice")
	book, err := db.FindBook(context.Background(), 501)
	require.NoError(t, err)
	assert.True(t, book.Available)
}
