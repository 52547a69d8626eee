package bot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"librarybot/internal/command"
	"librarybot/internal/notify"
	"librarybot/internal/session"
	"librarybot/internal/storage/stubs"
	"librarybot/internal/workflow"
)

// fakeAPI records what the bot would have sent to Telegram
type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	sendErr  error
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) textsTo(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

const librarianID = int64(999)

func newTestBot(t *testing.T) (*Bot, *fakeAPI, *stubs.MockDB) {
	t.Helper()
	api := &fakeAPI{}
	db := stubs.NewMockDB()
	if err := db.Initialize(context.Background()); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	relay := notify.NewRelay(NewSender(api), zap.NewNop())
	engine := workflow.NewEngine(db, session.NewMemoryStore(time.Minute, zap.NewNop()), relay, nil,
		workflow.Config{LibrarianChatID: librarianID}, zap.NewNop())
	return NewBot(api, engine, relay, zap.NewNop()), api, db
}

func textUpdate(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: chatID},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
	}}
}

func TestBot_RegistrationConversation(t *testing.T) {
	b, api, db := newTestBot(t)
	ctx := context.Background()
	chatID := int64(456)

	b.handleUpdate(ctx, textUpdate(chatID, "/register"))
	b.handleUpdate(ctx, textUpdate(chatID, "Amina"))
	b.handleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{
		From:    &tgbotapi.User{ID: chatID},
		Chat:    &tgbotapi.Chat{ID: chatID},
		Contact: &tgbotapi.Contact{PhoneNumber: "+251911223344"},
	}})

	user, err := db.FindUserByChatID(ctx, chatID)
	if err != nil {
		t.Fatalf("Failed to find user: %v", err)
	}
	if user == nil {
		t.Fatal("Expected user to be registered")
	}
	if user.Phone != "251911223344" {
		t.Errorf("Expected normalized phone, got %q", user.Phone)
	}

	texts := api.textsTo(chatID)
	if len(texts) != 4 {
		t.Fatalf("Expected 4 replies, got %d: %q", len(texts), texts)
	}
	if !strings.HasPrefix(texts[2], "✓ Registration successful") {
		t.Errorf("Unexpected greeting: %q", texts[2])
	}

	notes := api.textsTo(librarianID)
	if len(notes) != 1 || !strings.Contains(notes[0], "Amina") {
		t.Errorf("Expected one librarian notice naming the user, got %q", notes)
	}
}

func TestBot_LanguageButtonsAreInline(t *testing.T) {
	b, api, _ := newTestBot(t)

	b.handleUpdate(context.Background(), textUpdate(456, "/change_language"))

	if len(api.sent) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(api.sent))
	}
	markup, ok := api.sent[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("Expected inline keyboard, got %T", api.sent[0].ReplyMarkup)
	}
	if len(markup.InlineKeyboard) != 3 {
		t.Fatalf("Expected 3 language rows, got %d", len(markup.InlineKeyboard))
	}
	if data := *markup.InlineKeyboard[0][0].CallbackData; data != "lang:Arabic" {
		t.Errorf("Expected callback data lang:Arabic, got %q", data)
	}
}

func TestBot_CallbackQuery(t *testing.T) {
	b, api, db := newTestBot(t)
	ctx := context.Background()

	b.handleUpdate(ctx, textUpdate(librarianID, `/add_books 501 Arabic "Fiqh" "Sample Title"`))

	b.handleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		From:    &tgbotapi.User{ID: 456},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 456}},
		Data:    command.CategoryPrefix + "Fiqh",
	}})

	if len(api.requests) != 1 {
		t.Fatalf("Expected the callback to be answered once, got %d requests", len(api.requests))
	}
	if _, ok := api.requests[0].(tgbotapi.CallbackConfig); !ok {
		t.Errorf("Expected CallbackConfig, got %T", api.requests[0])
	}

	// no language chosen yet, so the bot asks for one
	texts := api.textsTo(456)
	if len(texts) != 1 || !strings.Contains(texts[0], "select a language") {
		t.Errorf("Expected a language prompt, got %q", texts)
	}

	b.handleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-2",
		From:    &tgbotapi.User{ID: 456},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 456}},
		Data:    command.LanguagePrefix + "Arabic",
	}})
	b.handleUpdate(ctx, textUpdate(456, "Fiqh"))

	texts = api.textsTo(456)
	if !strings.Contains(texts[len(texts)-1], `🔖 ID: 501 - "Sample Title"`) {
		t.Errorf("Expected the book list, got %q", texts[len(texts)-1])
	}
	if book, _ := db.FindBook(ctx, 501); book == nil || !book.Available {
		t.Error("Browsing must not change availability")
	}
}

type panicHandler struct{}

func (panicHandler) Handle(ctx context.Context, chatID int64, cmd command.Command) []notify.Message {
	panic("boom")
}

func TestBot_RecoversFromPanic(t *testing.T) {
	api := &fakeAPI{}
	relay := notify.NewRelay(NewSender(api), zap.NewNop())
	b := NewBot(api, panicHandler{}, relay, zap.NewNop())

	b.handleUpdate(context.Background(), textUpdate(456, "/start"))

	texts := api.textsTo(456)
	if len(texts) != 1 || texts[0] != msgInternalError {
		t.Errorf("Expected the internal error reply, got %q", texts)
	}
}

func TestBot_SendFailureIsNotFatal(t *testing.T) {
	b, api, _ := newTestBot(t)
	api.sendErr = errors.New("network down")

	// must not panic or block
	b.handleUpdate(context.Background(), textUpdate(456, "/help"))
}

func TestBot_IgnoresMessagesWithoutText(t *testing.T) {
	b, api, _ := newTestBot(t)

	b.handleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:    &tgbotapi.Chat{ID: 456},
		Sticker: &tgbotapi.Sticker{FileID: "x"},
	}})

	if len(api.sent) != 0 {
		t.Errorf("Expected no reply, got %d", len(api.sent))
	}
}

func TestKeyboard_FallsBackForLongPayloads(t *testing.T) {
	long := strings.Repeat("x", maxCallbackData)
	markup := keyboard([]notify.Choice{
		{Label: "Fiqh", Data: "cat:Fiqh"},
		{Label: long, Data: "cat:" + long},
	})

	reply, ok := markup.(tgbotapi.ReplyKeyboardMarkup)
	if !ok {
		t.Fatalf("Expected reply keyboard, got %T", markup)
	}
	if !reply.OneTimeKeyboard {
		t.Error("Expected a one-time keyboard")
	}
	if reply.Keyboard[1][0].Text != long {
		t.Errorf("Expected the label as button text, got %q", reply.Keyboard[1][0].Text)
	}
}

func TestBot_WebhookQueuesUpdates(t *testing.T) {
	b, api, _ := newTestBot(t)

	req := httptest.NewRequest(http.MethodPost, "/telegram-webhook",
		strings.NewReader(`{"update_id":1,"message":{"message_id":1,"date":0,"chat":{"id":456,"type":"private"},"text":"/start"}}`))
	rec := httptest.NewRecorder()
	b.WebhookHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(api.textsTo(456)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	texts := api.textsTo(456)
	if len(texts) != 1 || !strings.Contains(texts[0], "Welcome") {
		t.Errorf("Expected the welcome message, got %q", texts)
	}
}

func TestBot_WebhookRejectsBadJSON(t *testing.T) {
	b, _, _ := newTestBot(t)

	rec := httptest.NewRecorder()
	b.WebhookHandler()(rec, httptest.NewRequest(http.MethodPost, "/telegram-webhook", strings.NewReader("{")))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestBot_WebhookQueueFull(t *testing.T) {
	api := &fakeAPI{}
	b := NewBot(api, panicHandler{}, notify.NewRelay(NewSender(api), zap.NewNop()), zap.NewNop())
	b.updates = make(chan tgbotapi.Update) // unbuffered, no worker

	rec := httptest.NewRecorder()
	b.WebhookHandler()(rec, httptest.NewRequest(http.MethodPost, "/telegram-webhook", strings.NewReader(`{"update_id":7}`)))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}
