package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSender struct {
	sent []Message
	fail map[int64]error
}

func (s *recordingSender) Send(ctx context.Context, msg Message) error {
	if err := s.fail[msg.ChatID]; err != nil {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func TestSplit_Short(t *testing.T) {
	assert.Equal(t, []string{"hello\nworld"}, Split("hello\nworld", 4096))
}

func TestSplit_LineBoundaries(t *testing.T) {
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, Split("aaaa\nbbbb\ncccc", 10))
}

func TestSplit_OverlongLine(t *testing.T) {
	assert.Equal(t, []string{"abcde", "fghij", "kl\nxy"}, Split("abcdefghijkl\nxy", 5))
}

func TestSplit_CountsCharactersNotBytes(t *testing.T) {
	line := strings.Repeat("ኣ", 6) // 3 bytes each
	chunks := Split(line+"\n"+line, 6)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.Equal(t, 6, utf8.RuneCountInString(c))
	}
}

func TestSplit_NoLineLost(t *testing.T) {
	var lines []string
	for i := 1; i <= 500; i++ {
		lines = append(lines, fmt.Sprintf("🔖 Book ID: %d - User: Someone - Book: \"Title %d\" - Pickup Time: after isha salah", i, i))
	}
	text := strings.Join(lines, "\n")

	chunks := Split(text, MaxMessageLength)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), MaxMessageLength)
	}
	assert.Equal(t, text, strings.Join(chunks, "\n"))
}

func TestSplit_Golden(t *testing.T) {
	var b strings.Builder
	b.WriteString("Your Reservations:\n")
	for i := 1; i <= 12; i++ {
		fmt.Fprintf(&b, "#%d: Book number %d (Pickup: after isha salah)\n", i, i)
	}
	b.WriteString("\nTo cancel a reservation, use /cancel_reservation <number>.")

	g := goldie.New(t)
	g.Assert(t, "reservation_list", []byte(strings.Join(Split(b.String(), 120), "\n-----\n")))
}

func TestRelay_SendAttachesChoicesToLastChunk(t *testing.T) {
	sender := &recordingSender{}
	relay := NewRelay(sender, zap.NewNop())
	relay.limit = 10

	choices := []Choice{{Label: "Arabic", Data: "lang:Arabic"}}
	require.NoError(t, relay.Send(context.Background(), Message{ChatID: 1, Text: "aaaa\nbbbb\ncccc", Choices: choices}))

	require.Len(t, sender.sent, 2)
	assert.Nil(t, sender.sent[0].Choices)
	assert.Equal(t, choices, sender.sent[1].Choices)
	assert.Equal(t, "cccc", sender.sent[1].Text)
}

func TestRelay_NotifySwallowsErrors(t *testing.T) {
	sender := &recordingSender{fail: map[int64]error{7: errors.New("blocked by user")}}
	relay := NewRelay(sender, zap.NewNop())

	assert.NotPanics(t, func() {
		relay.Notify(context.Background(), 7, "hello")
	})
	relay.Notify(context.Background(), 8, "hello")
	relay.Notify(context.Background(), 0, "nobody")

	require.Len(t, sender.sent, 1)
	assert.Equal(t, int64(8), sender.sent[0].ChatID)
}
