// Package notify delivers outbound chat messages. Long texts are split on line
// boundaries so that every chunk fits into one chat message.
package notify

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// MaxMessageLength is the chat transport's limit for a single message
const MaxMessageLength = 4096

// Choice is a button offered with a message. Data is the callback payload.
type Choice struct {
	Label string
	Data  string
}

// Message is one outbound message before splitting
type Message struct {
	ChatID  int64
	Text    string
	Choices []Choice
}

// Sender delivers a single message that already fits the length limit
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Relay struct {
	sender Sender
	limit  int
	logger *zap.Logger
}

func NewRelay(sender Sender, logger *zap.Logger) *Relay {
	return &Relay{sender: sender, limit: MaxMessageLength, logger: logger}
}

// Send splits msg and delivers the chunks in order, stopping at the first failure.
// Choices travel with the last chunk.
func (r *Relay) Send(ctx context.Context, msg Message) error {
	chunks := Split(msg.Text, r.limit)
	for i, chunk := range chunks {
		out := Message{ChatID: msg.ChatID, Text: chunk}
		if i == len(chunks)-1 {
			out.Choices = msg.Choices
		}
		if err := r.sender.Send(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

// Notify is a best-effort Send: failures are logged and otherwise ignored
func (r *Relay) Notify(ctx context.Context, chatID int64, text string) {
	if chatID == 0 {
		return
	}
	if err := r.Send(ctx, Message{ChatID: chatID, Text: text}); err != nil {
		r.logger.Warn("Failed to deliver notification",
			zap.Int64("chat_id", chatID),
			zap.Error(err),
		)
	}
}

// Split cuts text into chunks of at most limit characters. Cuts happen at line
// ends; only a single line longer than limit is cut inside the line.
func Split(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	size := 0

	flush := func() {
		if size > 0 {
			chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
			current.Reset()
			size = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(strings.TrimSuffix(line, "\n"))
		if size > 0 && size+n > limit {
			flush()
		}
		for n > limit {
			// a single overlong line: hard cut
			head, tail := cutRunes(line, limit)
			chunks = append(chunks, head)
			line = tail
			n = utf8.RuneCountInString(strings.TrimSuffix(line, "\n"))
		}
		if n == 0 && size == 0 {
			continue
		}
		current.WriteString(line)
		size += utf8.RuneCountInString(line)
	}
	flush()
	return chunks
}

func cutRunes(s string, n int) (string, string) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}
