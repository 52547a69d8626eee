// Package events publishes library domain events to NATS for other services
// (dashboards, reminders). Publishing is optional: without NATS_URL the bot uses Nop.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

// Subjects
const (
	UserRegistered      = "library.user.registered"
	ReservationCreated  = "library.reservation.created"
	ReservationCanceled = "library.reservation.canceled"
	BookAdded           = "library.book.added"
	BookRemoved         = "library.book.removed"
)

// Event payloads
type UserRegisteredEvent struct {
	ChatID       int64     `json:"chat_id"`
	UserName     string    `json:"user_name"`
	RegisteredAt time.Time `json:"registered_at"`
}

type ReservationEvent struct {
	ReservationID string    `json:"reservation_id"`
	ChatID        int64     `json:"chat_id"`
	UserName      string    `json:"user_name"`
	BookID        int       `json:"book_id"`
	BookTitle     string    `json:"book_title"`
	PickupTime    string    `json:"pickup_time"`
	ByLibrarian   bool      `json:"by_librarian"`
	At            time.Time `json:"at"`
}

type BookEvent struct {
	BookID   int       `json:"book_id"`
	Title    string    `json:"title"`
	Language string    `json:"language"`
	Category string    `json:"category"`
	At       time.Time `json:"at"`
}

type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("librarybot"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{conn: conn, logger: logger}, nil
}

func (n *NATSPublisher) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	n.logger.Debug("Publishing event", zap.String("subject", subject), zap.ByteString("data", payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSPublisher) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, string, interface{}) error { return nil }
func (Nop) Close() error                                      { return nil }
