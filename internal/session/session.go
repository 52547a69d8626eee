// Package session keeps the per-chat conversation state between updates.
package session

import (
	"context"

	"librarybot/internal/models"
)

// Step is where a chat is inside a multi-step conversation
type Step string

const (
	StepNone             Step = ""
	StepAwaitingName     Step = "awaiting_name"
	StepAwaitingPhone    Step = "awaiting_phone"
	StepAwaitingLanguage Step = "awaiting_language"
	StepAwaitingCategory Step = "awaiting_category"
)

// State is the transient conversation state of one chat.
// It is not the user's identity; the registered user lives in storage.
type State struct {
	Step     Step            `json:"step"`
	Name     string          `json:"name,omitempty"`
	Language models.Language `json:"language,omitempty"`
	Category string          `json:"category,omitempty"`
}

// Store holds states keyed by chat ID. Get returns a zero State when nothing is stored.
type Store interface {
	Get(ctx context.Context, chatID int64) (State, error)
	Put(ctx context.Context, chatID int64, state State) error
	Delete(ctx context.Context, chatID int64) error
}
