// Package store persists completed conversation exchanges.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nakamura-shuta/promptrelay/internal/llm"
	"github.com/nakamura-shuta/promptrelay/internal/prompt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Record is a write-once conversation record, one per request-response
// exchange. Records are never updated or deleted.
type Record struct {
	SessionID   string                `json:"session_id"`
	CreatedAt   time.Time             `json:"created_at"`
	Prompt      string                `json:"prompt,omitempty"`
	Messages    []llm.Message         `json:"messages,omitempty"`
	Model       string                `json:"model"`
	References  []prompt.ReferenceDoc `json:"references,omitempty"`
	Response    string                `json:"response"`
	CompletedAt time.Time             `json:"completed_at"`
}

// Store is the persistence interface for conversation records.
type Store interface {
	// Save durably appends a record. It is called at most once per exchange.
	Save(ctx context.Context, rec *Record) error

	// Get returns the record for the given session ID, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Record, error)

	// ListRecent returns up to limit records, newest first.
	ListRecent(ctx context.Context, limit int) ([]*Record, error)
}
