// Package relay implements the prompt-relay core: it validates and normalizes
// incoming requests, opens the upstream generation stream, and records
// completed exchanges.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nakamura-shuta/promptrelay/internal/llm"
	"github.com/nakamura-shuta/promptrelay/internal/prompt"
	"github.com/nakamura-shuta/promptrelay/internal/store"
)

var (
	// ErrInvalidRequest is returned when neither prompt nor messages were supplied.
	ErrInvalidRequest = errors.New("invalid request: prompt or messages required")

	// ErrCredentialsMissing is returned when no remote-endpoint credentials are
	// configured. It is checked before any network call.
	ErrCredentialsMissing = errors.New("LLM credentials not configured")
)

// Request is the inbound shape of a submit-prompt call.
type Request struct {
	Prompt     string                `json:"prompt,omitempty"`
	Messages   []llm.Message         `json:"messages,omitempty"`
	References []prompt.ReferenceDoc `json:"references,omitempty"`
}

// Session is one opened relay exchange: the normalized input plus the live
// chunk stream. The stream is forward-only and not restartable.
type Session struct {
	ID         string
	CreatedAt  time.Time
	Model      string
	Prompt     string
	Messages   []llm.Message
	References []prompt.ReferenceDoc
	Chunks     <-chan llm.StreamChunk
}

// ReferenceResolver fills in content for references that only carry a URL.
type ReferenceResolver interface {
	Resolve(ctx context.Context, references []prompt.ReferenceDoc) []prompt.ReferenceDoc
}

// Config holds relay configuration.
type Config struct {
	// Model is the model identifier sent upstream.
	Model string

	// CredentialsPresent reports whether remote credentials are configured.
	// False fails every Open with ErrCredentialsMissing.
	CredentialsPresent bool
}

// Relay orchestrates normalize -> stream -> record for each request.
type Relay struct {
	cfg      Config
	client   llm.Client
	store    store.Store
	resolver ReferenceResolver
	logger   *slog.Logger
}

// Option is a functional option for configuring a Relay.
type Option func(*Relay)

// WithResolver sets a reference-content resolver.
func WithResolver(r ReferenceResolver) Option {
	return func(rel *Relay) {
		rel.resolver = r
	}
}

// New creates a Relay.
func New(cfg Config, client llm.Client, st store.Store, logger *slog.Logger, opts ...Option) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		cfg:    cfg,
		client: client,
		store:  st,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open validates the request, normalizes it into the canonical message list,
// and opens the upstream stream. Validation and credential errors fail fast
// before any network activity. Each call opens its own independent upstream
// stream; nothing is shared between concurrent sessions.
//
// Cancelling ctx after Open returns propagates upstream and terminates the
// remote stream.
func (r *Relay) Open(ctx context.Context, req Request) (*Session, error) {
	if req.Prompt == "" && len(req.Messages) == 0 {
		return nil, ErrInvalidRequest
	}
	if !r.cfg.CredentialsPresent {
		return nil, ErrCredentialsMissing
	}

	references := req.References
	if r.resolver != nil && len(references) > 0 {
		references = r.resolver.Resolve(ctx, references)
	}

	messages, err := prompt.Normalize(req.Prompt, req.Messages, references)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	chunks, err := r.client.ChatStream(ctx, messages, llm.GenerateOptions{Model: r.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("opening upstream stream: %w", err)
	}

	return &Session{
		ID:         uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		Model:      r.cfg.Model,
		Prompt:     req.Prompt,
		Messages:   messages,
		References: references,
		Chunks:     chunks,
	}, nil
}

// Record persists the completed exchange. It is called once per successful
// stream completion, after the client-visible stream has already finished,
// and callers typically run it in its own goroutine. Failures are logged and
// never propagated; the record uses its own context because the request
// context is typically done by the time this runs.
func (r *Relay) Record(sess *Session, response string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec := &store.Record{
		SessionID:   sess.ID,
		CreatedAt:   sess.CreatedAt,
		Prompt:      sess.Prompt,
		Messages:    sess.Messages,
		Model:       sess.Model,
		References:  sess.References,
		Response:    response,
		CompletedAt: time.Now().UTC(),
	}

	if err := r.store.Save(ctx, rec); err != nil {
		r.logger.Error("failed to record conversation", "session_id", sess.ID, "error", err)
		return
	}
	r.logger.Debug("conversation recorded", "session_id", sess.ID)
}

// Get returns the stored record for one session, or store.ErrNotFound.
func (r *Relay) Get(ctx context.Context, sessionID string) (*store.Record, error) {
	return r.store.Get(ctx, sessionID)
}

// ListRecent returns up to limit stored records, newest first.
func (r *Relay) ListRecent(ctx context.Context, limit int) ([]*store.Record, error) {
	return r.store.ListRecent(ctx, limit)
}
