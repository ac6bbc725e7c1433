package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nakamura-shuta/promptrelay/internal/llm"
	"github.com/nakamura-shuta/promptrelay/internal/prompt"
	"github.com/nakamura-shuta/promptrelay/internal/store"
)

// fakeLLM streams a fixed token sequence.
type fakeLLM struct {
	tokens  []string
	openErr error

	mu       sync.Mutex
	calls    int
	lastMsgs []llm.Message
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	return strings.Join(f.tokens, ""), f.openErr
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	f.mu.Lock()
	f.calls++
	f.lastMsgs = messages
	f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, tok := range f.tokens {
			select {
			case <-ctx.Done():
				ch <- llm.StreamChunk{Error: ctx.Err(), Done: true}
				return
			case ch <- llm.StreamChunk{Token: tok}:
			}
		}
		ch <- llm.StreamChunk{Done: true}
	}()
	return ch, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memStore records saves in memory.
type memStore struct {
	mu      sync.Mutex
	saved   []*store.Record
	saveErr error
}

func (m *memStore) Save(ctx context.Context, rec *store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, rec)
	return nil
}

func (m *memStore) Get(ctx context.Context, sessionID string) (*store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.saved {
		if rec.SessionID == sessionID {
			return rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListRecent(ctx context.Context, limit int) ([]*store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Record, 0, limit)
	for i := len(m.saved) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.saved[i])
	}
	return out, nil
}

func (m *memStore) records() []*store.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Record(nil), m.saved...)
}

func newTestRelay(client llm.Client, st store.Store, creds bool, opts ...Option) *Relay {
	return New(Config{Model: "test-model", CredentialsPresent: creds}, client, st, nil, opts...)
}

func TestRelay_Open_InvalidRequest(t *testing.T) {
	client := &fakeLLM{}
	r := newTestRelay(client, &memStore{}, true)

	_, err := r.Open(context.Background(), Request{})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if client.callCount() != 0 {
		t.Error("upstream was called for an invalid request")
	}
}

func TestRelay_Open_CredentialsMissing(t *testing.T) {
	client := &fakeLLM{tokens: []string{"x"}}
	r := newTestRelay(client, &memStore{}, false)

	_, err := r.Open(context.Background(), Request{Prompt: "hello"})
	if !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("expected ErrCredentialsMissing, got %v", err)
	}
	if client.callCount() != 0 {
		t.Error("upstream was called despite missing credentials")
	}
}

func TestRelay_Open_UpstreamError(t *testing.T) {
	client := &fakeLLM{openErr: errors.New("connection refused")}
	r := newTestRelay(client, &memStore{}, true)

	_, err := r.Open(context.Background(), Request{Prompt: "hello"})
	if err == nil {
		t.Fatal("expected error when upstream fails to open")
	}
	if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrCredentialsMissing) {
		t.Errorf("upstream error misclassified: %v", err)
	}
}

func TestRelay_OpenAndRecord(t *testing.T) {
	client := &fakeLLM{tokens: []string{"Hel", "lo ", "world"}}
	st := &memStore{}
	r := newTestRelay(client, st, true)

	sess, err := r.Open(context.Background(), Request{Prompt: "greet me"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sess.ID == "" {
		t.Error("session ID not generated")
	}
	if sess.Model != "test-model" {
		t.Errorf("unexpected model %q", sess.Model)
	}
	if len(sess.Messages) != 2 || sess.Messages[0].Role != llm.RoleSystem {
		t.Errorf("messages not normalized: %+v", sess.Messages)
	}

	var response strings.Builder
	for chunk := range sess.Chunks {
		if chunk.Error != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Error)
		}
		response.WriteString(chunk.Token)
	}
	if response.String() != "Hello world" {
		t.Errorf("unexpected stream content %q", response.String())
	}

	r.Record(sess, response.String())

	recs := st.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.SessionID != sess.ID {
		t.Errorf("record session mismatch: %s vs %s", rec.SessionID, sess.ID)
	}
	// Round-trip: delivered increments concatenated equal the stored response.
	if rec.Response != "Hello world" {
		t.Errorf("unexpected stored response %q", rec.Response)
	}
	if rec.Prompt != "greet me" {
		t.Errorf("unexpected stored prompt %q", rec.Prompt)
	}
	if rec.CompletedAt.Before(rec.CreatedAt) {
		t.Error("completed_at precedes created_at")
	}
}

func TestRelay_Record_StoreFailureIsSwallowed(t *testing.T) {
	client := &fakeLLM{tokens: []string{"x"}}
	st := &memStore{saveErr: errors.New("disk full")}
	r := newTestRelay(client, st, true)

	sess, err := r.Open(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for range sess.Chunks {
	}

	// Must not panic or propagate.
	r.Record(sess, "x")

	if len(st.records()) != 0 {
		t.Error("record saved despite store failure")
	}
}

// staticResolver fills every unresolved reference with fixed content.
type staticResolver struct {
	content string
}

func (s *staticResolver) Resolve(ctx context.Context, refs []prompt.ReferenceDoc) []prompt.ReferenceDoc {
	out := make([]prompt.ReferenceDoc, len(refs))
	copy(out, refs)
	for i := range out {
		if out[i].Content == "" {
			out[i].Content = s.content
		}
	}
	return out
}

func TestRelay_Open_ResolvesReferences(t *testing.T) {
	client := &fakeLLM{tokens: []string{"x"}}
	r := newTestRelay(client, &memStore{}, true, WithResolver(&staticResolver{content: "fetched text"}))

	sess, err := r.Open(context.Background(), Request{
		Prompt:     "q",
		References: []prompt.ReferenceDoc{{Title: "Doc", URL: "https://example.com"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sess.References) != 1 || sess.References[0].Content != "fetched text" {
		t.Errorf("references not resolved: %+v", sess.References)
	}
	if !strings.Contains(sess.Messages[0].Content, "fetched text") {
		t.Error("resolved content missing from system message")
	}
	for range sess.Chunks {
	}
}

func TestRelay_Open_CancellationPropagates(t *testing.T) {
	tokens := make([]string, 1000)
	for i := range tokens {
		tokens[i] = "t"
	}
	client := &fakeLLM{tokens: tokens}
	r := newTestRelay(client, &memStore{}, true)

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := r.Open(ctx, Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Consume one increment, then drop the client.
	<-sess.Chunks
	cancel()

	var sawCancel bool
	for chunk := range sess.Chunks {
		if chunk.Error != nil && errors.Is(chunk.Error, context.Canceled) {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Error("cancellation did not propagate to the upstream stream")
	}
}
