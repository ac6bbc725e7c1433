package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nakamura-shuta/promptrelay/internal/auth"
	"github.com/nakamura-shuta/promptrelay/internal/llm"
	"github.com/nakamura-shuta/promptrelay/internal/prompt"
	"github.com/nakamura-shuta/promptrelay/internal/relay"
	"github.com/nakamura-shuta/promptrelay/internal/store"
)

// recentConversationLimit caps the conversations listing.
const recentConversationLimit = 10

// Handler holds the HTTP handlers for the relay API.
type Handler struct {
	relay  *relay.Relay
	logger *slog.Logger
	apiKey string
	jwt    *auth.JWTManager
	expiry time.Duration
}

// NewHandler creates the handler set. jwtManager may be nil to disable the
// token endpoint.
func NewHandler(r *relay.Relay, logger *slog.Logger, apiKey string, jwtManager *auth.JWTManager, expiry time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		relay:  r,
		logger: logger,
		apiKey: apiKey,
		jwt:    jwtManager,
		expiry: expiry,
	}
}

// streamMetadata is the out-of-band event sent before the first content
// increment so the client can render provenance before any text arrives.
type streamMetadata struct {
	SessionID  string                `json:"session_id"`
	CreatedAt  time.Time             `json:"created_at"`
	Model      string                `json:"model"`
	Prompt     string                `json:"prompt,omitempty"`
	Messages   []llm.Message         `json:"messages,omitempty"`
	References []prompt.ReferenceDoc `json:"references"`
}

// SubmitChat handles POST /api/chat: a JSON body with prompt, messages, and
// references, answered with an event stream.
func (h *Handler) SubmitChat(w http.ResponseWriter, r *http.Request) {
	var req relay.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	h.streamChat(w, r, req)
}

// SubmitChatQuery handles GET /api/chat: the same semantics with the prompt
// and a JSON-encoded reference list as query parameters, for clients that
// subscribe via EventSource.
func (h *Handler) SubmitChatQuery(w http.ResponseWriter, r *http.Request) {
	req := relay.Request{
		Prompt: r.URL.Query().Get("prompt"),
	}

	if raw := r.URL.Query().Get("references"); raw != "" {
		var refs []prompt.ReferenceDoc
		if err := json.Unmarshal([]byte(raw), &refs); err != nil {
			// Tolerated: proceed with no references rather than failing.
			h.logger.Warn("malformed references parameter, ignoring", "error", err)
		} else {
			req.References = refs
		}
	}

	h.streamChat(w, r, req)
}

// streamChat relays one exchange: metadata event, content increments in
// arrival order, then the end-of-stream sentinel. The request context cancels
// the upstream stream when the client disconnects.
func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, req relay.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := h.relay.Open(ctx, req)
	if err != nil {
		// Nothing has been streamed yet, so a plain error response is still possible.
		switch {
		case errors.Is(err, relay.ErrInvalidRequest):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, relay.ErrCredentialsMissing):
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		default:
			h.logger.Error("failed to open relay stream", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "upstream request failed")
		}
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	meta := streamMetadata{
		SessionID:  sess.ID,
		CreatedAt:  sess.CreatedAt,
		Model:      sess.Model,
		Prompt:     sess.Prompt,
		Messages:   sess.Messages,
		References: sess.References,
	}
	if meta.References == nil {
		meta.References = []prompt.ReferenceDoc{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		h.logger.Error("failed to marshal stream metadata", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := sse.event("metadata", metaJSON); err != nil {
		h.logger.Warn("client gone before metadata", "session_id", sess.ID)
		return
	}

	var response strings.Builder
	for chunk := range sess.Chunks {
		if chunk.Error != nil {
			// Partial increments already delivered stand as-is; the explicit
			// error frame lets the client distinguish truncation from completion.
			h.logger.Error("upstream stream failed mid-flight",
				"session_id", sess.ID, "error", chunk.Error)
			errJSON, _ := json.Marshal(map[string]string{"error": "stream interrupted"})
			_ = sse.event("error", errJSON)
			return
		}

		if chunk.Token != "" {
			response.WriteString(chunk.Token)
			data, err := json.Marshal(map[string]string{"text": chunk.Token})
			if err != nil {
				continue
			}
			if err := sse.data(data); err != nil {
				h.logger.Warn("client disconnected mid-stream", "session_id", sess.ID)
				return
			}
		}

		if chunk.Done {
			break
		}
	}

	if err := sse.done(); err != nil {
		h.logger.Warn("client gone before sentinel", "session_id", sess.ID)
		return
	}

	// Fire-and-forget: the sentinel is already flushed, and recording must
	// neither delay connection teardown nor fail the client-visible stream.
	go h.relay.Record(sess, response.String())
}

// ListConversations handles GET /api/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	records, err := h.relay.ListRecent(r.Context(), recentConversationLimit)
	if err != nil {
		h.logger.Error("failed to list conversations", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if records == nil {
		records = []*store.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetConversation handles GET /api/conversations/{sessionID}.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	rec, err := h.relay.Get(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get conversation", "session_id", sessionID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// IssueToken handles POST /api/token: exchanges the static API key for a
// bearer token.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if h.jwt == nil {
		writeJSONError(w, http.StatusNotFound, "authentication disabled")
		return
	}

	key := strings.TrimSpace(r.Header.Get(auth.APIKeyHeader))
	if key == "" || key != h.apiKey {
		writeJSONError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	var body struct {
		Client string `json:"client,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Client == "" {
		body.Client = "api-client"
	}

	token, err := h.jwt.GenerateToken(body.Client)
	if err != nil {
		h.logger.Error("failed to generate token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(h.expiry.Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
