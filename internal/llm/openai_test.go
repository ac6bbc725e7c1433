package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestOpenAIClient_Chat(t *testing.T) {
	var gotBody chatRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		fmt.Fprint(w, `{"id":"x","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"full answer"}}]}`)
	}))
	defer ts.Close()

	c := NewOpenAIClient("test-key", WithBaseURL(ts.URL), WithModel("test-model"))

	got, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, GenerateOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "full answer" {
		t.Errorf("unexpected response %q", got)
	}
	if gotBody.Model != "test-model" {
		t.Errorf("expected default model in request, got %q", gotBody.Model)
	}
	if gotBody.Stream {
		t.Error("non-streaming call requested a stream")
	}
}

func TestOpenAIClient_ChatStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"world\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	c := NewOpenAIClient("test-key", WithBaseURL(ts.URL))

	chunks, err := c.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, GenerateOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sb strings.Builder
	var done bool
	for chunk := range chunks {
		if chunk.Error != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Error)
		}
		sb.WriteString(chunk.Token)
		if chunk.Done {
			done = true
		}
	}

	if !done {
		t.Error("stream never reported completion")
	}
	if got := sb.String(); got != "Hello world" {
		t.Errorf("unexpected concatenated stream %q", got)
	}
}

func TestOpenAIClient_ChatStream_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := NewOpenAIClient("bad-key", WithBaseURL(ts.URL))

	if _, err := c.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, GenerateOptions{}); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestOpenAIClient_ChatStream_MalformedChunk(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: {not valid json\n\n")
	}))
	defer ts.Close()

	c := NewOpenAIClient("test-key", WithBaseURL(ts.URL))

	chunks, err := c.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, GenerateOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sawToken, sawError bool
	for chunk := range chunks {
		if chunk.Token == "ok" {
			sawToken = true
		}
		if chunk.Error != nil {
			sawError = true
		}
	}
	if !sawToken {
		t.Error("valid chunk before the malformed one was dropped")
	}
	if !sawError {
		t.Error("malformed chunk did not surface an error")
	}
}

func TestOpenAIClient_ChatStream_CancelStopsProducer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 200; i++ {
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"t\"}}]}\n\n")
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	c := NewOpenAIClient("test-key", WithBaseURL(ts.URL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks, err := c.ChatStream(ctx, []Message{{Role: RoleUser, Content: "hi"}}, GenerateOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Read one increment, then cancel and walk away without draining the
	// channel, like a handler whose client disconnected.
	<-chunks
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		buf := make([]byte, 1<<20)
		stack := string(buf[:runtime.Stack(buf, true)])
		if !strings.Contains(stack, "ChatStream.func") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream producer goroutine still running after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOpenAIClient_ChatStream_TruncatedStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		// Connection closes without [DONE].
	}))
	defer ts.Close()

	c := NewOpenAIClient("test-key", WithBaseURL(ts.URL))

	chunks, err := c.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, GenerateOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var last StreamChunk
	for chunk := range chunks {
		last = chunk
	}
	if last.Error == nil {
		t.Error("truncated stream should end with an error chunk")
	}
}
