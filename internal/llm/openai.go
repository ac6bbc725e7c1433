package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the default OpenAI-compatible API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is the default LLM model to use.
	DefaultModel = "gpt-4o-mini"

	// DefaultTemperature is the default generation temperature.
	DefaultTemperature = 0.7

	// DefaultMaxTokens is the default maximum tokens (0 means no limit).
	DefaultMaxTokens = 0

	// streamDonePayload terminates an SSE chat-completions stream.
	streamDonePayload = "[DONE]"
)

// OpenAIClient implements the Client interface against any OpenAI-compatible
// chat-completions endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	model      string
}

// OpenAIOption is a functional option for configuring OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client for non-streaming calls.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(c *OpenAIClient) {
		c.httpClient = client
	}
}

// WithModel sets the default model for the client.
func WithModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.model = model
	}
}

// NewOpenAIClient creates a new client with the given API key and options.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for generation
		},
		model: DefaultModel,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// chatRequest represents the request body for the chat completions API.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// chatResponse represents a non-streaming chat completions response.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int     `json:"index"`
		Message Message `json:"message"`
	} `json:"choices"`
}

// chatStreamResponse represents one streamed chat completions chunk.
type chatStreamResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Chat sends a message list and returns the complete response text.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	req, err := c.buildRequest(ctx, messages, opts, false)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat API returned no choices")
	}

	return result.Choices[0].Message.Content, nil
}

// ChatStream sends a message list and returns a channel streaming response chunks.
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan StreamChunk, error) {
	req, err := c.buildRequest(ctx, messages, opts, true)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	// No client timeout for streaming; the request context handles cancellation.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat API error (status %d): %s", resp.StatusCode, string(body))
	}

	chunks := make(chan StreamChunk)

	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		// emit never blocks past cancellation: once the consumer abandons the
		// channel the handler's cancel fires, and a bare send here would pin
		// this goroutine forever. Delivery after cancel is best-effort; the
		// channel close is the authoritative termination signal.
		emit := func(c StreamChunk) {
			select {
			case chunks <- c:
			case <-ctx.Done():
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				emit(StreamChunk{Error: ctx.Err(), Done: true})
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			payload := strings.TrimPrefix(line, "data: ")
			if payload == streamDonePayload {
				emit(StreamChunk{Done: true})
				return
			}

			var streamResp chatStreamResponse
			if err := json.Unmarshal([]byte(payload), &streamResp); err != nil {
				emit(StreamChunk{Error: fmt.Errorf("parsing stream chunk: %w", err), Done: true})
				return
			}

			if len(streamResp.Choices) == 0 {
				continue
			}

			select {
			case <-ctx.Done():
				emit(StreamChunk{Error: ctx.Err(), Done: true})
				return
			case chunks <- StreamChunk{Token: streamResp.Choices[0].Delta.Content}:
			}
		}

		if err := scanner.Err(); err != nil {
			emit(StreamChunk{Error: fmt.Errorf("reading stream: %w", err), Done: true})
			return
		}

		// Upstream closed the connection without a [DONE] marker.
		emit(StreamChunk{Error: io.ErrUnexpectedEOF, Done: true})
	}()

	return chunks, nil
}

// buildRequest constructs the HTTP request for the chat completions API.
func (c *OpenAIClient) buildRequest(ctx context.Context, messages []Message, opts GenerateOptions, stream bool) (*http.Request, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	reqBody := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		reqBody.Temperature = &t
	}
	if opts.MaxTokens > 0 {
		reqBody.MaxTokens = opts.MaxTokens
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return req, nil
}

// Ensure OpenAIClient implements the Client interface.
var _ Client = (*OpenAIClient)(nil)
