// Package prompt normalizes incoming chat requests into the canonical message
// list submitted to the model.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nakamura-shuta/promptrelay/internal/llm"
)

// ErrEmptyRequest is returned when neither a prompt nor any messages were supplied.
var ErrEmptyRequest = errors.New("prompt or messages required")

// BaseInstruction is the fixed instruction prepended to every conversation.
const BaseInstruction = "You are a helpful assistant. Answer the user's question accurately and concisely. " +
	"When reference documents are provided below, prefer them over your own knowledge and cite them by number."

// ReferenceDoc is a document used to enrich the synthesized system message.
// It is never sent to the model as a separate field.
type ReferenceDoc struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// Normalize produces the canonical ordered message list for a request.
//
// If messages are supplied they are used verbatim as the conversation history;
// otherwise a single user message is synthesized from prompt. A system message
// built from BaseInstruction and the references (in their given order) replaces
// any existing system message in place, or is inserted at index 0.
//
// Normalize is pure: identical inputs yield identical output, and the input
// slices are not modified.
func Normalize(prompt string, messages []llm.Message, references []ReferenceDoc) ([]llm.Message, error) {
	if len(messages) == 0 && prompt == "" {
		return nil, ErrEmptyRequest
	}

	system := llm.Message{Role: llm.RoleSystem, Content: SystemContent(references)}

	if len(messages) == 0 {
		return []llm.Message{
			system,
			{Role: llm.RoleUser, Content: prompt},
		}, nil
	}

	out := make([]llm.Message, len(messages))
	copy(out, messages)

	for i, m := range out {
		if m.Role == llm.RoleSystem {
			out[i] = system
			return out, nil
		}
	}

	return append([]llm.Message{system}, out...), nil
}

// SystemContent builds the synthesized system message content: the base
// instruction followed by one citation block per reference, 1-indexed, in
// input order. An empty reference list yields the base instruction alone.
func SystemContent(references []ReferenceDoc) string {
	if len(references) == 0 {
		return BaseInstruction
	}

	var sb strings.Builder
	sb.WriteString(BaseInstruction)
	sb.WriteString("\n\nReferences:\n")
	for i, ref := range references {
		sb.WriteString(fmt.Sprintf("[%d] %s - %s\n", i+1, ref.Title, ref.URL))
		if ref.Content != "" {
			sb.WriteString(ref.Content)
			sb.WriteString("\n")
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
