package sampling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-session-go/mcp"
)

// Role is the author of a sampling message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation handed to the client's model.
type Message struct {
	Role    Role             `json:"role"`
	Content mcp.ContentBlock `json:"content"`
}

// Request is a sampling/createMessage request.
type Request struct {
	Messages      []Message `json:"messages"`
	SystemPrompt  string    `json:"systemPrompt,omitzero"`
	MaxTokens     int       `json:"maxTokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	StopSequences []string  `json:"stopSequences,omitempty"`
}

// Result is the client's answer to a sampling request.
type Result struct {
	Role       Role             `json:"role"`
	Content    mcp.ContentBlock `json:"content"`
	Model      string           `json:"model"`
	StopReason string           `json:"stopReason,omitzero"`
}

// DefaultMaxTokens is used when no WithMaxTokens option is given.
const DefaultMaxTokens = 512

// TextBlock constructs a text content block.
func TextBlock(text string) mcp.ContentBlock {
	return mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text}
}

// UserText returns a user message with a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: TextBlock(text)}
}

// AssistantText returns an assistant message with a single text block.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: TextBlock(text)}
}

// Option mutates a Request during construction.
type Option func(*Request)

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(r *Request) { r.SystemPrompt = prompt }
}

// WithMaxTokens sets the MaxTokens field.
func WithMaxTokens(n int) Option {
	return func(r *Request) { r.MaxTokens = n }
}

// WithTemperature sets the Temperature field.
func WithTemperature(t float64) Option {
	return func(r *Request) { r.Temperature = &t }
}

// WithStopSequences sets stop sequences.
func WithStopSequences(stops ...string) Option {
	return func(r *Request) { r.StopSequences = append([]string(nil), stops...) }
}

// New constructs a Request with the provided messages and options.
func New(msgs []Message, opts ...Option) Request {
	r := Request{Messages: append([]Message(nil), msgs...), MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// Validate performs sanity checks before the request is sent.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return errors.New("no messages provided")
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
		if m.Content.Type == "" {
			return fmt.Errorf("message %d: empty content type", i)
		}
	}
	if r.MaxTokens <= 0 {
		return errors.New("maxTokens must be positive")
	}
	return nil
}

// Encode validates r and renders the wire payload.
func (r Request) Encode() (mcp.CreateMessageRequest, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeResult parses a sampling result.
func DecodeResult(raw json.RawMessage) (Result, error) {
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("decode sampling result: %w", err)
	}
	if res.Content.Type == "" {
		return Result{}, errors.New("sampling result has no content")
	}
	return res, nil
}
