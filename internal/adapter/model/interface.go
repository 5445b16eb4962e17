// Package model abstracts the message-model call: a request goes in, a
// stream of text and tool-call chunks comes out, with a usage summary on the
// final chunk.
package model

import (
	"context"
	"encoding/json"

	"github.com/pairforge/pairforge/internal/domain"
)

// ToolResultMessage is a tool's sanitized output fed back into the
// conversation.
type ToolResultMessage struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is one conversation turn as the model sees it.
type Message struct {
	Role        string // user, assistant
	Content     string
	ToolCalls   []domain.ToolCall
	ToolResults []ToolResultMessage
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one completion request.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Chunk is one streamed piece of model output. Done marks the final chunk of
// a successful turn and carries the usage summary.
type Chunk struct {
	Text     string
	ToolCall *domain.ToolCall

	Done         bool
	InputTokens  int64
	OutputTokens int64

	Err error
}

// Client yields a stream of chunks for a request. The returned channel is
// closed when the turn ends, errors included.
type Client interface {
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)
}
