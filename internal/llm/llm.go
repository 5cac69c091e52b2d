// Package llm is the language-model client boundary.
//
// Client is the only surface the agent loop, retrieval pipeline, and history
// manager see; the Gemini implementation lives in gemini.go and converts the
// conversation model to the provider wire format in convert.go.
package llm

import (
	"context"

	"github.com/kestrelhq/kestrel/internal/conversation"
	"github.com/kestrelhq/kestrel/internal/tools"
)

// GenerateRequest is one structured chat completion request.
type GenerateRequest struct {
	Model    string
	Messages []conversation.Message
	Tools    []tools.Definition

	Temperature *float32
	TopP        *float32
	MaxTokens   int
}

// Reply is the model's answer: text and/or requested tool calls.
// Every tool call carries a non-empty id; the client synthesizes one when
// the provider omits it.
type Reply struct {
	Text      string
	ToolCalls []conversation.ToolCall
}

// Client sends chat requests to a completion endpoint.
type Client interface {
	// Generate runs a full chat request with tool definitions.
	Generate(ctx context.Context, req GenerateRequest) (*Reply, error)

	// Complete runs a single-prompt call without tools, used for
	// summarization and reranking.
	Complete(ctx context.Context, model, prompt string, maxTokens int) (string, error)
}
