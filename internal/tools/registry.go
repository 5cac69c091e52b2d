// Package tools declares the agent's callable capabilities and dispatches
// the model's tool calls to them.
//
// Handlers return structured payloads, not errors, for every business
// outcome the model should reason about. The dispatcher converts the rest
// (unknown tools, handler errors, panics) into error payloads so a tool call
// always gets exactly one tool result message.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kestrelhq/kestrel/internal/conversation"
	"github.com/kestrelhq/kestrel/internal/log"
)

// Invocation identifies who the tool call acts for.
type Invocation struct {
	UserID         string
	ConversationID string
}

// Handler executes one capability.
type Handler func(ctx context.Context, inv Invocation, args map[string]any) (any, error)

// Outcome is the dispatch result: the tool message to append to the
// transcript plus the state updates the payload implies.
type Outcome struct {
	Message conversation.Message

	// Escalated is set when the escalation capability succeeded.
	Escalated bool

	// Chunks holds retrieved knowledge chunks from a search call.
	Chunks []string
}

type registered struct {
	def     Definition
	handler Handler
}

// Registry holds the capabilities offered to the model.
type Registry struct {
	tools  map[string]registered
	order  []string
	logger log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger log.Logger) *Registry {
	return &Registry{tools: make(map[string]registered), logger: logger}
}

// Register adds a capability. Registering the same name twice replaces the
// handler but keeps the original position.
func (r *Registry) Register(def Definition, handler Handler) {
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = registered{def: def, handler: handler}
}

// Definitions returns the declarations in registration order, skipping any
// named in exclude.
func (r *Registry) Definitions(exclude ...string) []Definition {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		if skip[name] {
			continue
		}
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Dispatch runs one tool call and returns its outcome. It never fails: every
// failure mode becomes an error payload in the tool message.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation, call conversation.ToolCall) Outcome {
	tool, ok := r.tools[call.Name]
	if !ok {
		r.logger.Warn("model requested unknown tool", "tool", call.Name)
		return Outcome{Message: r.result(call, map[string]any{
			"error": fmt.Sprintf("Unknown tool: %s", call.Name),
		})}
	}

	payload := r.invoke(ctx, tool, inv, call)

	outcome := Outcome{Message: r.result(call, payload)}
	switch v := payload.(type) {
	case EscalateResult:
		outcome.Escalated = v.Status == "success"
	case SearchResult:
		outcome.Chunks = v.Chunks
	}
	return outcome
}

func (r *Registry) invoke(ctx context.Context, tool registered, inv Invocation, call conversation.ToolCall) (payload any) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", call.Name, "panic", p)
			payload = map[string]any{"error": fmt.Sprintf("tool %s failed: %v", call.Name, p)}
		}
	}()

	result, err := tool.handler(ctx, inv, call.Args)
	if err != nil {
		r.logger.Error("tool failed", "tool", call.Name, "error", err)
		return map[string]any{"error": err.Error()}
	}
	return result
}

func (r *Registry) result(call conversation.ToolCall, payload any) conversation.Message {
	encoded, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("tool result not serializable", "tool", call.Name, "error", err)
		encoded = []byte(`{"error":"tool result not serializable"}`)
	}
	return conversation.ToolResult(call.ID, call.Name, string(encoded))
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// intArg reads an integer argument. JSON numbers arrive as float64.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
