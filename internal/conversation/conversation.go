// Package conversation defines the message model shared by the agent loop,
// the history manager, the tool dispatcher, and the model client.
//
// A transcript is an ordered []Message. Assistant messages may carry tool
// calls; every tool call is answered by exactly one tool message referencing
// the call id. Components synthesize empty or error-marker tool results
// rather than leave a call unanswered, so the transcript always satisfies
// the model API's call/response pairing.
package conversation

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Message is one transcript entry.
//
// ToolCalls is set only on assistant messages. ToolCallID and ToolName are
// set only on tool messages, where Content holds the JSON-encoded result.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// System returns a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User returns a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant returns a plain assistant message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolResult returns a tool message answering the given call.
func ToolResult(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: name}
}

// State carries the mutable per-turn agent state alongside the transcript.
type State struct {
	Messages    []Message
	SearchCount int
	Sources     []string
	ErrMessage  string

	// Escalated is set by the escalation capability's success path, not
	// inferred from the transcript.
	Escalated bool
}

// Result is the structured outcome of one agent turn.
type Result struct {
	Response   string   `json:"response"`
	Intent     string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
	Escalated  bool     `json:"escalated"`
}
