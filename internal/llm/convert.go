package llm

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/kestrelhq/kestrel/internal/conversation"
	"github.com/kestrelhq/kestrel/internal/tools"
)

var (
	// ErrAuth indicates the API rejected the credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrRateLimited indicates the API returned 429.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUnavailable indicates a transient provider-side failure.
	ErrUnavailable = errors.New("model service unavailable")

	// ErrBlocked indicates the response was stopped by safety filters.
	ErrBlocked = errors.New("content blocked by safety filters")

	// ErrEmptyReply indicates the response carried no candidates.
	ErrEmptyReply = errors.New("empty model reply")
)

// toContents converts the transcript to provider contents. System messages
// are collected separately and returned as the system instruction.
func toContents(msgs []conversation.Message) (contents []*genai.Content, system string) {
	for _, msg := range msgs {
		switch msg.Role {
		case conversation.RoleSystem:
			if msg.Content == "" {
				continue
			}
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content

		case conversation.RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))

		case conversation.RoleAssistant:
			if content := assistantContent(msg); content != nil {
				contents = append(contents, content)
			}

		case conversation.RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.ToolName,
						Response: map[string]any{"content": msg.Content},
					},
				}},
			})
		}
	}
	return contents, system
}

func assistantContent(msg conversation.Message) *genai.Content {
	parts := make([]*genai.Part, 0, len(msg.ToolCalls)+1)
	if msg.Content != "" {
		parts = append(parts, genai.NewPartFromText(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		parts = append(parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{
				ID:   call.ID,
				Name: call.Name,
				Args: call.Args,
			},
		})
	}
	if len(parts) == 0 {
		return nil
	}
	return &genai.Content{Role: genai.RoleModel, Parts: parts}
}

// toTools converts tool definitions to provider function declarations.
func toTools(defs []tools.Definition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}

	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		fd := &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
		}
		if def.Parameters != nil {
			fd.Parameters = toSchema(def.Parameters)
		}
		decls = append(decls, fd)
	}

	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func toSchema(s *tools.Schema) *genai.Schema {
	out := &genai.Schema{
		Type:        toType(s.Type),
		Description: s.Description,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toSchema(prop)
		}
	}
	if len(s.Required) > 0 {
		out.Required = s.Required
	}
	if s.Items != nil {
		out.Items = toSchema(s.Items)
	}
	if len(s.Enum) > 0 {
		out.Enum = s.Enum
	}
	return out
}

func toType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// fromResponse converts a provider response to a Reply. Tool calls with no
// id get a synthesized one so the call/response pairing always holds.
func fromResponse(resp *genai.GenerateContentResponse) (*Reply, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, ErrEmptyReply
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, ErrBlocked
	}

	reply := &Reply{}
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			reply.Text += part.Text
		}
		if part.FunctionCall != nil {
			id := part.FunctionCall.ID
			if id == "" {
				id = "tool_call_" + uuid.NewString()
			}
			reply.ToolCalls = append(reply.ToolCalls, conversation.ToolCall{
				ID:   id,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}
	return reply, nil
}

// mapAPIError folds provider errors into the package sentinels.
func mapAPIError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return fmt.Errorf("%w: %s", ErrAuth, apiErr.Message)
		case 429:
			return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
		case 500, 502, 503, 504:
			return fmt.Errorf("%w: %s", ErrUnavailable, apiErr.Message)
		}
	}
	return fmt.Errorf("calling model: %w", err)
}
