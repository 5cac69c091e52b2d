// Package agent runs the conversational loop: compact history, call the
// model, dispatch the requested tool, repeat until the model answers in
// plain text.
//
// One Agent serves one conversation turn stream. Failures never propagate to
// the caller: every turn ends in a Result, degraded to an apology when the
// model is unreachable.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelhq/kestrel/internal/conversation"
	"github.com/kestrelhq/kestrel/internal/history"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/log"
	"github.com/kestrelhq/kestrel/internal/store"
	"github.com/kestrelhq/kestrel/internal/tools"
)

const (
	intentGeneral = "general"
	intentError   = "error"

	// answerConfidence is the fixed confidence reported for a completed
	// turn. There is no per-answer scoring model.
	answerConfidence = 0.8
)

// Checkpointer persists the transcript between turns, keyed by conversation
// id. Implemented by the store package.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, conversationID string, msgs []conversation.Message) error
	LoadCheckpoint(ctx context.Context, conversationID string) ([]conversation.Message, error)
}

// SettingsSource supplies the per-user model settings and FAQ entries used
// to build the system prompt. Implemented by the store package.
type SettingsSource interface {
	GetAISettings(ctx context.Context, userID string) (store.AISettings, error)
	GetFAQs(ctx context.Context, userID string) ([]store.FAQ, error)
}

// Config bounds one agent's model calls and loop.
type Config struct {
	Model       string
	Temperature *float32
	TopP        *float32
	MaxTokens   int

	// MaxIterations caps model calls per turn so a tool-happy model
	// cannot loop forever.
	MaxIterations int

	// MaxSearches caps search tool calls per turn. Once reached, the
	// search tool is no longer offered to the model.
	MaxSearches int
}

// Agent is the per-conversation loop runner.
type Agent struct {
	cfg          Config
	client       llm.Client
	registry     *tools.Registry
	history      *history.Manager
	checkpoints  Checkpointer
	inv          tools.Invocation
	systemPrompt string
	logger       log.Logger
}

// New creates an agent bound to one conversation. checkpoints may be nil to
// disable transcript persistence.
func New(cfg Config, client llm.Client, registry *tools.Registry, hist *history.Manager,
	checkpoints Checkpointer, inv tools.Invocation, systemPrompt string, logger log.Logger) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	return &Agent{
		cfg:          cfg,
		client:       client,
		registry:     registry,
		history:      hist,
		checkpoints:  checkpoints,
		inv:          inv,
		systemPrompt: systemPrompt,
		logger:       logger,
	}
}

// NewFromSettings builds the agent for a conversation using the user's
// stored model settings and FAQ entries. Settings fields left empty fall
// back to the given config.
func NewFromSettings(ctx context.Context, cfg Config, settings SettingsSource, client llm.Client,
	registry *tools.Registry, hist *history.Manager, checkpoints Checkpointer,
	inv tools.Invocation, logger log.Logger) (*Agent, error) {

	aiSettings, err := settings.GetAISettings(ctx, inv.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading AI settings: %w", err)
	}
	if aiSettings.ModelName != "" {
		cfg.Model = aiSettings.ModelName
	}
	if aiSettings.MaxTokens > 0 {
		cfg.MaxTokens = aiSettings.MaxTokens
	}
	temperature := aiSettings.Temperature
	topP := aiSettings.TopP
	cfg.Temperature = &temperature
	cfg.TopP = &topP

	faqs, err := settings.GetFAQs(ctx, inv.UserID)
	if err != nil {
		logger.Error("failed to load FAQs for system prompt", "user_id", inv.UserID, "error", err)
		faqs = nil
	}

	prompt := BuildSystemPrompt(aiSettings.SystemPrompt, faqs, time.Now())
	return New(cfg, client, registry, hist, checkpoints, inv, prompt, logger), nil
}

// Respond runs one full agent turn for a user message and returns the
// structured outcome. It never returns an error; total failure degrades to
// an apology Result with zero confidence.
func (a *Agent) Respond(ctx context.Context, text string) conversation.Result {
	state := &conversation.State{}

	if a.checkpoints != nil {
		msgs, err := a.checkpoints.LoadCheckpoint(ctx, a.inv.ConversationID)
		if err != nil {
			a.logger.Error("failed to load checkpoint", "conversation_id", a.inv.ConversationID, "error", err)
		} else {
			state.Messages = msgs
		}
	}
	if len(state.Messages) == 0 {
		state.Messages = []conversation.Message{conversation.System(a.systemPrompt)}
	}
	state.Messages = append(state.Messages, conversation.User(text))

	result := a.run(ctx, state)

	if a.checkpoints != nil {
		if err := a.checkpoints.SaveCheckpoint(ctx, a.inv.ConversationID, state.Messages); err != nil {
			a.logger.Error("failed to save checkpoint", "conversation_id", a.inv.ConversationID, "error", err)
		}
	}

	return result
}

func (a *Agent) run(ctx context.Context, state *conversation.State) conversation.Result {
	for iteration := 0; iteration < a.cfg.MaxIterations; iteration++ {
		if update := a.history.Compact(ctx, state.Messages); update != nil {
			state.Messages = update.Messages
		}

		// A transcript ending on an assistant message means compaction
		// itself answered the turn with a diagnostic.
		if last, ok := lastMessage(state.Messages); ok && last.Role == conversation.RoleAssistant {
			return a.finish(state, last.Content)
		}

		reply, err := a.client.Generate(ctx, llm.GenerateRequest{
			Model:       a.cfg.Model,
			Messages:    state.Messages,
			Tools:       a.availableTools(state),
			Temperature: a.cfg.Temperature,
			TopP:        a.cfg.TopP,
			MaxTokens:   a.cfg.MaxTokens,
		})
		if err != nil {
			a.logger.Error("model call failed", "conversation_id", a.inv.ConversationID, "error", err)
			state.ErrMessage = err.Error()
			apology := fmt.Sprintf("Désolé, une erreur s'est produite: %v", err)
			state.Messages = append(state.Messages, conversation.Assistant(apology))
			return conversation.Result{
				Response:   apology,
				Intent:     intentError,
				Confidence: 0,
				Sources:    []string{},
			}
		}

		state.Messages = append(state.Messages, conversation.Message{
			Role:      conversation.RoleAssistant,
			Content:   reply.Text,
			ToolCalls: reply.ToolCalls,
		})

		if len(reply.ToolCalls) == 0 {
			return a.finish(state, reply.Text)
		}

		a.dispatch(ctx, state, reply.ToolCalls)
	}

	a.logger.Warn("iteration limit reached", "conversation_id", a.inv.ConversationID,
		"limit", a.cfg.MaxIterations)
	response := ""
	if last, ok := lastMessage(state.Messages); ok {
		response = last.Content
	}
	return a.finish(state, response)
}

// dispatch executes the first requested tool and synthesizes skip markers
// for the rest, so every call id gets exactly one tool result.
func (a *Agent) dispatch(ctx context.Context, state *conversation.State, calls []conversation.ToolCall) {
	first := calls[0]
	a.logger.Info("dispatching tool", "tool", first.Name, "conversation_id", a.inv.ConversationID)

	outcome := a.registry.Dispatch(ctx, a.inv, first)
	state.Messages = append(state.Messages, outcome.Message)

	if first.Name == tools.NameSearch {
		state.SearchCount++
		state.Sources = append(state.Sources, outcome.Chunks...)
	}
	if outcome.Escalated {
		state.Escalated = true
	}

	for _, call := range calls[1:] {
		state.Messages = append(state.Messages, conversation.ToolResult(call.ID, call.Name,
			`{"error":"skipped: only one tool call is executed per turn"}`))
	}
}

// availableTools hides the search tool once the per-turn search budget is
// spent.
func (a *Agent) availableTools(state *conversation.State) []tools.Definition {
	if a.cfg.MaxSearches > 0 && state.SearchCount >= a.cfg.MaxSearches {
		return a.registry.Definitions(tools.NameSearch)
	}
	return a.registry.Definitions()
}

func (a *Agent) finish(state *conversation.State, response string) conversation.Result {
	if response == "" {
		response = "Désolé, je n'ai pas pu générer de réponse."
	}
	sources := state.Sources
	if sources == nil {
		sources = []string{}
	}
	return conversation.Result{
		Response:   response,
		Intent:     intentGeneral,
		Confidence: answerConfidence,
		Sources:    sources,
		Escalated:  state.Escalated,
	}
}

func lastMessage(msgs []conversation.Message) (conversation.Message, bool) {
	if len(msgs) == 0 {
		return conversation.Message{}, false
	}
	return msgs[len(msgs)-1], true
}
