package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/conversation"
	"github.com/kestrelhq/kestrel/internal/history"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/log"
	"github.com/kestrelhq/kestrel/internal/store"
	"github.com/kestrelhq/kestrel/internal/testutil"
	"github.com/kestrelhq/kestrel/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingPipeline struct {
	chunks []string
	calls  int
}

func (p *countingPipeline) Search(_ context.Context, _, _ string) ([]string, error) {
	p.calls++
	return p.chunks, nil
}

type fakeEscalator struct {
	calls int
}

func (e *fakeEscalator) Escalate(context.Context, string, string, string, float64) (string, error) {
	e.calls++
	return "esc-1", nil
}

type memCheckpointer struct {
	transcripts map[string][]conversation.Message
	saveErr     error
}

func newMemCheckpointer() *memCheckpointer {
	return &memCheckpointer{transcripts: make(map[string][]conversation.Message)}
}

func (c *memCheckpointer) SaveCheckpoint(_ context.Context, id string, msgs []conversation.Message) error {
	if c.saveErr != nil {
		return c.saveErr
	}
	c.transcripts[id] = append([]conversation.Message(nil), msgs...)
	return nil
}

func (c *memCheckpointer) LoadCheckpoint(_ context.Context, id string) ([]conversation.Message, error) {
	return c.transcripts[id], nil
}

func newTestRegistry(pipeline *countingPipeline, escalator *fakeEscalator) *tools.Registry {
	r := tools.NewRegistry(log.NewNop())
	r.Register(tools.Search(pipeline))
	r.Register(tools.EscalateToHuman(escalator))
	return r
}

func newTestAgent(client *testutil.MockLLM, registry *tools.Registry, checkpoints Checkpointer) *Agent {
	hist := history.NewManager(history.Config{
		Strategy:  config.HistoryNone,
		MaxTokens: 8000,
	}, nil, log.NewNop())

	return New(Config{
		Model:         "gemini-2.5-flash",
		MaxTokens:     2048,
		MaxIterations: 5,
		MaxSearches:   2,
	}, client, registry, hist, checkpoints, tools.Invocation{
		UserID:         "user-1",
		ConversationID: "conv-1",
	}, "You are a support assistant.", log.NewNop())
}

func TestRespondDirectAnswerSkipsTools(t *testing.T) {
	pipeline := &countingPipeline{}
	client := &testutil.MockLLM{
		Fallback: llmReply("We are open 9 to 5."),
	}
	agent := newTestAgent(client, newTestRegistry(pipeline, &fakeEscalator{}), nil)

	result := agent.Respond(context.Background(), "What are your opening hours?")

	assert.Equal(t, "We are open 9 to 5.", result.Response)
	assert.Equal(t, "general", result.Intent)
	assert.Equal(t, 0.8, result.Confidence)
	assert.Empty(t, result.Sources)
	assert.False(t, result.Escalated)
	assert.Zero(t, pipeline.calls, "search must not run for a direct answer")

	require.Len(t, client.GenerateCalls, 1)
	first := client.GenerateCalls[0].Messages[0]
	assert.Equal(t, conversation.RoleSystem, first.Role)
}

func TestRespondSearchRoundTrip(t *testing.T) {
	pipeline := &countingPipeline{chunks: []string{"shipping takes 3 days", "returns within 30 days"}}
	client := &testutil.MockLLM{
		Rules: []testutil.Rule{
			{Match: `"chunks"`, Reply: llmReply("Shipping takes 3 days.")},
			{Match: "shipping", Reply: toolReply("call-1", tools.NameSearch,
				map[string]any{"search_query": "shipping"})},
		},
	}
	agent := newTestAgent(client, newTestRegistry(pipeline, &fakeEscalator{}), nil)

	result := agent.Respond(context.Background(), "How long does shipping take?")

	assert.Equal(t, "Shipping takes 3 days.", result.Response)
	assert.Equal(t, []string{"shipping takes 3 days", "returns within 30 days"}, result.Sources)
	assert.Equal(t, 1, pipeline.calls)

	// Second model call sees the assistant tool call and its tool result.
	require.Len(t, client.GenerateCalls, 2)
	msgs := client.GenerateCalls[1].Messages
	require.GreaterOrEqual(t, len(msgs), 4)
	assistant := msgs[len(msgs)-2]
	toolMsg := msgs[len(msgs)-1]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call-1", assistant.ToolCalls[0].ID)
	assert.Equal(t, conversation.RoleTool, toolMsg.Role)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "shipping takes 3 days")
}

func TestRespondEscalationSetsFlag(t *testing.T) {
	escalator := &fakeEscalator{}
	client := &testutil.MockLLM{
		Rules: []testutil.Rule{
			{Match: `"status"`, Reply: llmReply("A team member will contact you shortly.")},
			{Match: "human", Reply: toolReply("call-1", tools.NameEscalateToHuman,
				map[string]any{"reason": "customer_request", "summary": "wants a human"})},
		},
	}
	agent := newTestAgent(client, newTestRegistry(&countingPipeline{}, escalator), nil)

	result := agent.Respond(context.Background(), "I want to talk to a human")

	assert.True(t, result.Escalated)
	assert.Equal(t, 1, escalator.calls)
	assert.Equal(t, "A team member will contact you shortly.", result.Response)
}

func TestRespondModelFailureYieldsApology(t *testing.T) {
	client := &testutil.MockLLM{
		Rules: []testutil.Rule{{Match: "anything", Err: errors.New("rate limited")}},
	}
	agent := newTestAgent(client, newTestRegistry(&countingPipeline{}, &fakeEscalator{}), nil)

	result := agent.Respond(context.Background(), "anything at all")

	assert.Equal(t, "error", result.Intent)
	assert.Zero(t, result.Confidence)
	assert.Empty(t, result.Sources)
	assert.False(t, result.Escalated)
	assert.Contains(t, result.Response, "rate limited")
}

func TestRespondExecutesOnlyFirstToolCall(t *testing.T) {
	pipeline := &countingPipeline{chunks: []string{"a chunk"}}
	escalator := &fakeEscalator{}
	reply := toolReply("call-1", tools.NameSearch, map[string]any{"search_query": "q"})
	reply.ToolCalls = append(reply.ToolCalls, conversation.ToolCall{
		ID: "call-2", Name: tools.NameEscalateToHuman,
		Args: map[string]any{"reason": "r", "summary": "s"},
	})
	client := &testutil.MockLLM{
		Rules: []testutil.Rule{
			{Match: `"chunks"`, Reply: llmReply("done")},
			{Match: "parallel", Reply: reply},
		},
	}
	agent := newTestAgent(client, newTestRegistry(pipeline, escalator), nil)

	result := agent.Respond(context.Background(), "parallel calls please")

	assert.Equal(t, 1, pipeline.calls)
	assert.Zero(t, escalator.calls, "second call must be skipped, not executed")
	assert.False(t, result.Escalated)

	msgs := client.GenerateCalls[1].Messages
	skipped := msgs[len(msgs)-1]
	assert.Equal(t, "call-2", skipped.ToolCallID)
	assert.Contains(t, skipped.Content, "skipped")
}

func TestRespondHidesSearchAfterBudget(t *testing.T) {
	pipeline := &countingPipeline{chunks: []string{"a chunk"}}
	client := &testutil.MockLLM{
		Rules: []testutil.Rule{
			{Match: `"chunks"`, Reply: llmReply("answered")},
			{Match: "question", Reply: toolReply("call-1", tools.NameSearch,
				map[string]any{"search_query": "q"})},
		},
	}
	registry := newTestRegistry(pipeline, &fakeEscalator{})
	hist := history.NewManager(history.Config{Strategy: config.HistoryNone, MaxTokens: 8000}, nil, log.NewNop())
	agent := New(Config{
		Model: "gemini-2.5-flash", MaxTokens: 2048, MaxIterations: 5, MaxSearches: 1,
	}, client, registry, hist, nil, tools.Invocation{UserID: "u", ConversationID: "c"}, "prompt", log.NewNop())

	agent.Respond(context.Background(), "a question")

	require.Len(t, client.GenerateCalls, 2)
	for _, def := range client.GenerateCalls[1].Tools {
		assert.NotEqual(t, tools.NameSearch, def.Name, "search offered after budget spent")
	}
}

func TestRespondIterationCeiling(t *testing.T) {
	pipeline := &countingPipeline{chunks: []string{"chunk"}}
	// Every model call requests another search; the loop must stop at the
	// iteration limit.
	client := &testutil.MockLLM{
		Fallback: toolReply("call-x", tools.NameSearch, map[string]any{"search_query": "q"}),
	}
	agent := newTestAgent(client, newTestRegistry(pipeline, &fakeEscalator{}), nil)

	result := agent.Respond(context.Background(), "loop forever")

	assert.Len(t, client.GenerateCalls, 5)
	assert.NotEmpty(t, result.Response)
}

func TestRespondResumesFromCheckpoint(t *testing.T) {
	checkpoints := newMemCheckpointer()
	client := &testutil.MockLLM{Fallback: llmReply("hello again")}
	agent := newTestAgent(client, newTestRegistry(&countingPipeline{}, &fakeEscalator{}), checkpoints)

	agent.Respond(context.Background(), "first message")
	agent.Respond(context.Background(), "second message")

	require.Len(t, client.GenerateCalls, 2)
	second := client.GenerateCalls[1].Messages

	var contents []string
	for _, msg := range second {
		contents = append(contents, msg.Content)
	}
	joined := strings.Join(contents, "\n")
	assert.Contains(t, joined, "first message")
	assert.Contains(t, joined, "second message")

	saved := checkpoints.transcripts["conv-1"]
	require.NotEmpty(t, saved)
	assert.Equal(t, conversation.RoleAssistant, saved[len(saved)-1].Role)
}

func TestRespondCheckpointSaveFailureDoesNotBreakTurn(t *testing.T) {
	checkpoints := newMemCheckpointer()
	checkpoints.saveErr = errors.New("db down")
	client := &testutil.MockLLM{Fallback: llmReply("fine")}
	agent := newTestAgent(client, newTestRegistry(&countingPipeline{}, &fakeEscalator{}), checkpoints)

	result := agent.Respond(context.Background(), "hello")
	assert.Equal(t, "fine", result.Response)
}

func TestBuildSystemPrompt(t *testing.T) {
	faqs := []store.FAQ{
		{Question: "Opening hours?", Answer: "9 to 5", Category: "general",
			Variants: []string{"when are you open", "horaires"}},
		{Question: "Refund policy?", Answer: "30 days"},
	}
	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)

	prompt := BuildSystemPrompt("Base protocol.", faqs, now)

	assert.True(t, strings.HasPrefix(prompt, "Base protocol."))
	assert.Contains(t, prompt, "Question: Opening hours?")
	assert.Contains(t, prompt, "Variantes: when are you open, horaires")
	assert.Contains(t, prompt, "Réponse: 9 to 5")
	assert.Contains(t, prompt, "Catégorie: general")
	assert.Contains(t, prompt, "Aujourd'hui nous sommes le: 2026-08-23")

	// An empty base falls back to the default protocol.
	fallback := BuildSystemPrompt("  ", nil, now)
	assert.Contains(t, fallback, "FIRST: check the FAQ section")
}

func llmReply(text string) llm.Reply {
	return llm.Reply{Text: text}
}

func toolReply(id, name string, args map[string]any) llm.Reply {
	return llm.Reply{ToolCalls: []conversation.ToolCall{{ID: id, Name: name, Args: args}}}
}
