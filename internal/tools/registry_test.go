package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/booking"
	"github.com/kestrelhq/kestrel/internal/conversation"
	"github.com/kestrelhq/kestrel/internal/log"
)

type stubPipeline struct {
	chunks []string
	err    error
	query  string
	userID string
}

func (s *stubPipeline) Search(_ context.Context, userID, query string) ([]string, error) {
	s.userID = userID
	s.query = query
	return s.chunks, s.err
}

type stubEscalator struct {
	id     string
	err    error
	conv   string
	reason string
}

func (s *stubEscalator) Escalate(_ context.Context, conversationID, reason, _ string, _ float64) (string, error) {
	s.conv = conversationID
	s.reason = reason
	return s.id, s.err
}

type stubScheduler struct {
	slots    []booking.Slot
	slotsErr error
	result   booking.Result
	request  booking.Request
}

func (s *stubScheduler) CheckAvailability(_ context.Context, _, _, _ string) ([]booking.Slot, error) {
	return s.slots, s.slotsErr
}

func (s *stubScheduler) CreateBooking(_ context.Context, _, _ string, req booking.Request) booking.Result {
	s.request = req
	return s.result
}

func decode(t *testing.T, msg conversation.Message) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Content), &payload))
	return payload
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(log.NewNop())

	outcome := r.Dispatch(context.Background(), Invocation{}, conversation.ToolCall{
		ID: "call-1", Name: "delete_database",
	})

	assert.Equal(t, conversation.RoleTool, outcome.Message.Role)
	assert.Equal(t, "call-1", outcome.Message.ToolCallID)
	payload := decode(t, outcome.Message)
	assert.Equal(t, "Unknown tool: delete_database", payload["error"])
}

func TestDispatchHandlerError(t *testing.T) {
	r := NewRegistry(log.NewNop())
	r.Register(Definition{Name: "broken"}, func(context.Context, Invocation, map[string]any) (any, error) {
		return nil, errors.New("backend unavailable")
	})

	outcome := r.Dispatch(context.Background(), Invocation{}, conversation.ToolCall{ID: "c", Name: "broken"})
	assert.Equal(t, "backend unavailable", decode(t, outcome.Message)["error"])
}

func TestDispatchRecoversPanic(t *testing.T) {
	r := NewRegistry(log.NewNop())
	r.Register(Definition{Name: "panicky"}, func(context.Context, Invocation, map[string]any) (any, error) {
		panic("nil map write")
	})

	outcome := r.Dispatch(context.Background(), Invocation{}, conversation.ToolCall{ID: "c", Name: "panicky"})
	assert.Contains(t, decode(t, outcome.Message)["error"], "nil map write")
}

func TestDefinitionsOrderAndExclude(t *testing.T) {
	r := NewRegistry(log.NewNop())
	r.Register(Definition{Name: "a"}, nil)
	r.Register(Definition{Name: "b"}, nil)
	r.Register(Definition{Name: "c"}, nil)

	names := func(defs []Definition) []string {
		out := make([]string, len(defs))
		for i, d := range defs {
			out[i] = d.Name
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "c"}, names(r.Definitions()))
	assert.Equal(t, []string{"a", "c"}, names(r.Definitions("b")))
}

func TestSearchCapability(t *testing.T) {
	pipeline := &stubPipeline{chunks: []string{"chunk one", "chunk two"}}
	r := NewRegistry(log.NewNop())
	r.Register(Search(pipeline))

	outcome := r.Dispatch(context.Background(), Invocation{UserID: "user-1"}, conversation.ToolCall{
		ID: "c", Name: NameSearch, Args: map[string]any{"search_query": "pricing"},
	})

	assert.Equal(t, "user-1", pipeline.userID)
	assert.Equal(t, "pricing", pipeline.query)
	assert.Equal(t, []string{"chunk one", "chunk two"}, outcome.Chunks)
	assert.False(t, outcome.Escalated)
}

func TestSearchCapabilityErrorYieldsEmptyChunks(t *testing.T) {
	pipeline := &stubPipeline{err: errors.New("store down")}
	r := NewRegistry(log.NewNop())
	r.Register(Search(pipeline))

	outcome := r.Dispatch(context.Background(), Invocation{UserID: "user-1"}, conversation.ToolCall{
		ID: "c", Name: NameSearch, Args: map[string]any{"search_query": "pricing"},
	})

	payload := decode(t, outcome.Message)
	assert.Equal(t, []any{}, payload["chunks"])
	assert.Empty(t, outcome.Chunks)
}

func TestEscalateCapability(t *testing.T) {
	escalator := &stubEscalator{id: "esc-9"}
	r := NewRegistry(log.NewNop())
	r.Register(EscalateToHuman(escalator))

	outcome := r.Dispatch(context.Background(), Invocation{ConversationID: "conv-1"}, conversation.ToolCall{
		ID: "c", Name: NameEscalateToHuman,
		Args: map[string]any{"reason": "customer_request", "summary": "wants a human"},
	})

	assert.True(t, outcome.Escalated)
	assert.Equal(t, "conv-1", escalator.conv)
	assert.Equal(t, "customer_request", escalator.reason)

	payload := decode(t, outcome.Message)
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, "esc-9", payload["escalation_id"])
}

func TestEscalateCapabilityFailure(t *testing.T) {
	escalator := &stubEscalator{err: errors.New("insert failed")}
	r := NewRegistry(log.NewNop())
	r.Register(EscalateToHuman(escalator))

	outcome := r.Dispatch(context.Background(), Invocation{ConversationID: "conv-1"}, conversation.ToolCall{
		ID: "c", Name: NameEscalateToHuman, Args: map[string]any{"reason": "r", "summary": "s"},
	})

	assert.False(t, outcome.Escalated)
	assert.Equal(t, "error", decode(t, outcome.Message)["status"])
}

func TestCheckAvailabilityCapability(t *testing.T) {
	scheduler := &stubScheduler{slots: []booking.Slot{
		{Start: "2026-09-01T10:00:00Z", End: "2026-09-01T10:00:00Z"},
	}}
	r := NewRegistry(log.NewNop())
	r.Register(CheckAvailability(scheduler))

	outcome := r.Dispatch(context.Background(), Invocation{}, conversation.ToolCall{
		ID: "c", Name: NameCheckAvailability,
		Args: map[string]any{"start_date": "2026-09-01T00:00:00Z", "end_date": "2026-09-02T00:00:00Z"},
	})

	payload := decode(t, outcome.Message)
	assert.Equal(t, float64(1), payload["count"])
	slots := payload["available_slots"].([]any)
	require.Len(t, slots, 1)
}

func TestCheckAvailabilityNotConfigured(t *testing.T) {
	scheduler := &stubScheduler{slotsErr: booking.ErrNotConfigured}
	r := NewRegistry(log.NewNop())
	r.Register(CheckAvailability(scheduler))

	outcome := r.Dispatch(context.Background(), Invocation{}, conversation.ToolCall{
		ID: "c", Name: NameCheckAvailability,
		Args: map[string]any{"start_date": "a", "end_date": "b"},
	})

	payload := decode(t, outcome.Message)
	assert.Equal(t, "cal_not_configured", payload["error"])
	assert.Equal(t, []any{}, payload["available_slots"])
	assert.Contains(t, payload["message"], "not configured")
}

func TestCreateBookingCapability(t *testing.T) {
	scheduler := &stubScheduler{result: booking.Result{
		Success:     true,
		BookingID:   "meet-1",
		MeetingURL:  "https://meet.example.com/x",
		ScheduledAt: "2026-09-01T10:00:00Z",
	}}
	r := NewRegistry(log.NewNop())
	r.Register(CreateBooking(scheduler))

	outcome := r.Dispatch(context.Background(), Invocation{UserID: "u", ConversationID: "conv"}, conversation.ToolCall{
		ID: "c", Name: NameCreateBooking,
		Args: map[string]any{
			"attendee_name":    "Ada Lovelace",
			"attendee_email":   "ada@example.com",
			"start_time":       "2026-09-01T10:00:00Z",
			"duration_minutes": float64(45),
		},
	})

	assert.Equal(t, 45, scheduler.request.DurationMinutes)
	assert.Equal(t, "Ada Lovelace", scheduler.request.AttendeeName)

	payload := decode(t, outcome.Message)
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, "meet-1", payload["booking_id"])
	assert.Contains(t, payload["message"], "Ada Lovelace")
}

func TestCreateBookingCapabilityFailure(t *testing.T) {
	scheduler := &stubScheduler{result: booking.Result{Success: false, ErrorMessage: "slot taken"}}
	r := NewRegistry(log.NewNop())
	r.Register(CreateBooking(scheduler))

	outcome := r.Dispatch(context.Background(), Invocation{}, conversation.ToolCall{
		ID: "c", Name: NameCreateBooking, Args: map[string]any{},
	})

	payload := decode(t, outcome.Message)
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, "slot taken", payload["message"])
}
