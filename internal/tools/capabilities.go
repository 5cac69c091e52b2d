package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/kestrelhq/kestrel/internal/booking"
)

// escalationConfidence is the model's assumed confidence when it chooses to
// escalate rather than answer.
const escalationConfidence = 0.8

// NameSearch and friends are the capability names offered to the model.
const (
	NameSearch            = "search"
	NameEscalateToHuman   = "escalate_to_human"
	NameCheckAvailability = "check_availability"
	NameCreateBooking     = "create_booking"
)

// SearchResult is the search capability payload.
type SearchResult struct {
	Chunks []string `json:"chunks"`
}

// EscalateResult is the escalation capability payload.
type EscalateResult struct {
	Status       string `json:"status"`
	EscalationID string `json:"escalation_id,omitempty"`
	Message      string `json:"message"`
}

// AvailabilityResult is the check_availability capability payload.
type AvailabilityResult struct {
	AvailableSlots []booking.Slot `json:"available_slots"`
	Count          int            `json:"count"`
	Error          string         `json:"error,omitempty"`
	Message        string         `json:"message,omitempty"`
}

// BookingResult is the create_booking capability payload.
type BookingResult struct {
	Status      string `json:"status"`
	BookingID   string `json:"booking_id,omitempty"`
	MeetingURL  string `json:"meeting_url,omitempty"`
	ScheduledAt string `json:"scheduled_at,omitempty"`
	Message     string `json:"message"`
}

// SearchPipeline retrieves knowledge chunks for a user query.
// Implemented by the retrieval package.
type SearchPipeline interface {
	Search(ctx context.Context, userID, query string) ([]string, error)
}

// Escalator hands a conversation to human support.
// Implemented by the escalation package.
type Escalator interface {
	Escalate(ctx context.Context, conversationID, reason, summary string, confidence float64) (string, error)
}

// Scheduler checks and books appointment slots.
// Implemented by the booking package.
type Scheduler interface {
	CheckAvailability(ctx context.Context, startDate, endDate, timeZone string) ([]booking.Slot, error)
	CreateBooking(ctx context.Context, userID, conversationID string, req booking.Request) booking.Result
}

// Search declares the knowledge-base search capability.
// A failed search yields an empty chunk list, never an error payload: the
// model should answer from what it has instead of retrying.
func Search(pipeline SearchPipeline) (Definition, Handler) {
	def := Definition{
		Name:        NameSearch,
		Description: "Search the knowledge base for relevant information. Returns up to 3 relevant text chunks.",
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Schema{
				"search_query": {
					Type:        "string",
					Description: "The text to search for in the knowledge base",
				},
			},
			Required: []string{"search_query"},
		},
	}

	handler := func(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
		chunks, err := pipeline.Search(ctx, inv.UserID, stringArg(args, "search_query"))
		if err != nil || chunks == nil {
			chunks = []string{}
		}
		return SearchResult{Chunks: chunks}, nil
	}

	return def, handler
}

// EscalateToHuman declares the human-handover capability.
func EscalateToHuman(escalator Escalator) (Definition, Handler) {
	def := Definition{
		Name: NameEscalateToHuman,
		Description: "Escalate the conversation to human support when the AI cannot help. " +
			"Use when the customer explicitly requests a human, the issue is too complex, " +
			"the customer is frustrated, or the matter is legal, financial, or sensitive.",
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Schema{
				"reason": {
					Type:        "string",
					Description: "Short reason for escalation (e.g., \"complex_issue\", \"customer_request\")",
				},
				"summary": {
					Type:        "string",
					Description: "Brief summary of the customer's issue and conversation context",
				},
			},
			Required: []string{"reason", "summary"},
		},
	}

	handler := func(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
		id, err := escalator.Escalate(ctx, inv.ConversationID,
			stringArg(args, "reason"), stringArg(args, "summary"), escalationConfidence)
		if err != nil {
			return EscalateResult{
				Status:  "error",
				Message: "Failed to create escalation. Please try again.",
			}, nil
		}
		return EscalateResult{
			Status:       "success",
			EscalationID: id,
			Message:      "Conversation escalated to human support. A team member will contact the customer soon.",
		}, nil
	}

	return def, handler
}

// CheckAvailability declares the slot lookup capability.
func CheckAvailability(scheduler Scheduler) (Definition, Handler) {
	def := Definition{
		Name:        NameCheckAvailability,
		Description: "Check available time slots for booking appointments.",
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Schema{
				"start_date": {
					Type:        "string",
					Description: "Start date in ISO 8601 format (e.g., \"2025-11-20T00:00:00Z\")",
				},
				"end_date": {
					Type:        "string",
					Description: "End date in ISO 8601 format (e.g., \"2025-11-21T00:00:00Z\")",
				},
				"timezone": {
					Type:        "string",
					Description: "Timezone for the slots (default: \"Europe/Paris\")",
				},
			},
			Required: []string{"start_date", "end_date"},
		},
	}

	handler := func(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
		slots, err := scheduler.CheckAvailability(ctx,
			stringArg(args, "start_date"), stringArg(args, "end_date"), stringArg(args, "timezone"))
		if err != nil {
			result := AvailabilityResult{AvailableSlots: []booking.Slot{}, Error: err.Error()}
			if errors.Is(err, booking.ErrNotConfigured) {
				result.Message = "Appointment booking is not configured yet. Please ask the user to connect their scheduling account first."
			}
			return result, nil
		}
		return AvailabilityResult{AvailableSlots: slots, Count: len(slots)}, nil
	}

	return def, handler
}

// CreateBooking declares the appointment booking capability. It does not
// re-verify the slot against a prior availability call; the scheduling
// provider rejects times that are genuinely unavailable.
func CreateBooking(scheduler Scheduler) (Definition, Handler) {
	def := Definition{
		Name: NameCreateBooking,
		Description: "Create an appointment booking. Call check_availability first, confirm the " +
			"chosen slot with the customer, then book with a start_time from available_slots.",
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Schema{
				"attendee_name": {
					Type:        "string",
					Description: "Customer's full name",
				},
				"attendee_email": {
					Type:        "string",
					Description: "Customer's email address",
				},
				"start_time": {
					Type:        "string",
					Description: "Booking start time in ISO 8601 UTC format (e.g., \"2025-11-20T14:00:00Z\")",
				},
				"duration_minutes": {
					Type:        "integer",
					Description: "Meeting duration in minutes (default: 30)",
				},
				"attendee_phone": {
					Type:        "string",
					Description: "Optional phone number in international format (e.g., \"+33612345678\")",
				},
				"timezone": {
					Type:        "string",
					Description: "Customer's timezone (default: \"Europe/Paris\")",
				},
			},
			Required: []string{"attendee_name", "attendee_email", "start_time"},
		},
	}

	handler := func(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
		result := scheduler.CreateBooking(ctx, inv.UserID, inv.ConversationID, booking.Request{
			AttendeeName:    stringArg(args, "attendee_name"),
			AttendeeEmail:   stringArg(args, "attendee_email"),
			AttendeePhone:   stringArg(args, "attendee_phone"),
			StartTime:       stringArg(args, "start_time"),
			DurationMinutes: intArg(args, "duration_minutes", 0),
			TimeZone:        stringArg(args, "timezone"),
		})
		if !result.Success {
			message := result.ErrorMessage
			if message == "" {
				message = "Failed to create booking"
			}
			return BookingResult{Status: "error", Message: message}, nil
		}
		return BookingResult{
			Status:      "success",
			BookingID:   result.BookingID,
			MeetingURL:  result.MeetingURL,
			ScheduledAt: result.ScheduledAt,
			Message:     fmt.Sprintf("Appointment booked successfully for %s", stringArg(args, "attendee_name")),
		}, nil
	}

	return def, handler
}
