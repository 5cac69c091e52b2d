// Package escalation hands a conversation over to human support: it records
// the escalation, notifies the assigned inbox by email, and marks the
// conversation as escalated.
package escalation

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/internal/log"
	"github.com/kestrelhq/kestrel/internal/notify"
)

// historyLimit is how many recent messages are included in the
// notification email.
const historyLimit = 10

// StatusEscalated is the conversation status set after a successful
// escalation.
const StatusEscalated = "escalated"

// Record is the persisted escalation request.
type Record struct {
	ConversationID string
	Reason         string
	Summary        string
	Status         string
	AssignedTo     string
}

// HistoryEntry is one transcript row used for email context.
type HistoryEntry struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store is the persistence surface the service needs. Implemented by the
// store package.
type Store interface {
	CreateEscalation(ctx context.Context, rec Record) (string, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]HistoryEntry, error)
	UpdateConversationStatus(ctx context.Context, conversationID, status string) error
}

// Service creates escalations.
type Service struct {
	store  Store
	mailer notify.Mailer
	from   string
	to     string
	logger log.Logger
}

// New creates an escalation service. to is the support inbox that receives
// notifications.
func New(store Store, mailer notify.Mailer, from, to string, logger log.Logger) *Service {
	return &Service{store: store, mailer: mailer, from: from, to: to, logger: logger}
}

// Escalate records the escalation and notifies the support inbox.
// The record is the source of truth: a failed email or status update is
// logged and the escalation still succeeds.
func (s *Service) Escalate(ctx context.Context, conversationID, reason, summary string, confidence float64) (string, error) {
	id, err := s.store.CreateEscalation(ctx, Record{
		ConversationID: conversationID,
		Reason:         reason,
		Summary:        summary,
		Status:         "pending",
		AssignedTo:     s.to,
	})
	if err != nil {
		return "", fmt.Errorf("creating escalation record: %w", err)
	}
	s.logger.Info("escalation record created", "escalation_id", id, "conversation_id", conversationID)

	history, err := s.store.RecentMessages(ctx, conversationID, historyLimit)
	if err != nil {
		s.logger.Warn("failed to load history for escalation email", "error", err)
		history = nil
	}

	email := notify.Email{
		From:    s.from,
		To:      []string{s.to},
		Subject: fmt.Sprintf("Escalation: %s", reason),
		HTML:    emailBody(id, reason, summary, confidence, history),
	}
	if err := s.mailer.Send(ctx, email); err != nil {
		s.logger.Warn("escalation email failed", "escalation_id", id, "error", err)
	}

	if err := s.store.UpdateConversationStatus(ctx, conversationID, StatusEscalated); err != nil {
		s.logger.Error("failed to update conversation status", "conversation_id", conversationID, "error", err)
	}

	return id, nil
}

func emailBody(id, reason, summary string, confidence float64, history []HistoryEntry) string {
	var b strings.Builder
	b.WriteString("<html><body style=\"font-family: Arial, sans-serif;\">")
	fmt.Fprintf(&b, "<h2>Conversation escalated</h2>")
	fmt.Fprintf(&b, "<p><strong>Escalation:</strong> %s</p>", html.EscapeString(id))
	fmt.Fprintf(&b, "<p><strong>Reason:</strong> %s</p>", html.EscapeString(reason))
	fmt.Fprintf(&b, "<p><strong>Summary:</strong> %s</p>", html.EscapeString(summary))
	fmt.Fprintf(&b, "<p><strong>AI confidence:</strong> %d%%</p>", int(confidence*100))

	if len(history) > 0 {
		b.WriteString("<h3>Recent conversation</h3><ul style=\"list-style-type: none; padding-left: 0;\">")
		for _, entry := range history {
			color := "#4CAF50"
			if strings.EqualFold(entry.Role, "user") {
				color = "#2196F3"
			}
			fmt.Fprintf(&b,
				"<li style=\"margin-bottom: 10px; border-left: 3px solid %s; padding-left: 8px;\">"+
					"<strong>%s</strong> <span style=\"color: #666; font-size: 12px;\">(%s)</span>"+
					"<p style=\"margin: 5px 0 0 0;\">%s</p></li>",
				color,
				html.EscapeString(strings.ToUpper(entry.Role)),
				entry.CreatedAt.Format(time.RFC3339),
				html.EscapeString(entry.Content),
			)
		}
		b.WriteString("</ul>")
	}

	b.WriteString("</body></html>")
	return b.String()
}
