// Package store persists conversations, messages, FAQ and AI settings,
// escalations, meetings, and agent checkpoints in PostgreSQL.
//
// Store is the single persistence adapter: the escalation and booking
// services consume narrow slices of it through their own interfaces.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/kestrelhq/kestrel/internal/booking"
	"github.com/kestrelhq/kestrel/internal/conversation"
	"github.com/kestrelhq/kestrel/internal/escalation"
	"github.com/kestrelhq/kestrel/internal/log"
)

// DB is the database surface the store needs. Satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages conversation persistence.
// Safe for concurrent use by multiple goroutines.
type Store struct {
	db     DB
	logger log.Logger
}

// New creates a Store.
func New(db DB, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// GetOrCreateConversation returns the open conversation for (user, channel),
// creating one when none exists. Escalated and closed conversations are not
// reused.
func (s *Store) GetOrCreateConversation(ctx context.Context, userID, channel string) (*Conversation, error) {
	conv, err := s.scanConversation(s.db.QueryRow(ctx, `
		SELECT id, user_id, channel, status, created_at, updated_at
		FROM conversations
		WHERE user_id = $1 AND channel = $2 AND status = 'active'
		ORDER BY updated_at DESC
		LIMIT 1`,
		userID, channel))
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}

	id := uuid.NewString()
	conv, err = s.scanConversation(s.db.QueryRow(ctx, `
		INSERT INTO conversations (id, user_id, channel, status)
		VALUES ($1, $2, $3, 'active')
		RETURNING id, user_id, channel, status, created_at, updated_at`,
		id, userID, channel))
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "user_id", userID, "channel", channel)
	return conv, nil
}

// SaveMessage appends one message row to a conversation.
func (s *Store) SaveMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any) (string, error) {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshaling message metadata: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.Exec(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, role, content, metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		id, conversationID, role, content, metadataJSON)
	if err != nil {
		return "", fmt.Errorf("saving message: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID)
	if err != nil {
		s.logger.Warn("failed to bump conversation timestamp", "conversation_id", conversationID, "error", err)
	}

	return id, nil
}

// GetHistory returns the most recent messages in chronological order.
func (s *Store) GetHistory(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, role, content, metadata, created_at
		FROM (
			SELECT id, conversation_id, role, content, metadata, created_at
			FROM conversation_messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var msgs []StoredMessage
	for rows.Next() {
		var (
			msg          StoredMessage
			metadataJSON []byte
			createdAt    pgtype.Timestamptz
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				s.logger.Warn("failed to parse message metadata", "message_id", msg.ID, "error", err)
			}
		}
		if createdAt.Valid {
			msg.CreatedAt = createdAt.Time
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history rows: %w", err)
	}
	return msgs, nil
}

// GetAISettings returns a user's model settings, or defaults when the user
// has no row.
func (s *Store) GetAISettings(ctx context.Context, userID string) (AISettings, error) {
	var settings AISettings
	err := s.db.QueryRow(ctx, `
		SELECT model_name, system_prompt, temperature, max_tokens, top_p,
		       frequency_penalty, presence_penalty
		FROM ai_settings
		WHERE user_id = $1`,
		userID).Scan(
		&settings.ModelName, &settings.SystemPrompt, &settings.Temperature,
		&settings.MaxTokens, &settings.TopP,
		&settings.FrequencyPenalty, &settings.PresencePenalty)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultAISettings(), nil
	}
	if err != nil {
		return AISettings{}, fmt.Errorf("loading AI settings: %w", err)
	}
	return settings, nil
}

// GetFAQs returns the user's curated FAQ entries.
func (s *Store) GetFAQs(ctx context.Context, userID string) ([]FAQ, error) {
	rows, err := s.db.Query(ctx, `
		SELECT question, variants, answer, category
		FROM faqs
		WHERE user_id = $1
		ORDER BY category, question`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("loading FAQs: %w", err)
	}
	defer rows.Close()

	var faqs []FAQ
	for rows.Next() {
		var faq FAQ
		if err := rows.Scan(&faq.Question, &faq.Variants, &faq.Answer, &faq.Category); err != nil {
			return nil, fmt.Errorf("scanning FAQ: %w", err)
		}
		faqs = append(faqs, faq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading FAQ rows: %w", err)
	}
	return faqs, nil
}

// UpdateConversationStatus sets a conversation's status.
func (s *Store) UpdateConversationStatus(ctx context.Context, conversationID, status string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversations SET status = $2, updated_at = now() WHERE id = $1`,
		conversationID, status)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}
	return nil
}

// CreateEscalation inserts an escalation row. Implements escalation.Store.
func (s *Store) CreateEscalation(ctx context.Context, rec escalation.Record) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO escalations (id, conversation_id, reason, summary, status, assigned_to)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, rec.ConversationID, rec.Reason, rec.Summary, rec.Status, rec.AssignedTo)
	if err != nil {
		return "", fmt.Errorf("creating escalation: %w", err)
	}
	return id, nil
}

// RecentMessages returns the newest transcript rows for escalation email
// context, oldest first. Implements escalation.Store.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]escalation.HistoryEntry, error) {
	msgs, err := s.GetHistory(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]escalation.HistoryEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, escalation.HistoryEntry{
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
	}
	return entries, nil
}

// CreateMeeting inserts a meeting row. Implements booking.Recorder.
func (s *Store) CreateMeeting(ctx context.Context, m booking.Meeting) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO meetings (id, conversation_id, user_id, meeting_url, scheduled_at,
		                      duration_minutes, status, cal_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, m.ConversationID, m.UserID, m.MeetingURL, m.ScheduledAt,
		m.DurationMinutes, m.Status, m.CalEventID)
	if err != nil {
		return "", fmt.Errorf("creating meeting: %w", err)
	}
	return id, nil
}

// SaveCheckpoint persists the agent transcript for a conversation so a
// multi-turn tool-calling sequence survives restarts.
func (s *Store) SaveCheckpoint(ctx context.Context, conversationID string, msgs []conversation.Message) error {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_checkpoints (conversation_id, transcript, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (conversation_id) DO UPDATE
		SET transcript = EXCLUDED.transcript, updated_at = now()`,
		conversationID, payload)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the persisted transcript, or nil when the
// conversation has none.
func (s *Store) LoadCheckpoint(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	var payload []byte
	err := s.db.QueryRow(ctx,
		`SELECT transcript FROM agent_checkpoints WHERE conversation_id = $1`,
		conversationID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	var msgs []conversation.Message
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint: %w", err)
	}
	return msgs, nil
}

func (s *Store) scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		conv      Conversation
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Channel, &conv.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if createdAt.Valid {
		conv.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		conv.UpdatedAt = updatedAt.Time
	}
	return &conv, nil
}

var _ escalation.Store = (*Store)(nil)
var _ booking.Recorder = (*Store)(nil)
