package store

import "time"

// Conversation is one customer thread on a channel.
type Conversation struct {
	ID        string
	UserID    string
	Channel   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredMessage is one persisted transcript row.
type StoredMessage struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// AISettings are the per-user model parameters, with defaults applied when
// the user has no row.
type AISettings struct {
	ModelName        string
	SystemPrompt     string
	Temperature      float32
	MaxTokens        int
	TopP             float32
	FrequencyPenalty float32
	PresencePenalty  float32
}

// FAQ is one curated question/answer pair embedded in the system prompt.
type FAQ struct {
	Question string
	Variants []string
	Answer   string
	Category string
}

// DefaultAISettings returns the settings used when a user has none stored.
func DefaultAISettings() AISettings {
	return AISettings{
		ModelName:   "gemini-2.5-flash",
		Temperature: 0.3,
		MaxTokens:   2048,
		TopP:        1.0,
	}
}
