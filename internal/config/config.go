// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.kestrel/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: model selection, temperature, max tokens, embedder
//   - History: compaction strategy and budgets
//   - Storage: PostgreSQL connection (see storage.go)
//   - Scheduling: Cal.com credentials for the booking capability
//   - Escalation: Resend credentials and target inbox
//   - Observability: optional OTLP trace endpoint
//
// Security: sensitive fields (passwords, API keys) are masked in MarshalJSON.
// Validation: range checks in validation.go with sentinel errors for errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidHistoryStrategy indicates an unknown history compaction strategy.
	ErrInvalidHistoryStrategy = errors.New("invalid history strategy")

	// ErrInvalidHistoryBudget indicates a history size budget is out of range.
	ErrInvalidHistoryBudget = errors.New("invalid history budget")

	// ErrInvalidMaxIterations indicates the agent loop ceiling is out of range.
	ErrInvalidMaxIterations = errors.New("invalid max iterations")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// History compaction strategies accepted in Config.HistoryStrategy.
const (
	HistoryNone    = "none"
	HistoryHard    = "hard"
	HistorySummary = "summary"
)

const (
	// DefaultEmbedderModel outputs 3072 dimensions by default but supports
	// truncation via OutputDimensionality. The pgvector schema stores 1536
	// dimensions; see knowledge.VectorDimension.
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultBookingDuration is the meeting length in minutes when the
	// caller does not specify one.
	DefaultBookingDuration = 30

	// DefaultBookingTimeZone is used when the caller omits a time zone.
	DefaultBookingTimeZone = "Europe/Paris"
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// AI model configuration
	GeminiAPIKey string  `mapstructure:"gemini_api_key" json:"gemini_api_key"` // SENSITIVE: masked in MarshalJSON
	ModelName    string  `mapstructure:"model_name" json:"model_name"`
	Temperature  float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens" json:"max_tokens"`

	// Embedding configuration
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Conversation history compaction
	HistoryStrategy    string `mapstructure:"history_strategy" json:"history_strategy"`         // "none", "hard", "summary"
	MaxHistoryMessages int    `mapstructure:"max_history_messages" json:"max_history_messages"` // persistence load limit
	MaxContextTokens   int    `mapstructure:"max_context_tokens" json:"max_context_tokens"`     // compaction token budget
	SummaryModel       string `mapstructure:"summary_model" json:"summary_model"`               // lightweight model for summarization
	SummaryMaxTokens   int    `mapstructure:"summary_max_tokens" json:"summary_max_tokens"`

	// Agent loop limits
	MaxIterations int `mapstructure:"max_iterations" json:"max_iterations"`
	MaxSearches   int `mapstructure:"max_searches" json:"max_searches"`

	// Model API rate limit (requests per minute)
	RequestsPerMinute int `mapstructure:"requests_per_minute" json:"requests_per_minute"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Scheduling (Cal.com). Booking is reported unavailable when the key
	// or event type is missing; see the booking package.
	CalAPIKey       string `mapstructure:"cal_api_key" json:"cal_api_key"` // SENSITIVE: masked in MarshalJSON
	CalEventTypeID  int    `mapstructure:"cal_event_type_id" json:"cal_event_type_id"`
	BookingTimeZone string `mapstructure:"booking_time_zone" json:"booking_time_zone"`
	BookingDuration int    `mapstructure:"booking_duration" json:"booking_duration"`

	// Escalation (Resend email)
	ResendAPIKey    string `mapstructure:"resend_api_key" json:"resend_api_key"` // SENSITIVE: masked in MarshalJSON
	EscalationEmail string `mapstructure:"escalation_email" json:"escalation_email"`
	EscalationFrom  string `mapstructure:"escalation_from" json:"escalation_from"`

	// Observability: OTLP HTTP trace endpoint. Empty disables tracing.
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".kestrel")

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error, defaults apply
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings when set
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// AI defaults
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("temperature", 0.3)
	viper.SetDefault("max_tokens", 2048)
	viper.SetDefault("embedder_model", DefaultEmbedderModel)

	// History defaults
	viper.SetDefault("history_strategy", HistoryHard)
	viper.SetDefault("max_history_messages", 20)
	viper.SetDefault("max_context_tokens", 8000)
	viper.SetDefault("summary_model", "gemini-2.5-flash-lite")
	viper.SetDefault("summary_max_tokens", 300)

	// Loop defaults
	viper.SetDefault("max_iterations", 10)
	viper.SetDefault("max_searches", 2)
	viper.SetDefault("requests_per_minute", 60)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "kestrel")
	viper.SetDefault("postgres_password", "kestrel_dev_password")
	viper.SetDefault("postgres_db_name", "kestrel")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Booking defaults
	viper.SetDefault("booking_time_zone", DefaultBookingTimeZone)
	viper.SetDefault("booking_duration", DefaultBookingDuration)

	// Escalation defaults
	viper.SetDefault("escalation_from", "Kestrel Support <support@notifications.kestrel.dev>")
}

// bindEnvVariables binds environment variables explicitly.
// Secrets come in through the environment only, never the config file.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime error.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("gemini_api_key", "GEMINI_API_KEY")
	mustBind("cal_api_key", "CAL_API_KEY")
	mustBind("cal_event_type_id", "CAL_EVENT_TYPE_ID")
	mustBind("resend_api_key", "RESEND_API_KEY")
	mustBind("escalation_email", "ESCALATION_EMAIL")
	mustBind("otlp_endpoint", "KESTREL_OTLP_ENDPOINT")

	// Model overrides
	mustBind("model_name", "KESTREL_MODEL_NAME")
	mustBind("history_strategy", "KESTREL_HISTORY_STRATEGY")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks (U+2588) avoid substring matching against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 chars or fewer are fully masked to prevent substring
// matching; longer secrets keep the first and last 2 characters for
// debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - GeminiAPIKey
//   - PostgresPassword
//   - CalAPIKey
//   - ResendAPIKey
//
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.GeminiAPIKey = maskSecret(a.GeminiAPIKey)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.CalAPIKey = maskSecret(a.CalAPIKey)
	a.ResendAPIKey = maskSecret(a.ResendAPIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// BookingConfigured reports whether the Cal.com credentials are present.
func (c *Config) BookingConfigured() bool {
	return c.CalAPIKey != "" && c.CalEventTypeID != 0
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
