package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/genai"

	"github.com/kestrelhq/kestrel/db"
	"github.com/kestrelhq/kestrel/internal/agent"
	"github.com/kestrelhq/kestrel/internal/booking"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/escalation"
	"github.com/kestrelhq/kestrel/internal/history"
	"github.com/kestrelhq/kestrel/internal/knowledge"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/log"
	"github.com/kestrelhq/kestrel/internal/notify"
	"github.com/kestrelhq/kestrel/internal/observability"
	"github.com/kestrelhq/kestrel/internal/retrieval"
	"github.com/kestrelhq/kestrel/internal/store"
	"github.com/kestrelhq/kestrel/internal/tools"
)

// chatChannel is the channel tag for CLI conversations.
const chatChannel = "cli"

func runChat(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	shutdown := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "kestrel",
	}, logger)
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("trace shutdown failed", "error", err)
		}
	}()

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresURL())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.GeminiAPIKey})
	if err != nil {
		return fmt.Errorf("creating model client: %w", err)
	}

	st := store.New(pool, logger)
	client := llm.NewGemini(llm.NewSDK(genaiClient), cfg.RequestsPerMinute, logger)
	embedder := knowledge.NewGeminiEmbedder(knowledge.NewEmbedSDK(genaiClient), cfg.EmbedderModel)
	documents := knowledge.New(pool, embedder, logger)
	pipeline := retrieval.New(documents, client, cfg.ModelName, logger)

	mailer := notify.NewResend(cfg.ResendAPIKey, logger)
	escalations := escalation.New(st, mailer, cfg.EscalationFrom, cfg.EscalationEmail, logger)
	scheduler := booking.New(cfg, st, logger)

	registry := tools.NewRegistry(logger)
	registry.Register(tools.Search(pipeline))
	registry.Register(tools.EscalateToHuman(escalations))
	registry.Register(tools.CheckAvailability(scheduler))
	registry.Register(tools.CreateBooking(scheduler))

	hist := history.NewManager(history.Config{
		Strategy:         cfg.HistoryStrategy,
		MaxTokens:        cfg.MaxContextTokens,
		SummaryModel:     cfg.SummaryModel,
		SummaryMaxTokens: cfg.SummaryMaxTokens,
	}, client, logger)

	userID := userIDFromEnv()
	conv, err := st.GetOrCreateConversation(ctx, userID, chatChannel)
	if err != nil {
		return fmt.Errorf("opening conversation: %w", err)
	}

	inv := tools.Invocation{UserID: userID, ConversationID: conv.ID}
	ag, err := agent.NewFromSettings(ctx, agent.Config{
		Model:         cfg.ModelName,
		MaxTokens:     cfg.MaxTokens,
		MaxIterations: cfg.MaxIterations,
		MaxSearches:   cfg.MaxSearches,
	}, st, client, registry, hist, st, inv, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	fmt.Printf("kestrel v%s — conversation %s (type /exit to quit)\n\n", AppVersion, conv.ID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/exit" || text == "/quit" {
			break
		}

		if _, err := st.SaveMessage(ctx, conv.ID, "user", text, nil); err != nil {
			logger.Warn("failed to persist user message", "error", err)
		}

		result := ag.Respond(ctx, text)

		if _, err := st.SaveMessage(ctx, conv.ID, "assistant", result.Response, map[string]any{
			"intent":     result.Intent,
			"confidence": result.Confidence,
			"escalated":  result.Escalated,
		}); err != nil {
			logger.Warn("failed to persist assistant message", "error", err)
		}

		fmt.Println(result.Response)
		if len(result.Sources) > 0 {
			fmt.Printf("(%d knowledge sources used)\n", len(result.Sources))
		}
		if result.Escalated {
			fmt.Println("(conversation escalated to human support)")
		}
		fmt.Println()
	}

	return scanner.Err()
}

func userIDFromEnv() string {
	if id := os.Getenv("KESTREL_USER_ID"); id != "" {
		return id
	}
	return "local"
}
