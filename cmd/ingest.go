package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/genai"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/knowledge"
	"github.com/kestrelhq/kestrel/internal/log"
)

// runIngest splits a text file into paragraph chunks and upserts them into
// the user's knowledge namespace. Real ingestion pipelines feed the same
// store; this command covers local seeding and debugging.
func runIngest(ctx context.Context, cfg *config.Config, logger log.Logger, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kestrel ingest <file>")
	}
	path := args[0]

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
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

	embedder := knowledge.NewGeminiEmbedder(knowledge.NewEmbedSDK(genaiClient), cfg.EmbedderModel)
	documents := knowledge.New(pool, embedder, logger)

	userID := userIDFromEnv()
	source := filepath.Base(path)
	count := 0
	for _, chunk := range splitParagraphs(string(content)) {
		doc := knowledge.Document{
			ID:      uuid.NewString(),
			UserID:  userID,
			Content: chunk,
			Metadata: map[string]string{
				"source": source,
			},
		}
		if err := documents.Upsert(ctx, doc); err != nil {
			return fmt.Errorf("indexing chunk %d: %w", count, err)
		}
		count++
	}

	fmt.Printf("indexed %d chunks from %s for user %s\n", count, source, userID)
	return nil
}

// splitParagraphs breaks text on blank lines, dropping empty fragments.
func splitParagraphs(text string) []string {
	var chunks []string
	for _, part := range strings.Split(text, "\n\n") {
		part = strings.TrimSpace(part)
		if part != "" {
			chunks = append(chunks, part)
		}
	}
	return chunks
}
