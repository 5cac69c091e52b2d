// Package knowledge stores ingested document chunks with their embeddings
// and serves filtered vector similarity search over PostgreSQL + pgvector.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	"github.com/kestrelhq/kestrel/internal/log"
)

// searchTimeout bounds vector search queries so a slow index scan cannot
// block a turn.
const searchTimeout = 10 * time.Second

// DB is the database surface the store needs. Satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages knowledge documents with vector search.
// Safe for concurrent use by multiple goroutines.
type Store struct {
	db       DB
	embedder Embedder
	logger   log.Logger
}

// New creates a Store.
func New(db DB, embedder Embedder, logger log.Logger) *Store {
	return &Store{db: db, embedder: embedder, logger: logger}
}

// Upsert embeds the document content and inserts or updates the row.
func (s *Store) Upsert(ctx context.Context, doc Document) error {
	vec, err := s.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embedding document %q: %w", doc.ID, err)
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	createdAt := pgtype.Timestamptz{Time: doc.CreatedAt, Valid: !doc.CreatedAt.IsZero()}
	if !createdAt.Valid {
		createdAt = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	}

	embedding := pgvector.NewVector(vec)
	_, err = s.db.Exec(ctx, `
		INSERT INTO documents (id, user_id, content, embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content,
		    embedding = EXCLUDED.embedding,
		    metadata = EXCLUDED.metadata`,
		doc.ID, doc.UserID, doc.Content, embedding, metadataJSON, createdAt)
	if err != nil {
		return fmt.Errorf("upserting document %q: %w", doc.ID, err)
	}

	s.logger.Debug("upserted document", "id", doc.ID, "user_id", doc.UserID, "content_length", len(doc.Content))
	return nil
}

// Search embeds the query and returns the nearest documents by cosine
// distance, optionally restricted to one user's namespace.
func (s *Store) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	cfg := buildSearchConfig(opts)

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(queryCtx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding generation timeout: %w", err)
		}
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	embedding := pgvector.NewVector(vec)

	var rows pgx.Rows
	if cfg.userID != "" {
		rows, err = s.db.Query(queryCtx, `
			SELECT id, user_id, content, metadata, created_at,
			       1 - (embedding <=> $1) AS similarity
			FROM documents
			WHERE user_id = $2
			ORDER BY embedding <=> $1
			LIMIT $3`,
			embedding, cfg.userID, cfg.topK)
	} else {
		rows, err = s.db.Query(queryCtx, `
			SELECT id, user_id, content, metadata, created_at,
			       1 - (embedding <=> $1) AS similarity
			FROM documents
			ORDER BY embedding <=> $1
			LIMIT $2`,
			embedding, cfg.topK)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("search query timeout: %w", err)
		}
		return nil, fmt.Errorf("searching documents: %w", err)
	}
	defer rows.Close()

	return s.scanResults(rows)
}

// DeleteByUser removes all documents in a user's namespace.
func (s *Store) DeleteByUser(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM documents WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("deleting documents for user %q: %w", userID, err)
	}
	s.logger.Debug("deleted user documents", "user_id", userID)
	return nil
}

// Count returns the number of stored documents, scoped to a user when
// userID is non-empty.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	var count int64
	var err error
	if userID != "" {
		err = s.db.QueryRow(ctx, `SELECT count(*) FROM documents WHERE user_id = $1`, userID).Scan(&count)
	} else {
		err = s.db.QueryRow(ctx, `SELECT count(*) FROM documents`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}

	// Overflow protection for 32-bit platforms.
	if count > math.MaxInt {
		return 0, fmt.Errorf("document count %d exceeds platform int capacity", count)
	}
	return int(count), nil
}

func (s *Store) scanResults(rows pgx.Rows) ([]Result, error) {
	var results []Result
	for rows.Next() {
		var (
			doc          Document
			metadataJSON []byte
			createdAt    pgtype.Timestamptz
			similarity   float64
		)
		if err := rows.Scan(&doc.ID, &doc.UserID, &doc.Content, &metadataJSON, &createdAt, &similarity); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
				s.logger.Warn("failed to parse document metadata", "document_id", doc.ID, "error", err)
				doc.Metadata = map[string]string{}
			}
		}
		if createdAt.Valid {
			doc.CreatedAt = createdAt.Time
		}

		results = append(results, Result{Document: doc, Similarity: float32(similarity)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading search rows: %w", err)
	}
	return results, nil
}
