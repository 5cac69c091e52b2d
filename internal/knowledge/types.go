package knowledge

import "time"

// VectorDimension is the embedding width stored in the documents table.
// gemini-embedding-001 outputs 3072 dimensions by default; we truncate to
// 1536 via OutputDimensionality and re-normalize (Matryoshka Representation
// Learning). Must match the vector(1536) column in the schema.
const VectorDimension = 1536

// Document is one stored knowledge chunk, scoped to a user namespace.
type Document struct {
	ID        string
	UserID    string
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Result is a single search result with similarity score.
type Result struct {
	Document   Document
	Similarity float32 // cosine similarity (0-1)
}

// SearchOption configures search behavior using the functional options pattern.
type SearchOption func(*searchConfig)

type searchConfig struct {
	topK   int
	userID string
}

// WithTopK sets the maximum number of results to return. Default is 10.
func WithTopK(k int) SearchOption {
	return func(c *searchConfig) {
		c.topK = k
	}
}

// WithUser restricts results to one user's namespace.
func WithUser(userID string) SearchOption {
	return func(c *searchConfig) {
		c.userID = userID
	}
}

func buildSearchConfig(opts []SearchOption) *searchConfig {
	cfg := &searchConfig{topK: 10}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
