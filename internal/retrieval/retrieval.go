// Package retrieval composes vector search with an LLM rerank pass.
//
// The pipeline fetches the top candidates from the knowledge store, then
// asks a lightweight model to pick the most relevant ones. Rerank problems
// never fail a search: any rerank error or unparseable ranking falls back
// to the first chunks in raw similarity order.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrelhq/kestrel/internal/knowledge"
	"github.com/kestrelhq/kestrel/internal/log"
)

const (
	// fetchLimit is the number of nearest chunks fetched before reranking.
	fetchLimit = 10

	// keepLimit is the maximum number of chunks surviving the rerank.
	keepLimit = 3

	// excerptLength truncates chunk bodies inside the rerank prompt.
	excerptLength = 300
)

// Searcher is the slice of the knowledge store the pipeline needs.
type Searcher interface {
	Search(ctx context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error)
}

// Reranker runs the ranking model call. Satisfied by llm.Client.
type Reranker interface {
	Complete(ctx context.Context, model, prompt string, maxTokens int) (string, error)
}

// Pipeline is the retrieval-rerank pipeline feeding the search capability.
type Pipeline struct {
	store       Searcher
	reranker    Reranker
	rerankModel string
	logger      log.Logger
}

// New creates a Pipeline.
func New(store Searcher, reranker Reranker, rerankModel string, logger log.Logger) *Pipeline {
	return &Pipeline{
		store:       store,
		reranker:    reranker,
		rerankModel: rerankModel,
		logger:      logger,
	}
}

// Search returns up to three chunk bodies relevant to the query, scoped to
// the user's namespace. Score and metadata are dropped at this boundary to
// keep the tool payload compact.
func (p *Pipeline) Search(ctx context.Context, userID, query string) ([]string, error) {
	results, err := p.store.Search(ctx, query,
		knowledge.WithUser(userID),
		knowledge.WithTopK(fetchLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	chunks := make([]string, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, r.Document.Content)
	}

	if len(chunks) <= keepLimit {
		return chunks, nil
	}

	return p.rerank(ctx, query, chunks), nil
}

// rerank asks the model for the most relevant chunk indices. It never
// fails: the first keepLimit chunks in similarity order are the fallback.
func (p *Pipeline) rerank(ctx context.Context, query string, chunks []string) []string {
	ranking, err := p.reranker.Complete(ctx, p.rerankModel, rerankPrompt(query, chunks), 0)
	if err != nil {
		p.logger.Warn("rerank call failed, using similarity order", "error", err)
		return chunks[:keepLimit]
	}

	indices, err := parseIndices(ranking)
	if err != nil {
		p.logger.Warn("rerank response unparseable, using similarity order", "error", err)
		return chunks[:keepLimit]
	}

	selected := make([]string, 0, keepLimit)
	for _, i := range indices {
		if len(selected) == keepLimit {
			break
		}
		if i >= 0 && i < len(chunks) {
			selected = append(selected, chunks[i])
		}
	}
	if len(selected) == 0 {
		return chunks[:keepLimit]
	}
	return selected
}

func rerankPrompt(query string, chunks []string) string {
	var b strings.Builder
	for i, chunk := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		excerpt := chunk
		if len(excerpt) > excerptLength {
			excerpt = excerpt[:excerptLength]
		}
		fmt.Fprintf(&b, "[%d] %s", i, excerpt)
	}

	return fmt.Sprintf(`Given the user question and these text chunks, rank them by relevance.
Return ONLY a JSON array of the top 3 most relevant chunk indices: [0, 2, 5]

Question: %s

Chunks:
%s

Return ONLY a JSON array of indices:`, query, b.String())
}

func parseIndices(text string) ([]int, error) {
	var indices []int
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &indices); err != nil {
		return nil, fmt.Errorf("parsing rerank indices: %w", err)
	}
	return indices, nil
}
