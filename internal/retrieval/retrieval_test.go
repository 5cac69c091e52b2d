package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/knowledge"
	"github.com/kestrelhq/kestrel/internal/log"
)

type stubStore struct {
	results []knowledge.Result
	err     error
}

func (s *stubStore) Search(_ context.Context, _ string, _ ...knowledge.SearchOption) ([]knowledge.Result, error) {
	return s.results, s.err
}

type stubReranker struct {
	response string
	err      error
	called   bool
}

func (s *stubReranker) Complete(_ context.Context, _, _ string, _ int) (string, error) {
	s.called = true
	return s.response, s.err
}

func chunkResults(n int) []knowledge.Result {
	results := make([]knowledge.Result, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, knowledge.Result{
			Document: knowledge.Document{Content: fmt.Sprintf("chunk-%d", i)},
		})
	}
	return results
}

func TestSearchEmptyStore(t *testing.T) {
	p := New(&stubStore{}, &stubReranker{}, "rerank-model", log.NewNop())

	chunks, err := p.Search(context.Background(), "user-1", "anything")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSearchThreeOrFewerSkipsRerank(t *testing.T) {
	rr := &stubReranker{}
	p := New(&stubStore{results: chunkResults(3)}, rr, "rerank-model", log.NewNop())

	chunks, err := p.Search(context.Background(), "user-1", "question")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk-0", "chunk-1", "chunk-2"}, chunks)
	assert.False(t, rr.called, "rerank must not run for <=3 chunks")
}

func TestSearchRerankSelectsIndices(t *testing.T) {
	rr := &stubReranker{response: "[7, 0, 4]"}
	p := New(&stubStore{results: chunkResults(11)}, rr, "rerank-model", log.NewNop())

	chunks, err := p.Search(context.Background(), "user-1", "question")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk-7", "chunk-0", "chunk-4"}, chunks)
	assert.True(t, rr.called)
}

func TestSearchRerankIgnoresOutOfRangeIndices(t *testing.T) {
	rr := &stubReranker{response: "[42, 1, -3, 2, 0]"}
	p := New(&stubStore{results: chunkResults(5)}, rr, "rerank-model", log.NewNop())

	chunks, err := p.Search(context.Background(), "user-1", "question")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk-1", "chunk-2", "chunk-0"}, chunks)
}

func TestSearchRerankFailureFallsBack(t *testing.T) {
	rr := &stubReranker{err: errors.New("model down")}
	p := New(&stubStore{results: chunkResults(11)}, rr, "rerank-model", log.NewNop())

	// Deterministic fallback: first three in similarity order, same on
	// every run.
	for range 3 {
		chunks, err := p.Search(context.Background(), "user-1", "question")
		require.NoError(t, err)
		assert.Equal(t, []string{"chunk-0", "chunk-1", "chunk-2"}, chunks)
	}
}

func TestSearchRerankGarbageFallsBack(t *testing.T) {
	rr := &stubReranker{response: "the most relevant chunks are 1 and 2"}
	p := New(&stubStore{results: chunkResults(6)}, rr, "rerank-model", log.NewNop())

	chunks, err := p.Search(context.Background(), "user-1", "question")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk-0", "chunk-1", "chunk-2"}, chunks)
}

func TestSearchStoreErrorPropagates(t *testing.T) {
	p := New(&stubStore{err: errors.New("connection refused")}, &stubReranker{}, "rerank-model", log.NewNop())

	_, err := p.Search(context.Background(), "user-1", "question")
	assert.Error(t, err)
}
