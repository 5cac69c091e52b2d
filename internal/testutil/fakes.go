package testutil

import (
	"context"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"

	"github.com/kestrelhq/kestrel/internal/knowledge"
	"github.com/kestrelhq/kestrel/internal/llm"
)

// Rule maps a substring of the latest message to a canned model reply.
type Rule struct {
	// Match is a case-insensitive substring checked against the newest
	// non-tool message in the request.
	Match string
	Reply llm.Reply
	Err   error
}

// MockLLM is a deterministic llm.Client for tests. Generate answers with the
// first matching rule, or Fallback when none matches. Complete answers from
// Completions in call order, or CompleteText when the list is exhausted.
type MockLLM struct {
	mu sync.Mutex

	Rules    []Rule
	Fallback llm.Reply

	Completions  []string
	CompleteText string
	CompleteErr  error

	GenerateCalls []llm.GenerateRequest
	CompleteCalls []string

	completeIdx int
}

func (m *MockLLM) Generate(_ context.Context, req llm.GenerateRequest) (*llm.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GenerateCalls = append(m.GenerateCalls, req)

	latest := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Content != "" {
			latest = req.Messages[i].Content
			break
		}
	}
	for _, rule := range m.Rules {
		if strings.Contains(strings.ToLower(latest), strings.ToLower(rule.Match)) {
			if rule.Err != nil {
				return nil, rule.Err
			}
			reply := rule.Reply
			return &reply, nil
		}
	}
	reply := m.Fallback
	return &reply, nil
}

func (m *MockLLM) Complete(_ context.Context, _ string, prompt string, _ int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteCalls = append(m.CompleteCalls, prompt)

	if m.CompleteErr != nil {
		return "", m.CompleteErr
	}
	if m.completeIdx < len(m.Completions) {
		text := m.Completions[m.completeIdx]
		m.completeIdx++
		return text, nil
	}
	return m.CompleteText, nil
}

var _ llm.Client = (*MockLLM)(nil)

// HashEmbedder produces stable pseudo-random unit vectors: the same text
// always embeds to the same vector, and different texts land far apart.
type HashEmbedder struct{}

func (HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	v := make([]float32, knowledge.VectorDimension)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return knowledge.Normalize(v), nil
}

var _ knowledge.Embedder = HashEmbedder{}
