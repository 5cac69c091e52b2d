//go:build integration
// +build integration

package knowledge_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/knowledge"
	"github.com/kestrelhq/kestrel/internal/log"
	"github.com/kestrelhq/kestrel/internal/testutil"
)

// Run with: go test -tags=integration ./internal/knowledge/...

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := testutil.SetupTestDB(t)
	store := knowledge.New(testDB.Pool, testutil.HashEmbedder{}, log.NewNop())

	docs := []string{
		"Our support team is available Monday to Friday.",
		"Shipping within Europe takes 3 to 5 business days.",
		"Refunds are processed within 14 days of the return.",
	}
	for i, content := range docs {
		require.NoError(t, store.Upsert(ctx, knowledge.Document{
			ID:      fmt.Sprintf("doc-%d", i),
			UserID:  "user-1",
			Content: content,
			Metadata: map[string]string{
				"source": "faq.txt",
			},
		}))
	}
	require.NoError(t, store.Upsert(ctx, knowledge.Document{
		ID: "other-doc", UserID: "user-2", Content: "unrelated tenant data",
	}))

	t.Run("count scoped by user", func(t *testing.T) {
		count, err := store.Count(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		total, err := store.Count(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 4, total)
	})

	t.Run("search respects user filter and limit", func(t *testing.T) {
		results, err := store.Search(ctx, "how long is shipping",
			knowledge.WithUser("user-1"), knowledge.WithTopK(2))
		require.NoError(t, err)
		require.Len(t, results, 2)
		for _, r := range results {
			assert.Equal(t, "user-1", r.Document.UserID)
			assert.Equal(t, "faq.txt", r.Document.Metadata["source"])
		}
	})

	t.Run("identical text ranks first", func(t *testing.T) {
		// The deterministic embedder maps equal text to equal vectors,
		// so an exact query must come back as the closest match.
		results, err := store.Search(ctx, docs[1], knowledge.WithUser("user-1"), knowledge.WithTopK(3))
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "doc-1", results[0].Document.ID)
		assert.InDelta(t, 1.0, float64(results[0].Similarity), 0.001)
	})

	t.Run("upsert replaces content", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, knowledge.Document{
			ID: "doc-0", UserID: "user-1", Content: "Support hours changed to weekends only.",
		}))
		count, err := store.Count(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 3, count, "upsert must not duplicate rows")
	})

	t.Run("delete by user", func(t *testing.T) {
		require.NoError(t, store.DeleteByUser(ctx, "user-1"))
		count, err := store.Count(ctx, "user-1")
		require.NoError(t, err)
		assert.Zero(t, count)

		remaining, err := store.Count(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, remaining, "other tenants unaffected")
	})
}
