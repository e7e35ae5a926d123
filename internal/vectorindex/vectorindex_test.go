package vectorindex

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exobrain/knowledge-interface/internal/domain"
)

// TestUpsertAndSearchAgainstLiveQdrant exercises the full upsert/search
// contract against a real Qdrant instance, gated behind an env var since
// there is no in-process fake for the HTTP transport.
func TestUpsertAndSearchAgainstLiveQdrant(t *testing.T) {
	baseURL := os.Getenv("TEST_QDRANT_URL")
	if baseURL == "" {
		t.Skip("set TEST_QDRANT_URL to run against a live qdrant instance")
	}

	logger := zaptest.NewLogger(t)
	idx := New(Config{BaseURL: baseURL, CollectionName: "test_blocks", Dimension: 4}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	blocks := []domain.EmbeddedBlock{{
		Block:        domain.BlockNode{ID: "11111111-1111-1111-1111-111111111111"},
		UniverseID:   domain.CommonUniverseID,
		RootEntityID: "22222222-2222-2222-2222-222222222222",
		UserID:       "user-1",
		Visibility:   domain.VisibilityPrivate,
		Vector:       []float32{1, 0, 0, 0},
		BlockLevel:   0,
		Text:         "hello world",
	}}

	require.NoError(t, idx.Upsert(ctx, blocks))

	hits, err := idx.Search(ctx, []float32{1, 0, 0, 0}, "user-1", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	require.NoError(t, idx.Delete(ctx, []string{blocks[0].Block.ID}))
}

func TestUpsertRejectsMismatchedDimension(t *testing.T) {
	logger := zaptest.NewLogger(t)
	idx := New(Config{BaseURL: "http://unused.invalid", CollectionName: "test_blocks", Dimension: 4}, logger)

	err := idx.Upsert(context.Background(), []domain.EmbeddedBlock{{
		Block:  domain.BlockNode{ID: "11111111-1111-1111-1111-111111111111"},
		Vector: []float32{1, 2},
	}})
	require.Error(t, err)
}

func TestUpsertRejectsEmptyVector(t *testing.T) {
	logger := zaptest.NewLogger(t)
	idx := New(Config{BaseURL: "http://unused.invalid", CollectionName: "test_blocks", Dimension: 4}, logger)

	err := idx.Upsert(context.Background(), []domain.EmbeddedBlock{{
		Block: domain.BlockNode{ID: "11111111-1111-1111-1111-111111111111"},
	}})
	require.Error(t, err)
}
