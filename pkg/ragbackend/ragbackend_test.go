package ragbackend

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/sandboxd/pkg/errors"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &Index{client: client, prefix: "test:rag:"}
}

func TestIngestAndSearchRanksByTermOverlap(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	ctx := context.Background()

	n, err := idx.Ingest(ctx, []Document{
		{ID: "doc1", Text: "the quick brown fox"},
		{ID: "doc2", Text: "quick fox jumps"},
		{ID: "doc3", Text: "totally unrelated text"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := idx.Search(ctx, "quick fox", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "doc1", hits[0].ID)
	assert.Equal(t, "doc2", hits[1].ID)
	assert.True(t, hits[0].Score >= hits[1].Score)
}

func TestSearchRespectsTopK(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	ctx := context.Background()

	_, err := idx.Ingest(ctx, []Document{
		{ID: "a", Text: "alpha beta"},
		{ID: "b", Text: "alpha gamma"},
		{ID: "c", Text: "alpha delta"},
	})
	require.NoError(t, err)

	hits, err := idx.Search(ctx, "alpha", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestSearchWithNoMatchingTermsReturnsNoHits(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)

	hits, err := idx.Search(context.Background(), "nonexistent", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIngestSkipsBlankDocuments(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)

	n, err := idx.Ingest(context.Background(), []Document{
		{ID: "", Text: "no id"},
		{ID: "ok", Text: ""},
		{ID: "valid", Text: "some text"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestToolSearchRequiresQuery(t *testing.T) {
	t.Parallel()
	b := &Backend{index: newTestIndex(t)}

	_, err := b.toolSearch(context.Background(), map[string]interface{}{})
	require.Error(t, err)

	var sbErr *errors.Error
	require.ErrorAs(t, err, &sbErr)
	assert.True(t, errors.IsMissingRequiredField(sbErr))
}

func TestToolSearchBeforeWarmupFails(t *testing.T) {
	t.Parallel()
	b := &Backend{}

	_, err := b.toolSearch(context.Background(), map[string]interface{}{"query": "x"})
	require.Error(t, err)

	var sbErr *errors.Error
	require.ErrorAs(t, err, &sbErr)
	assert.True(t, errors.IsBackendNotInitialized(sbErr))
}

func TestToolIngestAndSearchRoundTrip(t *testing.T) {
	t.Parallel()
	b := &Backend{index: newTestIndex(t)}
	ctx := context.Background()

	result, err := b.toolIngest(ctx, map[string]interface{}{
		"documents": []interface{}{
			map[string]interface{}{"id": "d1", "text": "machine learning basics"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.(map[string]interface{})["ingested"])

	result, err = b.toolSearch(ctx, map[string]interface{}{"query": "machine learning"})
	require.NoError(t, err)
	hits := result.(map[string]interface{})["results"].([]Hit)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].ID)
}
