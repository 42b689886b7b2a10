package vectordb

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, store Store, name string, dimension int) {
	t.Helper()
	require.NoError(t, store.CreateIndex(context.Background(), IndexSpec{
		Name:      name,
		Dimension: dimension,
		Metric:    MetricCosine,
	}))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(&Config{})
	newTestIndex(t, store, "docs", 4)

	t.Run("ShouldUpsertAndSearchByCosine", func(t *testing.T) {
		records := []Record{
			{ID: "a", Text: "alpha", Embedding: []float32{1, 0, 0, 0}, Metadata: map[string]any{"kind": "one"}},
			{ID: "b", Text: "bravo", Embedding: []float32{0, 1, 0, 0}, Metadata: map[string]any{"kind": "two"}},
		}
		require.NoError(t, store.Upsert(ctx, "docs", records))
		matches, err := store.Search(ctx, "docs", []float32{1, 0, 0, 0}, SearchOptions{TopK: 1})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "a", matches[0].ID)
		assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
	})

	t.Run("ShouldFilterByMetadata", func(t *testing.T) {
		matches, err := store.Search(
			ctx,
			"docs",
			[]float32{0, 1, 0, 0},
			SearchOptions{TopK: 2, Filters: map[string]string{"kind": "two"}},
		)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "b", matches[0].ID)
	})

	t.Run("ShouldDeleteByID", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "docs", Filter{IDs: []string{"a"}}))
		matches, err := store.Search(ctx, "docs", []float32{1, 0, 0, 0}, SearchOptions{TopK: 2, MinScore: 0.5})
		require.NoError(t, err)
		require.Len(t, matches, 0)
	})

	t.Run("ShouldDeleteByMetadataFilter", func(t *testing.T) {
		other := newMemoryStore(&Config{})
		newTestIndex(t, other, "docs", 2)
		records := []Record{
			{ID: "x", Embedding: []float32{1, 0}, Metadata: map[string]any{"source_id": "doc-1"}},
			{ID: "y", Embedding: []float32{0, 1}, Metadata: map[string]any{"source_id": "doc-2"}},
		}
		require.NoError(t, other.Upsert(ctx, "docs", records))
		require.NoError(t, other.Delete(ctx, "docs", Filter{Metadata: map[string]string{"source_id": "doc-1"}}))
		matches, err := other.Search(ctx, "docs", []float32{1, 0}, SearchOptions{TopK: 5})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "y", matches[0].ID)
	})

	t.Run("ShouldFailUpsertWhenDimensionMismatch", func(t *testing.T) {
		err := store.Upsert(ctx, "docs", []Record{{ID: "bad", Embedding: []float32{1, 1, 1}}})
		require.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("ShouldRejectWholeBatchWhenOneRecordMismatches", func(t *testing.T) {
		other := newMemoryStore(&Config{})
		newTestIndex(t, other, "docs", 2)
		err := other.Upsert(ctx, "docs", []Record{
			{ID: "good", Embedding: []float32{1, 0}},
			{ID: "bad", Embedding: []float32{1, 0, 0}},
		})
		require.ErrorIs(t, err, ErrDimensionMismatch)
		matches, err := other.Search(ctx, "docs", []float32{1, 0}, SearchOptions{TopK: 5})
		require.NoError(t, err)
		assert.Len(t, matches, 0)
	})

	t.Run("ShouldFailSearchWhenQueryDimensionMismatch", func(t *testing.T) {
		_, err := store.Search(ctx, "docs", []float32{1, 0, 0}, SearchOptions{TopK: 1})
		require.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("ShouldFailSearchWhenIndexUnknown", func(t *testing.T) {
		_, err := store.Search(ctx, "missing", []float32{1, 0, 0, 0}, SearchOptions{TopK: 1})
		require.ErrorIs(t, err, ErrIndexNotFound)
	})

	t.Run("ShouldRespectTopKWhenExceedingAvailableRecords", func(t *testing.T) {
		other := newMemoryStore(&Config{})
		newTestIndex(t, other, "docs", 2)
		records := []Record{
			{ID: "d", Text: "delta", Embedding: []float32{1, 0}},
			{ID: "e", Text: "echo", Embedding: []float32{0, 1}},
		}
		require.NoError(t, other.Upsert(ctx, "docs", records))
		matches, err := other.Search(ctx, "docs", []float32{1, 0}, SearchOptions{TopK: 10})
		require.NoError(t, err)
		require.Len(t, matches, 2)
	})
}

func TestMemoryStoreCreateIndex(t *testing.T) {
	ctx := context.Background()

	t.Run("ShouldBeIdempotentForMatchingDimension", func(t *testing.T) {
		store := newMemoryStore(&Config{})
		spec := IndexSpec{Name: "docs", Dimension: 3, Metric: MetricCosine}
		require.NoError(t, store.CreateIndex(ctx, spec))
		require.NoError(t, store.CreateIndex(ctx, spec))
	})

	t.Run("ShouldRejectRecreateWithDifferentDimension", func(t *testing.T) {
		store := newMemoryStore(&Config{})
		require.NoError(t, store.CreateIndex(ctx, IndexSpec{Name: "docs", Dimension: 3}))
		err := store.CreateIndex(ctx, IndexSpec{Name: "docs", Dimension: 4})
		require.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("ShouldRejectInvalidSpec", func(t *testing.T) {
		store := newMemoryStore(&Config{})
		require.Error(t, store.CreateIndex(ctx, IndexSpec{Name: "", Dimension: 3}))
		require.Error(t, store.CreateIndex(ctx, IndexSpec{Name: "docs", Dimension: 0}))
		require.Error(t, store.CreateIndex(ctx, IndexSpec{Name: "docs", Dimension: 3, Metric: "euclidean"}))
	})
}

func TestMemoryStoreOrdering(t *testing.T) {
	ctx := context.Background()

	t.Run("ShouldBreakScoreTiesByInsertionOrder", func(t *testing.T) {
		store := newMemoryStore(&Config{})
		newTestIndex(t, store, "docs", 2)
		// identical vectors produce identical scores
		records := []Record{
			{ID: "first", Embedding: []float32{1, 1}},
			{ID: "second", Embedding: []float32{1, 1}},
			{ID: "third", Embedding: []float32{1, 1}},
		}
		require.NoError(t, store.Upsert(ctx, "docs", records))
		matches, err := store.Search(ctx, "docs", []float32{1, 1}, SearchOptions{TopK: 3})
		require.NoError(t, err)
		require.Len(t, matches, 3)
		assert.Equal(t, "first", matches[0].ID)
		assert.Equal(t, "second", matches[1].ID)
		assert.Equal(t, "third", matches[2].ID)
	})

	t.Run("ShouldSortByDescendingScore", func(t *testing.T) {
		store := newMemoryStore(&Config{})
		newTestIndex(t, store, "docs", 2)
		records := []Record{
			{ID: "far", Embedding: []float32{0, 1}},
			{ID: "near", Embedding: []float32{1, 0.1}},
			{ID: "exact", Embedding: []float32{1, 0}},
		}
		require.NoError(t, store.Upsert(ctx, "docs", records))
		matches, err := store.Search(ctx, "docs", []float32{1, 0}, SearchOptions{TopK: 3})
		require.NoError(t, err)
		require.Len(t, matches, 3)
		assert.Equal(t, "exact", matches[0].ID)
		assert.Equal(t, "near", matches[1].ID)
		assert.Equal(t, "far", matches[2].ID)
	})

	t.Run("ShouldKeepOriginalSlotWhenUpdatingExistingID", func(t *testing.T) {
		store := newMemoryStore(&Config{})
		newTestIndex(t, store, "docs", 2)
		require.NoError(t, store.Upsert(ctx, "docs", []Record{
			{ID: "a", Text: "old", Embedding: []float32{1, 1}},
			{ID: "b", Embedding: []float32{1, 1}},
		}))
		require.NoError(t, store.Upsert(ctx, "docs", []Record{
			{ID: "a", Text: "new", Embedding: []float32{1, 1}},
		}))
		matches, err := store.Search(ctx, "docs", []float32{1, 1}, SearchOptions{TopK: 2})
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "a", matches[0].ID)
		assert.Equal(t, "new", matches[0].Text)
		assert.Equal(t, "b", matches[1].ID)
	})
}

func TestMemoryStoreConcurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("ShouldServeSearchesDuringConcurrentUpserts", func(t *testing.T) {
		store := newMemoryStore(&Config{})
		newTestIndex(t, store, "docs", 2)
		require.NoError(t, store.Upsert(ctx, "docs", []Record{
			{ID: "seed", Embedding: []float32{1, 0}},
		}))
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					id := fmt.Sprintf("w%d-%d", worker, i)
					_ = store.Upsert(ctx, "docs", []Record{{ID: id, Embedding: []float32{0, 1}}})
				}
			}(w)
		}
		for i := 0; i < 100; i++ {
			matches, err := store.Search(ctx, "docs", []float32{1, 0}, SearchOptions{TopK: 1})
			require.NoError(t, err)
			require.NotEmpty(t, matches)
			assert.Equal(t, "seed", matches[0].ID)
		}
		wg.Wait()
	})

	t.Run("ShouldResolveConcurrentWritesToSameIDLastWriterWins", func(t *testing.T) {
		store := newMemoryStore(&Config{})
		newTestIndex(t, store, "docs", 2)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				_ = store.Upsert(ctx, "docs", []Record{{
					ID:        "shared",
					Text:      fmt.Sprintf("writer-%d", worker),
					Embedding: []float32{1, 0},
				}})
			}(w)
		}
		wg.Wait()
		matches, err := store.Search(ctx, "docs", []float32{1, 0}, SearchOptions{TopK: 1})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		// exactly one complete version survives, never a torn entry
		assert.Contains(t, matches[0].Text, "writer-")
	})
}
