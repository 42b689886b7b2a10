package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/engine/knowledge"
	"github.com/ragline/ragline/engine/knowledge/chunk"
	"github.com/ragline/ragline/engine/knowledge/embedder"
	"github.com/ragline/ragline/engine/knowledge/vectordb"
)

type fakeEmbedder struct {
	dimension int
	batchSize int
	calls     int
	failAfter int
	failWith  error
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failWith != nil && f.calls > f.failAfter {
		return nil, f.failWith
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, f.dimension)
		vec[0] = float32(len(text))
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) Dimension() int { return f.dimension }
func (f *fakeEmbedder) BatchSize() int { return f.batchSize }

// recordingStore counts writes so tests can assert nothing reached the store.
type recordingStore struct {
	vectordb.Store
	upserts int
}

func (r *recordingStore) Upsert(ctx context.Context, index string, records []vectordb.Record) error {
	r.upserts++
	return r.Store.Upsert(ctx, index, records)
}

// failingStore rejects every write so tests can prove a failed ingestion
// leaves the index untouched.
type failingStore struct {
	vectordb.Store
	failWith error
}

func (f *failingStore) Upsert(context.Context, string, []vectordb.Record) error {
	return f.failWith
}

func testKBConfig(t *testing.T) *knowledge.Config {
	t.Helper()
	cfg := &knowledge.Config{
		ID: "kb-test",
		Embedder: embedder.Config{
			ID:        "emb",
			Provider:  embedder.ProviderOpenAI,
			Model:     "text-embedding-3-small",
			Dimension: 3,
			BatchSize: 2,
		},
		VectorDB: vectordb.Config{Provider: vectordb.ProviderMemory},
		Chunking: knowledge.ChunkingConfig{Size: 64},
	}
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestPipeline(t *testing.T, cfg *knowledge.Config, emb embedder.Embedder, store vectordb.Store) *Pipeline {
	t.Helper()
	pipeline, err := NewPipeline(cfg, emb, store, Options{})
	require.NoError(t, err)
	pipeline.retry = retrySettings{attempts: 1}
	return pipeline
}

func TestPipelineAddDocument(t *testing.T) {
	ctx := context.Background()

	t.Run("ShouldChunkEmbedAndPersist", func(t *testing.T) {
		cfg := testKBConfig(t)
		store, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		pipeline := newTestPipeline(t, cfg, &fakeEmbedder{dimension: 3, batchSize: 2}, store)

		result, err := pipeline.AddDocument(ctx, AddDocumentInput{
			DocumentID: "guide",
			Text:       "how to configure retries",
			Metadata:   map[string]any{"team": "platform"},
		})
		require.NoError(t, err)
		assert.Equal(t, "guide", result.DocumentID)
		assert.Equal(t, 1, result.Chunks)
		assert.Equal(t, 1, result.Persisted)
		assert.True(t, result.Embedded)
		assert.Contains(t, result.Message, "guide")

		matches, err := store.Search(ctx, cfg.Index, []float32{1, 0, 0}, vectordb.SearchOptions{TopK: 5})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "guide-chunk-0", matches[0].ID)
		assert.Equal(t, "kb-test", matches[0].Metadata["kb_id"])
		assert.Equal(t, "guide", matches[0].Metadata["source_id"])
		assert.Equal(t, "platform", matches[0].Metadata["team"])
		assert.NotEmpty(t, matches[0].Metadata["chunk_hash"])
	})

	t.Run("ShouldGenerateDocumentIDWhenEmpty", func(t *testing.T) {
		cfg := testKBConfig(t)
		store, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		pipeline := newTestPipeline(t, cfg, &fakeEmbedder{dimension: 3, batchSize: 2}, store)

		first, err := pipeline.AddDocument(ctx, AddDocumentInput{Text: "some content"})
		require.NoError(t, err)
		second, err := pipeline.AddDocument(ctx, AddDocumentInput{Text: "other content"})
		require.NoError(t, err)
		assert.NotEmpty(t, first.DocumentID)
		assert.NotEmpty(t, second.DocumentID)
		assert.NotEqual(t, first.DocumentID, second.DocumentID)
	})

	t.Run("ShouldRejectEmptyText", func(t *testing.T) {
		cfg := testKBConfig(t)
		store, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		pipeline := newTestPipeline(t, cfg, &fakeEmbedder{dimension: 3, batchSize: 2}, store)

		_, err = pipeline.AddDocument(ctx, AddDocumentInput{Text: "   \n\t  "})
		require.ErrorIs(t, err, chunk.ErrInvalidConfig)
	})

	t.Run("ShouldStampConfiguredTagsAndOwners", func(t *testing.T) {
		cfg := testKBConfig(t)
		cfg.Metadata = knowledge.MetadataConfig{Tags: []string{"docs"}, Owners: []string{"platform-team"}}
		store, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		pipeline := newTestPipeline(t, cfg, &fakeEmbedder{dimension: 3, batchSize: 2}, store)

		_, err = pipeline.AddDocument(ctx, AddDocumentInput{DocumentID: "doc", Text: "content"})
		require.NoError(t, err)
		matches, err := store.Search(ctx, cfg.Index, []float32{1, 0, 0}, vectordb.SearchOptions{TopK: 1})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, []string{"docs"}, matches[0].Metadata["tags"])
		assert.Equal(t, []string{"platform-team"}, matches[0].Metadata["owners"])
	})

	t.Run("ShouldOverwriteChunksOnRepeatIngestion", func(t *testing.T) {
		cfg := testKBConfig(t)
		store, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		pipeline := newTestPipeline(t, cfg, &fakeEmbedder{dimension: 3, batchSize: 2}, store)

		_, err = pipeline.AddDocument(ctx, AddDocumentInput{DocumentID: "doc", Text: "first version"})
		require.NoError(t, err)
		_, err = pipeline.AddDocument(ctx, AddDocumentInput{DocumentID: "doc", Text: "second version"})
		require.NoError(t, err)

		matches, err := store.Search(ctx, cfg.Index, []float32{1, 0, 0}, vectordb.SearchOptions{TopK: 10})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "second version", matches[0].Text)
	})
}

func TestPipelineAtomicity(t *testing.T) {
	ctx := context.Background()

	t.Run("ShouldWriteNothingWhenEmbeddingFails", func(t *testing.T) {
		cfg := testKBConfig(t)
		cfg.Chunking.Size = 8
		overlap := 0
		cfg.Chunking.Overlap = &overlap
		inner, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		store := &recordingStore{Store: inner}
		emb := &fakeEmbedder{
			dimension: 3,
			batchSize: 2,
			failAfter: 1,
			failWith:  errors.New("upstream outage"),
		}
		pipeline := newTestPipeline(t, cfg, emb, store)

		// enough text for several batches so the failure lands mid-embedding
		_, err = pipeline.AddDocument(ctx, AddDocumentInput{
			DocumentID: "doc",
			Text:       "abcdefgh12345678abcdefgh87654321abcdefghx",
		})
		require.Error(t, err)
		assert.Equal(t, 0, store.upserts)
	})

	t.Run("ShouldLeaveIndexUnmodifiedWhenWriteFails", func(t *testing.T) {
		cfg := testKBConfig(t)
		cfg.Chunking.Size = 8
		overlap := 0
		cfg.Chunking.Overlap = &overlap
		inner, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		store := &failingStore{Store: inner, failWith: vectordb.ErrWrite}
		pipeline := newTestPipeline(t, cfg, &fakeEmbedder{dimension: 3, batchSize: 2}, store)

		// several chunks so a batch-split write would leave partial state
		_, err = pipeline.AddDocument(ctx, AddDocumentInput{
			DocumentID: "doc",
			Text:       "abcdefgh12345678abcdefgh87654321abcdefghx",
		})
		require.ErrorIs(t, err, vectordb.ErrWrite)

		matches, err := inner.Search(ctx, cfg.Index, []float32{1, 0, 0}, vectordb.SearchOptions{TopK: 10})
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("ShouldIssueSingleUpsertAcrossEmbeddingBatches", func(t *testing.T) {
		cfg := testKBConfig(t)
		cfg.Chunking.Size = 8
		overlap := 0
		cfg.Chunking.Overlap = &overlap
		inner, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		store := &recordingStore{Store: inner}
		emb := &fakeEmbedder{dimension: 3, batchSize: 2}
		pipeline := newTestPipeline(t, cfg, emb, store)

		result, err := pipeline.AddDocument(ctx, AddDocumentInput{
			DocumentID: "doc",
			Text:       "abcdefgh12345678abcdefgh87654321abcdefghx",
		})
		require.NoError(t, err)
		assert.Equal(t, 4, result.Persisted)
		assert.GreaterOrEqual(t, emb.calls, 2)
		assert.Equal(t, 1, store.upserts)
	})

	t.Run("ShouldStopPersistingOnDimensionMismatch", func(t *testing.T) {
		cfg := testKBConfig(t)
		store, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		// store index pinned to a different dimension than the embedder emits
		require.NoError(t, store.CreateIndex(ctx, vectordb.IndexSpec{
			Name:      cfg.Index,
			Dimension: 5,
			Metric:    vectordb.MetricCosine,
		}))
		pipeline := newTestPipeline(t, cfg, &fakeEmbedder{dimension: 3, batchSize: 2}, store)

		_, err = pipeline.AddDocument(ctx, AddDocumentInput{DocumentID: "doc", Text: "content"})
		require.ErrorIs(t, err, vectordb.ErrDimensionMismatch)
	})
}

func TestPipelineRun(t *testing.T) {
	ctx := context.Background()

	t.Run("ShouldIngestFileGlobSources", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("alpha document"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("bravo document"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("ignored"), 0o600))

		cfg := testKBConfig(t)
		cfg.Sources = []knowledge.SourceConfig{{Type: knowledge.SourceTypeFileGlob, Path: "*.md"}}
		store, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		pipeline, err := NewPipeline(cfg, &fakeEmbedder{dimension: 3, batchSize: 2}, store, Options{CWD: dir})
		require.NoError(t, err)

		result, err := pipeline.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, "kb-test", result.KnowledgeBaseID)
		assert.Equal(t, 2, result.Documents)
		assert.Equal(t, 2, result.Chunks)
		assert.Equal(t, 2, result.Persisted)
	})

	t.Run("ShouldReturnEmptyResultWithoutSources", func(t *testing.T) {
		cfg := testKBConfig(t)
		store, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		pipeline := newTestPipeline(t, cfg, &fakeEmbedder{dimension: 3, batchSize: 2}, store)

		result, err := pipeline.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Documents)
		assert.Equal(t, 0, result.Persisted)
	})

	t.Run("ShouldRejectUnknownStrategy", func(t *testing.T) {
		cfg := testKBConfig(t)
		store, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		pipeline, err := NewPipeline(cfg, &fakeEmbedder{dimension: 3, batchSize: 2}, store, Options{Strategy: "merge"})
		require.NoError(t, err)
		_, err = pipeline.Run(ctx)
		require.Error(t, err)
	})

	t.Run("ShouldDropPreviousRecordsWithReplaceStrategy", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("fresh content"), 0o600))

		cfg := testKBConfig(t)
		cfg.Sources = []knowledge.SourceConfig{{Type: knowledge.SourceTypeFileGlob, Path: "*.md"}}
		store, err := vectordb.New(ctx, &cfg.VectorDB)
		require.NoError(t, err)
		require.NoError(t, store.CreateIndex(ctx, cfg.IndexSpec()))
		require.NoError(t, store.Upsert(ctx, cfg.Index, []vectordb.Record{{
			ID:        "stale-chunk-0",
			Text:      "stale",
			Embedding: []float32{1, 0, 0},
			Metadata:  map[string]any{"kb_id": cfg.ID},
		}}))

		pipeline, err := NewPipeline(cfg, &fakeEmbedder{dimension: 3, batchSize: 2}, store, Options{
			CWD:      dir,
			Strategy: StrategyReplace,
		})
		require.NoError(t, err)
		_, err = pipeline.Run(ctx)
		require.NoError(t, err)

		matches, err := store.Search(ctx, cfg.Index, []float32{1, 0, 0}, vectordb.SearchOptions{TopK: 10})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "a.md-chunk-0", matches[0].ID)
	})
}
