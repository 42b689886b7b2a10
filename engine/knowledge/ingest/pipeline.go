package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ragline/ragline/engine/core"
	"github.com/ragline/ragline/engine/knowledge"
	"github.com/ragline/ragline/engine/knowledge/chunk"
	"github.com/ragline/ragline/engine/knowledge/embedder"
	"github.com/ragline/ragline/engine/knowledge/vectordb"
	"github.com/ragline/ragline/pkg/logger"
)

type retrySettings struct {
	attempts int
	backoff  time.Duration
	max      time.Duration
}

// Pipeline turns raw documents into embedded records in a vector index.
// Documents are embedded completely before anything is written, so a failed
// embedding never leaves partial chunks behind.
type Pipeline struct {
	cfg       *knowledge.Config
	embedder  embedder.Embedder
	store     vectordb.Store
	options   Options
	chunker   *chunk.Processor
	batchSize int
	retry     retrySettings

	indexMu    sync.Mutex
	indexReady bool
}

// AddDocumentInput carries a single document for ingestion. DocumentID may be
// empty, in which case a unique one is generated.
type AddDocumentInput struct {
	DocumentID string
	Text       string
	Metadata   map[string]any
}

// AddResult reports what a single-document ingestion produced. Embedded is
// false only when the document yielded no chunks to embed.
type AddResult struct {
	DocumentID string
	Chunks     int
	Persisted  int
	Embedded   bool
	Message    string
}

// Result reports what a batch source ingestion produced.
type Result struct {
	KnowledgeBaseID string
	Documents       int
	Chunks          int
	Persisted       int
}

// NewPipeline wires a pipeline from a normalized knowledge base configuration.
func NewPipeline(
	cfg *knowledge.Config,
	emb embedder.Embedder,
	store vectordb.Store,
	opts Options,
) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("knowledge: configuration is required")
	}
	if emb == nil {
		return nil, errors.New("knowledge: embedder implementation is required")
	}
	if store == nil {
		return nil, errors.New("knowledge: vector store is required")
	}
	chunker, err := chunk.NewProcessor(cfg.ChunkSettings())
	if err != nil {
		return nil, err
	}
	batchSize := emb.BatchSize()
	if batchSize <= 0 {
		batchSize = knowledge.DefaultDefaults().EmbedderBatchSize
	}
	return &Pipeline{
		cfg:       cfg,
		embedder:  emb,
		store:     store,
		options:   opts,
		chunker:   chunker,
		batchSize: batchSize,
		retry:     retrySettings{attempts: 3, backoff: 200 * time.Millisecond, max: 2 * time.Second},
	}, nil
}

// AddDocument chunks, embeds, and persists one document. The returned result
// carries the document ID actually used, generated when the input left it
// empty.
func (p *Pipeline) AddDocument(ctx context.Context, in AddDocumentInput) (*AddResult, error) {
	start := time.Now()
	text := strings.TrimSpace(in.Text)
	if text == "" {
		recordPipelineError(ctx, p.cfg.ID, "validate")
		return nil, fmt.Errorf("%w: document text is empty", chunk.ErrInvalidConfig)
	}
	docID := strings.TrimSpace(in.DocumentID)
	if docID == "" {
		docID = uuid.NewString()
	}
	doc := chunk.Document{ID: docID, Text: text, Metadata: core.CloneMap(in.Metadata)}
	chunks, err := p.chunker.Process([]chunk.Document{doc})
	if err != nil {
		recordPipelineError(ctx, p.cfg.ID, "chunk")
		return nil, err
	}
	if len(chunks) == 0 {
		return &AddResult{
			DocumentID: docID,
			Message:    fmt.Sprintf("document %q produced no chunks", docID),
		}, nil
	}
	persisted, err := p.persistChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}
	recordPipelineRun(ctx, p.cfg.ID, 1, len(chunks), time.Since(start))
	logger.FromContext(ctx).Debug(
		"document ingested",
		"kb_id", p.cfg.ID,
		"document_id", docID,
		"chunks", len(chunks),
		"persisted", persisted,
	)
	return &AddResult{
		DocumentID: docID,
		Chunks:     len(chunks),
		Persisted:  persisted,
		Embedded:   true,
		Message:    fmt.Sprintf("document %q ingested: %d chunks embedded and persisted", docID, persisted),
	}, nil
}

// Run ingests every configured source. The replace strategy first deletes
// records previously written for this knowledge base.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	strategy := p.options.normalizedStrategy()
	if strategy != StrategyUpsert && strategy != StrategyReplace {
		return nil, fmt.Errorf("knowledge: ingestion strategy %q not supported", strategy)
	}
	docs, err := enumerateSources(ctx, p.cfg, &p.options)
	if err != nil {
		recordPipelineError(ctx, p.cfg.ID, "sources")
		return nil, err
	}
	if len(docs) == 0 {
		return &Result{KnowledgeBaseID: p.cfg.ID}, nil
	}
	chunks, err := p.chunker.Process(docs)
	if err != nil {
		recordPipelineError(ctx, p.cfg.ID, "chunk")
		return nil, err
	}
	if len(chunks) == 0 {
		return &Result{KnowledgeBaseID: p.cfg.ID, Documents: len(docs)}, nil
	}
	if strategy == StrategyReplace {
		if err := p.deleteExistingRecords(ctx); err != nil {
			recordPipelineError(ctx, p.cfg.ID, "replace")
			return nil, err
		}
	}
	persisted, err := p.persistChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}
	recordPipelineRun(ctx, p.cfg.ID, len(docs), len(chunks), time.Since(start))
	logger.FromContext(ctx).Debug(
		"knowledge ingestion completed",
		"kb_id", p.cfg.ID,
		"documents", len(docs),
		"chunks", len(chunks),
		"persisted", persisted,
	)
	return &Result{
		KnowledgeBaseID: p.cfg.ID,
		Documents:       len(docs),
		Chunks:          len(chunks),
		Persisted:       persisted,
	}, nil
}

// persistChunks embeds every chunk before the first write reaches the store.
// All records go to the store in a single Upsert so a write failure never
// leaves part of the document behind; only embedding is split into batches.
func (p *Pipeline) persistChunks(ctx context.Context, chunks []chunk.Chunk) (int, error) {
	vectors, err := p.embedAll(ctx, chunks)
	if err != nil {
		recordPipelineError(ctx, p.cfg.ID, "embed")
		return 0, err
	}
	records := make([]vectordb.Record, len(chunks))
	for i := range chunks {
		meta := core.CloneMap(chunks[i].Metadata)
		if meta == nil {
			meta = make(map[string]any, 4)
		}
		meta["kb_id"] = p.cfg.ID
		meta["chunk_hash"] = chunks[i].Hash
		if len(p.cfg.Metadata.Tags) > 0 {
			meta["tags"] = p.cfg.Metadata.Tags
		}
		if len(p.cfg.Metadata.Owners) > 0 {
			meta["owners"] = p.cfg.Metadata.Owners
		}
		records[i] = vectordb.Record{
			ID:        chunks[i].ID,
			Text:      chunks[i].Text,
			Embedding: vectors[i],
			Metadata:  meta,
		}
	}
	if err := p.ensureIndex(ctx); err != nil {
		recordPipelineError(ctx, p.cfg.ID, "index")
		return 0, err
	}
	if err := p.upsertBatch(ctx, records); err != nil {
		recordPipelineError(ctx, p.cfg.ID, "persist")
		return 0, err
	}
	return len(records), nil
}

func (p *Pipeline) embedAll(ctx context.Context, chunks []chunk.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.batchSize {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		end := min(start+p.batchSize, len(chunks))
		batch, err := p.embedBatch(ctx, chunks[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("knowledge: embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}
	return vectors, nil
}

func (p *Pipeline) embedBatch(ctx context.Context, batch []chunk.Chunk) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i := range batch {
		texts[i] = batch[i].Text
	}
	recordBatch(ctx, p.cfg.ID, len(texts))
	var out [][]float32
	var err error
	for attempt := 0; attempt < p.retry.attempts; attempt++ {
		if attempt > 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			time.Sleep(p.backoffDuration(attempt))
		}
		out, err = p.embedder.EmbedDocuments(ctx, texts)
		if err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("knowledge: embed documents failed: %w", err)
}

func (p *Pipeline) upsertBatch(ctx context.Context, records []vectordb.Record) error {
	var err error
	for attempt := 0; attempt < p.retry.attempts; attempt++ {
		if attempt > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(p.backoffDuration(attempt))
		}
		err = p.store.Upsert(ctx, p.cfg.Index, records)
		if err == nil {
			return nil
		}
		if errors.Is(err, vectordb.ErrDimensionMismatch) {
			return err
		}
	}
	return fmt.Errorf("knowledge: persist vectors failed: %w", err)
}

func (p *Pipeline) ensureIndex(ctx context.Context) error {
	p.indexMu.Lock()
	defer p.indexMu.Unlock()
	if p.indexReady {
		return nil
	}
	err := p.store.CreateIndex(ctx, p.cfg.IndexSpec())
	if err != nil && !errors.Is(err, vectordb.ErrIndexExists) {
		return err
	}
	p.indexReady = true
	return nil
}

func (p *Pipeline) deleteExistingRecords(ctx context.Context) error {
	if strings.TrimSpace(p.cfg.ID) == "" {
		return nil
	}
	if err := p.ensureIndex(ctx); err != nil {
		return err
	}
	filter := vectordb.Filter{Metadata: map[string]string{"kb_id": p.cfg.ID}}
	return p.store.Delete(ctx, p.cfg.Index, filter)
}

func (p *Pipeline) backoffDuration(attempt int) time.Duration {
	if p.retry.backoff <= 0 {
		return 0
	}
	delay := p.retry.backoff
	maxDelay := p.retry.max
	for i := 0; i < attempt-1; i++ {
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
		if delay > time.Duration(math.MaxInt64/2) {
			break
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
