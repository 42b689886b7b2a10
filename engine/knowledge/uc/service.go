package uc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ragline/ragline/engine/knowledge"
	"github.com/ragline/ragline/engine/knowledge/embedder"
	"github.com/ragline/ragline/engine/knowledge/ingest"
	"github.com/ragline/ragline/engine/knowledge/retriever"
	"github.com/ragline/ragline/engine/knowledge/vectordb"
	"github.com/ragline/ragline/pkg/logger"
)

// Service owns the full lifecycle of one knowledge base: embedder, vector
// store, ingestion pipeline, and retrieval service.
type Service struct {
	cfg       *knowledge.Config
	embedder  embedder.Embedder
	store     vectordb.Store
	pipeline  *ingest.Pipeline
	retriever *retriever.Service
	ownsStore bool

	mu     sync.Mutex
	closed bool
}

// Option customizes service construction, mainly for injecting fakes.
type Option func(*options)

type options struct {
	embedder embedder.Embedder
	store    vectordb.Store
	ingest   ingest.Options
}

// WithEmbedder injects a pre-built embedder instead of constructing one from
// the configuration.
func WithEmbedder(emb embedder.Embedder) Option {
	return func(o *options) { o.embedder = emb }
}

// WithStore injects a pre-built vector store. The service will not close an
// injected store.
func WithStore(store vectordb.Store) Option {
	return func(o *options) { o.store = store }
}

// WithIngestOptions sets batch ingestion behavior.
func WithIngestOptions(opts ingest.Options) Option {
	return func(o *options) { o.ingest = opts }
}

// NewService normalizes and validates the configuration, then wires every
// component.
func NewService(ctx context.Context, cfg *knowledge.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, ErrConfigMissing
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	emb := o.embedder
	if emb == nil {
		built, err := embedder.New(ctx, &cfg.Embedder)
		if err != nil {
			return nil, fmt.Errorf("init embedder: %w", err)
		}
		emb = built
	}
	store := o.store
	ownsStore := false
	if store == nil {
		built, err := vectordb.New(ctx, &cfg.VectorDB)
		if err != nil {
			return nil, fmt.Errorf("init vector store: %w", err)
		}
		store = built
		ownsStore = true
	}
	pipeline, err := ingest.NewPipeline(cfg, emb, store, o.ingest)
	if err != nil {
		closeStore(ctx, store, ownsStore, cfg.ID)
		return nil, err
	}
	estimator := retriever.NewTokenEstimator(string(cfg.Embedder.Provider), cfg.Embedder.Model)
	retrieval, err := retriever.NewService(cfg, emb, store, estimator)
	if err != nil {
		closeStore(ctx, store, ownsStore, cfg.ID)
		return nil, err
	}
	return &Service{
		cfg:       cfg,
		embedder:  emb,
		store:     store,
		pipeline:  pipeline,
		retriever: retrieval,
		ownsStore: ownsStore,
	}, nil
}

// AddDocumentInput carries one document for ingestion.
type AddDocumentInput struct {
	DocumentID string
	Text       string
	Metadata   map[string]any
}

// AddDocumentOutput reports the ingestion outcome.
type AddDocumentOutput struct {
	Result *ingest.AddResult
}

// AddDocument ingests a single document through the pipeline.
func (s *Service) AddDocument(ctx context.Context, in *AddDocumentInput) (*AddDocumentOutput, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if in == nil {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil, ErrTextMissing
	}
	start := time.Now()
	result, err := s.pipeline.AddDocument(ctx, ingest.AddDocumentInput{
		DocumentID: in.DocumentID,
		Text:       in.Text,
		Metadata:   in.Metadata,
	})
	if err != nil {
		return nil, err
	}
	knowledge.RecordIngestDuration(ctx, s.cfg.ID, time.Since(start))
	knowledge.RecordIngestChunks(ctx, s.cfg.ID, result.Chunks)
	return &AddDocumentOutput{Result: result}, nil
}

// IngestOutput reports a batch source ingestion outcome.
type IngestOutput struct {
	Result *ingest.Result
}

// IngestSources runs the pipeline over every configured source.
func (s *Service) IngestSources(ctx context.Context) (*IngestOutput, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if len(s.cfg.Sources) == 0 {
		return nil, ErrSourcesMissing
	}
	start := time.Now()
	result, err := s.pipeline.Run(ctx)
	if err != nil {
		return nil, err
	}
	knowledge.RecordIngestDuration(ctx, s.cfg.ID, time.Since(start))
	knowledge.RecordIngestChunks(ctx, s.cfg.ID, result.Chunks)
	logger.FromContext(ctx).Info(
		"knowledge ingestion completed",
		"kb_id", s.cfg.ID,
		"documents", result.Documents,
		"chunks", result.Chunks,
		"persisted", result.Persisted,
	)
	return &IngestOutput{Result: result}, nil
}

// QueryInput specifies a retrieval request.
type QueryInput struct {
	Query    string
	TopK     int
	MinScore *float64
	Filters  map[string]string
}

// QueryOutput wraps the retrieval result.
type QueryOutput struct {
	Result *retriever.Result
}

// Query runs retrieval. Query-phase failures degrade instead of erroring; the
// only errors returned here are input validation failures.
func (s *Service) Query(ctx context.Context, in *QueryInput) (*QueryOutput, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if in == nil {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, ErrQueryMissing
	}
	result, err := s.retriever.SearchWith(ctx, in.Query, retriever.SearchOverrides{
		TopK:     in.TopK,
		MinScore: in.MinScore,
		Filters:  in.Filters,
	})
	if err != nil {
		return nil, err
	}
	return &QueryOutput{Result: result}, nil
}

// DeleteDocument removes every chunk ingested for the given document ID.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	docID := strings.TrimSpace(documentID)
	if docID == "" {
		return ErrIDMissing
	}
	filter := vectordb.Filter{Metadata: map[string]string{"source_id": docID}}
	return s.store.Delete(ctx, s.cfg.Index, filter)
}

// Config exposes the normalized configuration.
func (s *Service) Config() *knowledge.Config {
	return s.cfg
}

// Close releases the vector store when the service owns it.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.ownsStore {
		return nil
	}
	return s.store.Close(ctx)
}

func (s *Service) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

func closeStore(ctx context.Context, store vectordb.Store, owns bool, kbID string) {
	if !owns {
		return
	}
	if err := store.Close(ctx); err != nil {
		logger.FromContext(ctx).Warn("failed to close vector store", "kb_id", kbID, "error", err)
	}
}
