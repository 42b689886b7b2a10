package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ragline/ragline/engine/core"
	"github.com/ragline/ragline/engine/knowledge"
	"github.com/ragline/ragline/engine/knowledge/embedder"
	"github.com/ragline/ragline/engine/knowledge/vectordb"
	"github.com/ragline/ragline/pkg/logger"
)

// NoRelevantDocuments is the sentinel context returned when a search runs
// successfully but nothing clears the configured score cutoff.
const NoRelevantDocuments = "no relevant documents found"

const contextSeparator = "\n\n---\n\n"

// Result is the outcome of a retrieval request. Query-phase failures never
// surface as errors; they degrade into a single synthetic source flagged with
// error metadata so agent loops keep running.
type Result struct {
	Query           string
	Status          knowledge.Status
	SearchPerformed bool
	Context         string
	Sources         []knowledge.RetrievedContext
	// TotalFound counts the matches the store returned before any token
	// budget trimming, so it can exceed len(Sources).
	TotalFound int
}

// Service embeds queries and searches the vector store.
type Service struct {
	cfg       *knowledge.Config
	embedder  embedder.Embedder
	store     vectordb.Store
	estimator TokenEstimator
	tracer    trace.Tracer
}

// NewService wires a retrieval service for one knowledge base.
func NewService(
	cfg *knowledge.Config,
	emb embedder.Embedder,
	store vectordb.Store,
	estimator TokenEstimator,
) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("knowledge: retriever configuration is required")
	}
	if emb == nil {
		return nil, errors.New("knowledge: retriever embedder is required")
	}
	if estimator == nil {
		estimator = runeEstimator{}
	}
	if store == nil {
		return nil, errors.New("knowledge: retriever vector store is required")
	}
	return &Service{
		cfg:       cfg,
		embedder:  emb,
		store:     store,
		estimator: estimator,
		tracer:    otel.Tracer("ragline.knowledge.retriever"),
	}, nil
}

// SearchOverrides lets callers tighten retrieval per request without mutating
// the shared configuration.
type SearchOverrides struct {
	TopK     int
	MinScore *float64
	Filters  map[string]string
}

// Search runs the full query path: embed the query, search the index, rank and
// assemble context. Any failure after input validation produces a degraded
// result instead of an error.
func (s *Service) Search(ctx context.Context, query string) (*Result, error) {
	return s.SearchWith(ctx, query, SearchOverrides{})
}

// SearchWith is Search with per-request overrides applied on top of the
// configured retrieval settings.
func (s *Service) SearchWith(ctx context.Context, query string, overrides SearchOverrides) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("knowledge: query is required")
	}
	log := logger.FromContext(ctx).With("kb_id", s.cfg.ID)
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ragline.knowledge.retriever.search", trace.WithAttributes(
		attribute.String("kb_id", s.cfg.ID),
		attribute.String("index", s.cfg.Index),
	))
	defer span.End()
	defer func() {
		knowledge.RecordQueryLatency(ctx, s.cfg.ID, time.Since(start))
	}()

	log.Debug("knowledge retrieval started", "query_length", len(query))
	vector, err := s.embedQuery(ctx, query)
	if err != nil {
		return s.degrade(ctx, span, query, "embed_query", err), nil
	}
	matches, err := s.searchMatches(ctx, vector, s.buildSearchOptions(overrides))
	if err != nil {
		return s.degrade(ctx, span, query, "vector_search", err), nil
	}
	knowledge.RecordRetrieval(ctx, s.cfg.ID, string(knowledge.StatusOK))
	if len(matches) == 0 {
		span.SetAttributes(attribute.Int("results", 0))
		log.Debug("knowledge retrieval returned no matches")
		return &Result{
			Query:           query,
			Status:          knowledge.StatusOK,
			SearchPerformed: true,
			Context:         NoRelevantDocuments,
		}, nil
	}
	sortMatches(matches)
	contexts := s.buildContexts(ctx, matches)
	span.SetAttributes(attribute.Int("results", len(contexts)))
	log.Debug("knowledge retrieval finished", "results", len(contexts), "duration_seconds", time.Since(start).Seconds())
	return &Result{
		Query:           query,
		Status:          knowledge.StatusOK,
		SearchPerformed: true,
		Context:         assembleContext(contexts),
		Sources:         contexts,
		TotalFound:      len(matches),
	}, nil
}

// degrade converts a query-phase failure into the single synthetic source the
// caller can detect through metadata. The original error is logged, not
// returned.
func (s *Service) degrade(
	ctx context.Context,
	span trace.Span,
	query string,
	stage string,
	err error,
) *Result {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	knowledge.RecordRetrieval(ctx, s.cfg.ID, string(knowledge.StatusDegraded))
	knowledge.RecordFallback(ctx, s.cfg.ID, stage)
	logger.FromContext(ctx).Error(
		"knowledge retrieval degraded",
		"kb_id", s.cfg.ID,
		"stage", stage,
		"error", err,
	)
	synthetic := knowledge.RetrievedContext{
		ID:      "fallback",
		Content: NoRelevantDocuments,
		Metadata: map[string]any{
			"error":  "true",
			"stage":  stage,
			"reason": err.Error(),
		},
	}
	return &Result{
		Query:           query,
		Status:          knowledge.StatusDegraded,
		SearchPerformed: false,
		Context:         NoRelevantDocuments,
		Sources:         []knowledge.RetrievedContext{synthetic},
	}
}

func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, error) {
	spanCtx, span := s.tracer.Start(ctx, "ragline.knowledge.retriever.embed_query", trace.WithAttributes(
		attribute.String("kb_id", s.cfg.ID),
		attribute.String("embedder_provider", string(s.cfg.Embedder.Provider)),
		attribute.String("embedder_model", s.cfg.Embedder.Model),
	))
	defer span.End()
	vector, err := s.embedder.EmbedQuery(spanCtx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vector, nil
}

func (s *Service) searchMatches(
	ctx context.Context,
	vector []float32,
	opts vectordb.SearchOptions,
) ([]vectordb.Match, error) {
	spanCtx, span := s.tracer.Start(ctx, "ragline.knowledge.retriever.vector_search", trace.WithAttributes(
		attribute.String("kb_id", s.cfg.ID),
		attribute.String("index", s.cfg.Index),
		attribute.Int("top_k", opts.TopK),
	))
	defer span.End()
	matches, err := s.store.Search(spanCtx, s.cfg.Index, vector, opts)
	if err != nil {
		// A knowledge base nothing was ever ingested into has no index yet;
		// that is an empty result, not a query failure.
		if errors.Is(err, vectordb.ErrIndexNotFound) {
			span.SetAttributes(attribute.Bool("index_missing", true))
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", vectordb.ErrQuery, err)
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

func (s *Service) buildSearchOptions(overrides SearchOverrides) vectordb.SearchOptions {
	opts := vectordb.SearchOptions{
		TopK:     s.cfg.Retrieval.TopK,
		MinScore: s.cfg.Retrieval.MinScoreValue(),
		Filters:  core.CloneMap(s.cfg.Retrieval.Filters),
	}
	if overrides.TopK > 0 {
		opts.TopK = overrides.TopK
	}
	if overrides.MinScore != nil {
		opts.MinScore = *overrides.MinScore
	}
	for key, value := range overrides.Filters {
		if opts.Filters == nil {
			opts.Filters = make(map[string]string, len(overrides.Filters))
		}
		opts.Filters[key] = value
	}
	if opts.TopK <= 0 {
		opts.TopK = knowledge.DefaultDefaults().RetrievalTopK
	}
	return opts
}

func (s *Service) buildContexts(ctx context.Context, matches []vectordb.Match) []knowledge.RetrievedContext {
	contexts := make([]knowledge.RetrievedContext, len(matches))
	tokenCounts := make([]int, len(matches))
	totalTokens := 0
	for i := range matches {
		tokens := s.estimator.EstimateTokens(ctx, matches[i].Text)
		totalTokens += tokens
		tokenCounts[i] = tokens
		contexts[i] = knowledge.RetrievedContext{
			ID:            matches[i].ID,
			Content:       matches[i].Text,
			Score:         matches[i].Score,
			TokenEstimate: tokens,
			Metadata:      core.CloneMap(matches[i].Metadata),
		}
	}
	return s.trimContexts(contexts, tokenCounts, totalTokens)
}

// trimContexts drops the lowest-ranked contexts until the assembled prompt
// fits the configured token budget.
func (s *Service) trimContexts(
	contexts []knowledge.RetrievedContext,
	tokenCounts []int,
	totalTokens int,
) []knowledge.RetrievedContext {
	maxTokens := s.cfg.Retrieval.MaxTokens
	if maxTokens <= 0 {
		return contexts
	}
	for totalTokens > maxTokens && len(contexts) > 0 {
		last := len(contexts) - 1
		totalTokens -= tokenCounts[last]
		contexts = contexts[:last]
		tokenCounts = tokenCounts[:last]
	}
	return contexts
}

func assembleContext(contexts []knowledge.RetrievedContext) string {
	if len(contexts) == 0 {
		return NoRelevantDocuments
	}
	parts := make([]string, 0, len(contexts))
	for i := range contexts {
		builder := strings.Builder{}
		if source := sourceLabel(&contexts[i]); source != "" {
			builder.WriteString("[source: ")
			builder.WriteString(source)
			builder.WriteString("]\n")
		}
		builder.WriteString(contexts[i].Content)
		parts = append(parts, builder.String())
	}
	return strings.Join(parts, contextSeparator)
}

func sourceLabel(rc *knowledge.RetrievedContext) string {
	if rc.Metadata != nil {
		if path, ok := rc.Metadata["source_path"].(string); ok && path != "" {
			return path
		}
		if id, ok := rc.Metadata["source_id"].(string); ok && id != "" {
			return id
		}
	}
	return rc.ID
}

func sortMatches(matches []vectordb.Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
}
