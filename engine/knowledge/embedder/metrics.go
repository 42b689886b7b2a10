package embedder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ragline/ragline/pkg/logger"
)

const (
	meterName     = "ragline.knowledge.embedder"
	labelProvider = "provider"
	labelModel    = "model"
	labelBatch    = "batch_size"
	labelErrType  = "error_type"
	modelOther    = "other"
)

var defaultLatencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

var (
	metricsOnce       sync.Once
	metricsInitErr    error
	errorLogOnce      sync.Once
	metricInstruments instruments
)

// ErrorType enumerates embedding error categories tracked in metrics.
type ErrorType string

const (
	ErrorTypeAuth         ErrorType = "auth"
	ErrorTypeRateLimit    ErrorType = "rate_limit"
	ErrorTypeInvalidInput ErrorType = "invalid_input"
	ErrorTypeServerError  ErrorType = "server_error"
)

type instruments struct {
	generationLatency metric.Float64Histogram
	tokensTotal       metric.Int64Counter
	cacheHitsTotal    metric.Int64Counter
	cacheMissesTotal  metric.Int64Counter
	errorsTotal       metric.Int64Counter
}

// normalizeModelName maps model identifiers onto a small stable set so metric
// cardinality stays bounded.
func normalizeModelName(model string) string {
	normalized := strings.ToLower(strings.TrimSpace(model))
	if normalized == "" {
		return modelOther
	}
	switch {
	case strings.HasPrefix(normalized, "text-embedding-ada"):
		return "text-embedding-ada"
	case strings.HasPrefix(normalized, "text-embedding-3"):
		return "text-embedding-3"
	case strings.HasPrefix(normalized, "embed-"):
		return "embed-generic"
	default:
		return modelOther
	}
}

func recordGeneration(
	ctx context.Context,
	provider string,
	model string,
	batchSize int,
	duration time.Duration,
	tokenCount int,
) {
	if !ensureInstruments(ctx) {
		return
	}
	normalizedModel := normalizeModelName(model)
	attrs := []attribute.KeyValue{
		attribute.String(labelProvider, provider),
		attribute.String(labelModel, normalizedModel),
		attribute.Int(labelBatch, batchSize),
	}
	metricInstruments.generationLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if tokenCount > 0 {
		metricInstruments.tokensTotal.Add(ctx, int64(tokenCount), metric.WithAttributes(
			attribute.String(labelProvider, provider),
			attribute.String(labelModel, normalizedModel),
		))
	}
}

func recordCacheHit(ctx context.Context, provider string) {
	if !ensureInstruments(ctx) {
		return
	}
	metricInstruments.cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(labelProvider, provider)))
}

func recordCacheMiss(ctx context.Context, provider string) {
	if !ensureInstruments(ctx) {
		return
	}
	metricInstruments.cacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(labelProvider, provider)))
}

func recordError(ctx context.Context, provider string, model string, errorType ErrorType) {
	if !ensureInstruments(ctx) {
		return
	}
	metricInstruments.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(labelProvider, provider),
		attribute.String(labelModel, normalizeModelName(model)),
		attribute.String(labelErrType, string(errorType)),
	))
}

func newInstruments(meter metric.Meter) (instruments, error) {
	latency, err := meter.Float64Histogram(
		"ragline_embeddings_generate_seconds",
		metric.WithDescription("Embedding generation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(defaultLatencyBuckets...),
	)
	if err != nil {
		return instruments{}, fmt.Errorf("create embeddings latency histogram: %w", err)
	}
	tokens, err := meter.Int64Counter(
		"ragline_embeddings_tokens_total",
		metric.WithDescription("Total tokens processed for embeddings"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return instruments{}, fmt.Errorf("create embeddings tokens counter: %w", err)
	}
	hits, err := meter.Int64Counter(
		"ragline_embeddings_cache_hits_total",
		metric.WithDescription("Embedding cache hits"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return instruments{}, fmt.Errorf("create embeddings cache hits counter: %w", err)
	}
	misses, err := meter.Int64Counter(
		"ragline_embeddings_cache_misses_total",
		metric.WithDescription("Embedding cache misses"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return instruments{}, fmt.Errorf("create embeddings cache misses counter: %w", err)
	}
	errorsCounter, err := meter.Int64Counter(
		"ragline_embeddings_errors_total",
		metric.WithDescription("Embedding generation errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return instruments{}, fmt.Errorf("create embeddings errors counter: %w", err)
	}
	return instruments{
		generationLatency: latency,
		tokensTotal:       tokens,
		cacheHitsTotal:    hits,
		cacheMissesTotal:  misses,
		errorsTotal:       errorsCounter,
	}, nil
}

func ensureInstruments(ctx context.Context) bool {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)
		ins, err := newInstruments(meter)
		if err != nil {
			metricsInitErr = err
			return
		}
		metricInstruments = ins
	})
	if metricsInitErr != nil {
		errorLogOnce.Do(func() {
			logger.FromContext(ctx).Error("embedding metrics disabled", "error", metricsInitErr)
		})
		return false
	}
	return true
}
