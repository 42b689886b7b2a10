package ingest

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsMu          sync.Mutex
	metricsOnce        sync.Once
	metricsInitErr     error
	pipelineLatency    metric.Float64Histogram
	documentsCounter   metric.Int64Counter
	chunksCounter      metric.Int64Counter
	batchSizeHistogram metric.Int64Histogram
	errorsCounter      metric.Int64Counter
)

func recordPipelineRun(ctx context.Context, kbID string, documents, chunks int, d time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kb_id", kbID))
	pipelineLatency.Record(ctx, d.Seconds(), attrs)
	if documents > 0 {
		documentsCounter.Add(ctx, int64(documents), attrs)
	}
	if chunks > 0 {
		chunksCounter.Add(ctx, int64(chunks), attrs)
	}
}

func recordBatch(ctx context.Context, kbID string, size int) {
	if err := ensureMetrics(); err != nil {
		return
	}
	batchSizeHistogram.Record(ctx, int64(size), metric.WithAttributes(attribute.String("kb_id", kbID)))
}

func recordPipelineError(ctx context.Context, kbID string, stage string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	errorsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kb_id", kbID),
		attribute.String("stage", stage),
	))
}

// ResetMetricsForTesting clears metric state to allow deterministic test assertions.
func ResetMetricsForTesting() {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	pipelineLatency = nil
	documentsCounter = nil
	chunksCounter = nil
	batchSizeHistogram = nil
	errorsCounter = nil
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("ragline.knowledge.ingest")
		metricsInitErr = initMetrics(meter)
	})
	return metricsInitErr
}

func initMetrics(meter metric.Meter) error {
	var err error
	pipelineLatency, err = meter.Float64Histogram(
		"ragline_ingest_pipeline_seconds",
		metric.WithDescription("Latency of ingestion pipeline runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}
	documentsCounter, err = meter.Int64Counter(
		"ragline_ingest_documents_total",
		metric.WithDescription("Documents accepted by the ingestion pipeline"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	chunksCounter, err = meter.Int64Counter(
		"ragline_ingest_chunks_total",
		metric.WithDescription("Chunks persisted by the ingestion pipeline"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	batchSizeHistogram, err = meter.Int64Histogram(
		"ragline_ingest_batch_size",
		metric.WithDescription("Embedding batch sizes used during ingestion"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	errorsCounter, err = meter.Int64Counter(
		"ragline_ingest_errors_total",
		metric.WithDescription("Ingestion pipeline errors by stage"),
		metric.WithUnit("1"),
	)
	return err
}
