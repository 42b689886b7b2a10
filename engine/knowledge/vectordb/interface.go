package vectordb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Provider enumerates supported vector database backends.
type Provider string

const (
	// ProviderMemory keeps all entries in process memory; the reference store.
	ProviderMemory Provider = "memory"
	// ProviderFilesystem persists embeddings to a local filesystem-backed store.
	ProviderFilesystem Provider = "filesystem"
	ProviderPGVector   Provider = "pgvector"
	ProviderRedis      Provider = "redis"
)

// MetricCosine is the only similarity metric the engine supports.
const MetricCosine = "cosine"

const defaultTopK = 5

var (
	// ErrIndexExists reports an idempotent create against an existing index.
	// Stores swallow it internally; it never crosses the Store boundary.
	ErrIndexExists = errors.New("vectordb: index already exists")
	// ErrIndexNotFound reports an operation against an unknown index.
	ErrIndexNotFound = errors.New("vectordb: index not found")
	// ErrDimensionMismatch reports a vector whose length disagrees with the
	// index dimension.
	ErrDimensionMismatch = errors.New("vectordb: dimension mismatch")
	// ErrWrite wraps backend failures during upsert; the batch is rejected as
	// a whole and previously stored entries are untouched.
	ErrWrite = errors.New("vectordb: write failed")
	// ErrQuery wraps backend failures during similarity search.
	ErrQuery = errors.New("vectordb: query failed")
)

// IndexSpec declares a named index with a fixed dimensionality and metric.
type IndexSpec struct {
	Name      string
	Dimension int
	Metric    string
}

// Validate checks the spec before index creation.
func (s IndexSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("vectordb: index name is required")
	}
	if s.Dimension <= 0 {
		return fmt.Errorf("vectordb: index %q: dimension must be greater than zero", s.Name)
	}
	if s.Metric != "" && s.Metric != MetricCosine {
		return fmt.Errorf("vectordb: index %q: metric %q is not supported", s.Name, s.Metric)
	}
	return nil
}

// Record represents a chunk persisted to the vector store.
type Record struct {
	ID        string
	Text      string
	Embedding []float32
	Metadata  map[string]any
}

// SearchOptions controls similarity search execution.
type SearchOptions struct {
	TopK     int
	MinScore float64
	Filters  map[string]string
}

// Match captures a similarity search result. Score is cosine similarity in
// [-1, 1]; results are ordered by non-increasing score with ties broken by
// original insertion order.
type Match struct {
	ID       string
	Score    float64
	Text     string
	Metadata map[string]any
}

// Filter specifies delete criteria.
type Filter struct {
	IDs      []string
	Metadata map[string]string
}

// Store exposes the minimal contract for ingestion and retrieval. Index
// creation is idempotent: creating an existing index is a benign no-op.
// Upserts are atomic per call; searches never observe a torn entry.
type Store interface {
	CreateIndex(ctx context.Context, spec IndexSpec) error
	Upsert(ctx context.Context, index string, records []Record) error
	Search(ctx context.Context, index string, query []float32, opts SearchOptions) ([]Match, error)
	Delete(ctx context.Context, index string, filter Filter) error
	Close(ctx context.Context) error
}

// Config captures normalized connection details for a vector database.
type Config struct {
	ID       string   `json:"id,omitempty"   yaml:"id,omitempty"   mapstructure:"id,omitempty"`
	Provider Provider `json:"provider"       yaml:"provider"       mapstructure:"provider"`
	DSN      string   `json:"dsn,omitempty"  yaml:"dsn,omitempty"  mapstructure:"dsn,omitempty"`
	Path     string   `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path,omitempty"`
	// KeyPrefix namespaces index tables/keys for backends that share storage.
	KeyPrefix   string            `json:"key_prefix,omitempty"   yaml:"key_prefix,omitempty"   mapstructure:"key_prefix,omitempty"`
	EnsureIndex bool              `json:"ensure_index,omitempty" yaml:"ensure_index,omitempty" mapstructure:"ensure_index,omitempty"`
	Auth        map[string]string `json:"auth,omitempty"         yaml:"auth,omitempty"         mapstructure:"auth,omitempty"`
	MaxTopK     int               `json:"max_top_k,omitempty"    yaml:"max_top_k,omitempty"    mapstructure:"max_top_k,omitempty"`
}

// cosineSimilarity computes dot(a,b)/(|a|*|b|); zero vectors score 0.
func cosineSimilarity(a []float32, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// metadataMatches applies the filter before scoring; every key must be
// present with an equal string form.
func metadataMatches(meta map[string]any, filters map[string]string) bool {
	if len(filters) == 0 {
		return true
	}
	if len(meta) == 0 {
		return false
	}
	for key, want := range filters {
		value, ok := meta[key]
		if !ok {
			return false
		}
		if fmt.Sprint(value) != want {
			return false
		}
	}
	return true
}
