package knowledge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ragline/ragline/engine/knowledge/chunk"
	"github.com/ragline/ragline/engine/knowledge/embedder"
	"github.com/ragline/ragline/engine/knowledge/vectordb"
)

const (
	MinChunkSize    = 1
	MaxChunkSize    = 8192
	maxRetrievalK   = 50
	MinScoreFloor   = 0.0
	MaxScoreCeiling = 1.0
)

// Defaults captures global defaults applied during normalization.
type Defaults struct {
	EmbedderBatchSize int
	ChunkSize         int
	ChunkOverlap      int
	RetrievalTopK     int
}

// DefaultDefaults returns the built-in defaults used when no override is supplied.
func DefaultDefaults() Defaults {
	return Defaults{
		EmbedderBatchSize: embedder.DefaultBatchSize,
		ChunkSize:         512,
		ChunkOverlap:      50,
		RetrievalTopK:     5,
	}
}

// SourceType identifies a batch ingestion source kind.
type SourceType string

const (
	SourceTypeFileGlob SourceType = "file_glob"
)

// ChunkStrategy selects the splitting algorithm.
type ChunkStrategy string

const (
	ChunkStrategyWindow    ChunkStrategy = chunk.StrategyWindow
	ChunkStrategySeparator ChunkStrategy = chunk.StrategySeparator
	ChunkStrategyRecursive ChunkStrategy = chunk.StrategyRecursive
)

// Config describes a complete knowledge base: where documents come from, how
// they are split and embedded, and how retrieval behaves.
type Config struct {
	ID          string           `json:"id"                    yaml:"id"                    mapstructure:"id"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description,omitempty"`
	Index       string           `json:"index"                 yaml:"index"                 mapstructure:"index"`
	Embedder    embedder.Config  `json:"embedder"              yaml:"embedder"              mapstructure:"embedder"`
	VectorDB    vectordb.Config  `json:"vector_db"             yaml:"vector_db"             mapstructure:"vector_db"`
	Sources     []SourceConfig   `json:"sources,omitempty"     yaml:"sources,omitempty"     mapstructure:"sources,omitempty"`
	Chunking    ChunkingConfig   `json:"chunking,omitempty"    yaml:"chunking,omitempty"    mapstructure:"chunking,omitempty"`
	Preprocess  PreprocessConfig `json:"preprocess,omitempty"  yaml:"preprocess,omitempty"  mapstructure:"preprocess,omitempty"`
	Retrieval   RetrievalConfig  `json:"retrieval,omitempty"   yaml:"retrieval,omitempty"   mapstructure:"retrieval,omitempty"`
	Metadata    MetadataConfig   `json:"metadata,omitempty"    yaml:"metadata,omitempty"    mapstructure:"metadata,omitempty"`
}

// SourceConfig describes a batch ingestion source such as a file glob.
type SourceConfig struct {
	Type    SourceType        `json:"type"              yaml:"type"              mapstructure:"type"`
	Path    string            `json:"path,omitempty"    yaml:"path,omitempty"    mapstructure:"path,omitempty"`
	Paths   []string          `json:"paths,omitempty"   yaml:"paths,omitempty"   mapstructure:"paths,omitempty"`
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty" mapstructure:"options,omitempty"`
}

// ChunkingConfig tunes how documents are split before embedding.
type ChunkingConfig struct {
	Strategy  ChunkStrategy `json:"strategy,omitempty"  yaml:"strategy,omitempty"  mapstructure:"strategy,omitempty"`
	Size      int           `json:"size,omitempty"      yaml:"size,omitempty"      mapstructure:"size,omitempty"`
	Overlap   *int          `json:"overlap,omitempty"   yaml:"overlap,omitempty"   mapstructure:"overlap,omitempty"`
	Separator string        `json:"separator,omitempty" yaml:"separator,omitempty" mapstructure:"separator,omitempty"`
}

// PreprocessConfig configures preprocessing applied to raw content.
type PreprocessConfig struct {
	Deduplicate *bool `json:"dedupe,omitempty" yaml:"dedupe,omitempty" mapstructure:"dedupe,omitempty"`
}

// RetrievalConfig manages how stored chunks are queried and assembled into
// answer context. MinScore has no default on purpose: score distributions vary
// by embedding model, so cutoffs only apply when a caller sets one.
type RetrievalConfig struct {
	TopK      int               `json:"top_k,omitempty"     yaml:"top_k,omitempty"     mapstructure:"top_k,omitempty"`
	MinScore  *float64          `json:"min_score,omitempty" yaml:"min_score,omitempty" mapstructure:"min_score,omitempty"`
	MaxTokens int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" mapstructure:"max_tokens,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"   yaml:"filters,omitempty"   mapstructure:"filters,omitempty"`
}

// MetadataConfig carries optional descriptive metadata stamped onto every
// ingested chunk.
type MetadataConfig struct {
	Tags   []string `json:"tags,omitempty"   yaml:"tags,omitempty"   mapstructure:"tags,omitempty"`
	Owners []string `json:"owners,omitempty" yaml:"owners,omitempty" mapstructure:"owners,omitempty"`
}

// OverlapValue returns the configured chunk overlap or zero when unset.
func (c ChunkingConfig) OverlapValue() int {
	if c.Overlap == nil {
		return 0
	}
	return *c.Overlap
}

func (c *ChunkingConfig) setOverlap(value int) {
	c.Overlap = &value
}

// MinScoreValue returns the retrieval minimum score or zero when unspecified.
func (c *RetrievalConfig) MinScoreValue() float64 {
	if c == nil || c.MinScore == nil {
		return 0
	}
	return *c.MinScore
}

// Normalize applies built-in defaults in place.
func (c *Config) Normalize() {
	c.NormalizeWithDefaults(DefaultDefaults())
}

// NormalizeWithDefaults applies the supplied defaults in place.
func (c *Config) NormalizeWithDefaults(defaults Defaults) {
	defaults = sanitizeDefaults(defaults)
	if strings.TrimSpace(c.Index) == "" {
		c.Index = c.ID
	}
	c.Embedder.ApplyDefaults()
	if c.Embedder.BatchSize <= 0 {
		c.Embedder.BatchSize = defaults.EmbedderBatchSize
	}
	c.Chunking.normalize(defaults)
	c.Preprocess.normalize()
	c.Retrieval.normalize(defaults)
}

func (c *ChunkingConfig) normalize(defaults Defaults) {
	if c.Strategy == "" {
		if strings.TrimSpace(c.Separator) != "" {
			c.Strategy = ChunkStrategySeparator
		} else {
			c.Strategy = ChunkStrategyWindow
		}
	}
	if c.Size == 0 {
		c.Size = defaults.ChunkSize
	}
	if c.Overlap == nil {
		overlap := defaults.ChunkOverlap
		if overlap >= c.Size {
			overlap = c.Size - 1
		}
		c.setOverlap(overlap)
	}
}

func (c *PreprocessConfig) normalize() {
	if c.Deduplicate == nil {
		val := true
		c.Deduplicate = &val
	}
}

func (c *RetrievalConfig) normalize(defaults Defaults) {
	if c.TopK <= 0 {
		c.TopK = defaults.RetrievalTopK
	}
	if c.TopK > maxRetrievalK {
		c.TopK = maxRetrievalK
	}
}

func sanitizeDefaults(in Defaults) Defaults {
	out := in
	fallback := Defaults{
		EmbedderBatchSize: embedder.DefaultBatchSize,
		ChunkSize:         512,
		ChunkOverlap:      50,
		RetrievalTopK:     5,
	}
	if out.EmbedderBatchSize <= 0 {
		out.EmbedderBatchSize = fallback.EmbedderBatchSize
	}
	out.ChunkSize = clampInt(out.ChunkSize, MinChunkSize, MaxChunkSize)
	if out.ChunkSize == MinChunkSize && in.ChunkSize <= 0 {
		out.ChunkSize = fallback.ChunkSize
	}
	if out.ChunkOverlap < 0 {
		out.ChunkOverlap = fallback.ChunkOverlap
	}
	if out.ChunkOverlap >= out.ChunkSize {
		out.ChunkOverlap = out.ChunkSize - 1
	}
	if out.RetrievalTopK <= 0 {
		out.RetrievalTopK = fallback.RetrievalTopK
	}
	if out.RetrievalTopK > maxRetrievalK {
		out.RetrievalTopK = maxRetrievalK
	}
	return out
}

func clampInt(value int, lower int, upper int) int {
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	errs := make([]error, 0)
	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, errors.New("knowledge: id is required"))
	}
	if strings.TrimSpace(c.Index) == "" {
		errs = append(errs, errors.New("knowledge: index name is required"))
	}
	if c.Embedder.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("knowledge %q: embedder dimension must be greater than zero", c.ID))
	}
	if c.Chunking.Size < MinChunkSize || c.Chunking.Size > MaxChunkSize {
		errs = append(errs, fmt.Errorf(
			"knowledge %q: chunk size must be between %d and %d", c.ID, MinChunkSize, MaxChunkSize,
		))
	}
	if overlap := c.Chunking.OverlapValue(); overlap < 0 || overlap >= c.Chunking.Size {
		errs = append(errs, fmt.Errorf("knowledge %q: chunk overlap must be smaller than chunk size", c.ID))
	}
	if min := c.Retrieval.MinScoreValue(); min < MinScoreFloor || min > MaxScoreCeiling {
		errs = append(errs, fmt.Errorf(
			"knowledge %q: retrieval min_score must be between %v and %v", c.ID, MinScoreFloor, MaxScoreCeiling,
		))
	}
	for i := range c.Sources {
		if err := validateSource(c.ID, &c.Sources[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateSource(kbID string, source *SourceConfig) error {
	switch source.Type {
	case SourceTypeFileGlob:
		if strings.TrimSpace(source.Path) == "" && len(source.Paths) == 0 {
			return fmt.Errorf("knowledge %q: file_glob source requires path or paths", kbID)
		}
		return nil
	default:
		return fmt.Errorf("knowledge %q: source type %q is not supported", kbID, source.Type)
	}
}

// ChunkSettings converts the chunking section into processor settings.
func (c *Config) ChunkSettings() chunk.Settings {
	dedupe := true
	if c.Preprocess.Deduplicate != nil {
		dedupe = *c.Preprocess.Deduplicate
	}
	return chunk.Settings{
		Strategy:          string(c.Chunking.Strategy),
		Size:              c.Chunking.Size,
		Overlap:           c.Chunking.OverlapValue(),
		Separator:         c.Chunking.Separator,
		Deduplicate:       dedupe,
		NormalizeNewlines: true,
	}
}

// IndexSpec derives the vector index specification for this knowledge base.
func (c *Config) IndexSpec() vectordb.IndexSpec {
	return vectordb.IndexSpec{
		Name:      c.Index,
		Dimension: c.Embedder.Dimension,
		Metric:    vectordb.MetricCosine,
	}
}
