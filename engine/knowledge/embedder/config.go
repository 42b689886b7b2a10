package embedder

// Provider identifies an embedding backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderVertex Provider = "vertex"
)

const (
	// DefaultBatchSize bounds how many texts go to the backend per request.
	DefaultBatchSize = 32
	// DefaultCacheSize is the LRU entry count used when caching is enabled
	// without an explicit size.
	DefaultCacheSize = 1024
)

// Config describes an embedding backend and its batching behavior.
type Config struct {
	ID            string         `json:"id"             yaml:"id"             mapstructure:"id"`
	Provider      Provider       `json:"provider"       yaml:"provider"       mapstructure:"provider"`
	Model         string         `json:"model"          yaml:"model"          mapstructure:"model"`
	APIKey        string         `json:"api_key"        yaml:"api_key"        mapstructure:"api_key"`
	Dimension     int            `json:"dimension"      yaml:"dimension"      mapstructure:"dimension"`
	BatchSize     int            `json:"batch_size"     yaml:"batch_size"     mapstructure:"batch_size"`
	StripNewLines bool           `json:"strip_newlines" yaml:"strip_newlines" mapstructure:"strip_newlines"`
	CacheSize     int            `json:"cache_size"     yaml:"cache_size"     mapstructure:"cache_size"`
	Options       map[string]any `json:"options"        yaml:"options"        mapstructure:"options"`
}

// ApplyDefaults fills unset batching knobs.
func (c *Config) ApplyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
}
