package ingest

// Strategy defines how ingestion writes records into the vector store.
type Strategy string

const (
	StrategyUpsert  Strategy = "upsert"
	StrategyReplace Strategy = "replace"
)

// Options controls ingestion execution details provided by callers.
type Options struct {
	// CWD anchors relative glob patterns for file sources.
	CWD      string
	Strategy Strategy
}

func (o *Options) normalizedStrategy() Strategy {
	if o == nil || o.Strategy == "" {
		return StrategyUpsert
	}
	return o.Strategy
}
