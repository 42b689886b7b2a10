package vectordb

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	errMissingProvider = errors.New("vector store provider is required")
	errMissingDSN      = errors.New("vector store dsn is required")
	errMissingPath     = errors.New("vector store path is required")
)

// New instantiates a vector store backed by the requested provider.
func New(ctx context.Context, cfg *Config) (Store, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case ProviderMemory:
		return newMemoryStore(cfg), nil
	case ProviderFilesystem:
		return newFileStore(cfg)
	case ProviderPGVector:
		return newPGStore(ctx, cfg)
	case ProviderRedis:
		return newRedisStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("vector store %q: provider %q is not supported", cfg.ID, cfg.Provider)
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("vector store config is required")
	}
	if strings.TrimSpace(string(cfg.Provider)) == "" {
		return fmt.Errorf("vector store %q: %w", cfg.ID, errMissingProvider)
	}
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	cfg.Path = strings.TrimSpace(cfg.Path)
	switch cfg.Provider {
	case ProviderPGVector, ProviderRedis:
		if cfg.DSN == "" {
			return fmt.Errorf("vector store %q: %w", cfg.ID, errMissingDSN)
		}
	case ProviderFilesystem:
		if cfg.Path == "" {
			return fmt.Errorf("vector store %q: %w", cfg.ID, errMissingPath)
		}
	}
	if cfg.MaxTopK < 0 {
		return fmt.Errorf("vector store %q: max_top_k must be non-negative", cfg.ID)
	}
	return nil
}
