package cli

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/ragline/ragline/engine/knowledge"
)

func loadKnowledgeConfig(path string) (*knowledge.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var cfg knowledge.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides fills credentials that should not live in config files.
func applyEnvOverrides(cfg *knowledge.Config) {
	if cfg.Embedder.APIKey == "" {
		if key := os.Getenv("RAGLINE_EMBEDDER_API_KEY"); key != "" {
			cfg.Embedder.APIKey = key
		}
	}
	if cfg.VectorDB.DSN == "" {
		if dsn := os.Getenv("RAGLINE_VECTOR_DSN"); dsn != "" {
			cfg.VectorDB.DSN = dsn
		}
	}
}
