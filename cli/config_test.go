package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/engine/knowledge"
	"github.com/ragline/ragline/engine/knowledge/vectordb"
)

const sampleConfig = `
id: support_docs
index: support_docs_v1
embedder:
  id: openai_embedder
  provider: openai
  model: text-embedding-3-small
  dimension: 1536
vector_db:
  provider: memory
sources:
  - type: file_glob
    path: "docs/**/*.md"
chunking:
  size: 256
  overlap: 32
retrieval:
  top_k: 8
  min_score: 0.25
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ragline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadKnowledgeConfig(t *testing.T) {
	t.Run("ShouldParseYAMLConfig", func(t *testing.T) {
		cfg, err := loadKnowledgeConfig(writeConfig(t, sampleConfig))
		require.NoError(t, err)
		assert.Equal(t, "support_docs", cfg.ID)
		assert.Equal(t, "support_docs_v1", cfg.Index)
		assert.Equal(t, "openai", string(cfg.Embedder.Provider))
		assert.Equal(t, 1536, cfg.Embedder.Dimension)
		assert.Equal(t, vectordb.ProviderMemory, cfg.VectorDB.Provider)
		require.Len(t, cfg.Sources, 1)
		assert.Equal(t, knowledge.SourceTypeFileGlob, cfg.Sources[0].Type)
		assert.Equal(t, 256, cfg.Chunking.Size)
		assert.Equal(t, 32, cfg.Chunking.OverlapValue())
		assert.Equal(t, 8, cfg.Retrieval.TopK)
		require.NotNil(t, cfg.Retrieval.MinScore)
		assert.InDelta(t, 0.25, *cfg.Retrieval.MinScore, 0.0001)
	})

	t.Run("ShouldLeaveMinScoreNilWhenOmitted", func(t *testing.T) {
		cfg, err := loadKnowledgeConfig(writeConfig(t, `
id: kb
embedder:
  id: emb
  provider: openai
  model: text-embedding-3-small
  dimension: 8
vector_db:
  provider: memory
`))
		require.NoError(t, err)
		assert.Nil(t, cfg.Retrieval.MinScore)
	})

	t.Run("ShouldFillCredentialsFromEnvironment", func(t *testing.T) {
		t.Setenv("RAGLINE_EMBEDDER_API_KEY", "sk-test")
		t.Setenv("RAGLINE_VECTOR_DSN", "postgres://localhost/ragline")
		cfg, err := loadKnowledgeConfig(writeConfig(t, sampleConfig))
		require.NoError(t, err)
		assert.Equal(t, "sk-test", cfg.Embedder.APIKey)
		assert.Equal(t, "postgres://localhost/ragline", cfg.VectorDB.DSN)
	})

	t.Run("ShouldPreferExplicitCredentialsOverEnvironment", func(t *testing.T) {
		t.Setenv("RAGLINE_EMBEDDER_API_KEY", "sk-env")
		cfg, err := loadKnowledgeConfig(writeConfig(t, `
id: kb
embedder:
  id: emb
  provider: openai
  model: text-embedding-3-small
  api_key: sk-file
  dimension: 8
vector_db:
  provider: memory
`))
		require.NoError(t, err)
		assert.Equal(t, "sk-file", cfg.Embedder.APIKey)
	})

	t.Run("ShouldFailOnMissingFile", func(t *testing.T) {
		_, err := loadKnowledgeConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})

	t.Run("ShouldFailOnMalformedYAML", func(t *testing.T) {
		_, err := loadKnowledgeConfig(writeConfig(t, "id: [unclosed"))
		require.Error(t, err)
	})
}
