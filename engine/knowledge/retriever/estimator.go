package retriever

import (
	"context"

	"github.com/ragline/ragline/engine/knowledge/embedder"
	"github.com/ragline/ragline/pkg/logger"
)

// TokenEstimator approximates how many tokens a piece of text costs.
type TokenEstimator interface {
	EstimateTokens(ctx context.Context, text string) int
}

type runeEstimator struct{}

func (r runeEstimator) EstimateTokens(_ context.Context, text string) int {
	count := len([]rune(text))
	if count == 0 {
		return 0
	}
	tokens := count / 4
	if tokens == 0 {
		return 1
	}
	return tokens
}

// tiktokenEstimator counts tokens with the model's tokenizer and falls back
// to a rune heuristic when the tokenizer cannot be built.
type tiktokenEstimator struct {
	provider string
	model    string
	fallback runeEstimator
}

// NewTokenEstimator returns an estimator tuned for the given embedding model.
func NewTokenEstimator(provider, model string) TokenEstimator {
	return &tiktokenEstimator{provider: provider, model: model}
}

func (t *tiktokenEstimator) EstimateTokens(ctx context.Context, text string) int {
	if text == "" {
		return 0
	}
	count, err := embedder.EstimateTokens(ctx, t.provider, t.model, []string{text})
	if err != nil {
		logger.FromContext(ctx).Debug("tokenizer unavailable, using rune estimate", "error", err)
		return t.fallback.EstimateTokens(ctx, text)
	}
	return count
}
