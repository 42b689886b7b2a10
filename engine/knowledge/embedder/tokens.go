package embedder

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/singleflight"
)

const defaultEncoding = "cl100k_base"

type counterKey struct {
	provider string
	model    string
}

var (
	tokenCounters   sync.Map
	tokenizerBuilds singleflight.Group
)

// EstimateTokens counts tokens for the provided texts using a cached
// tokenizer per model. Unknown models fall back to the cl100k_base encoding.
func EstimateTokens(_ context.Context, provider string, model string, texts []string) (int, error) {
	if len(texts) == 0 {
		return 0, nil
	}
	encoder, err := encoderForModel(provider, model)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, text := range texts {
		total += len(encoder.Encode(text, nil, nil))
	}
	return total, nil
}

func encoderForModel(provider string, model string) (*tiktoken.Tiktoken, error) {
	key := counterKey{
		provider: strings.TrimSpace(provider),
		model:    strings.TrimSpace(model),
	}
	if cached, ok := tokenCounters.Load(key); ok {
		if encoder, valid := cached.(*tiktoken.Tiktoken); valid {
			return encoder, nil
		}
	}
	v, err, _ := tokenizerBuilds.Do(key.provider+"|"+key.model, func() (any, error) {
		return resolveEncoder(key.model)
	})
	if err != nil {
		return nil, fmt.Errorf("create tokenizer for provider %s model %s: %w", provider, model, err)
	}
	encoder, ok := v.(*tiktoken.Tiktoken)
	if !ok {
		return nil, fmt.Errorf("unexpected tokenizer type %T", v)
	}
	tokenCounters.Store(key, encoder)
	return encoder, nil
}

func resolveEncoder(model string) (*tiktoken.Tiktoken, error) {
	if model != "" {
		if enc, err := tiktoken.EncodingForModel(model); err == nil {
			return enc, nil
		}
	}
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("get default encoding: %w", err)
	}
	return enc, nil
}
