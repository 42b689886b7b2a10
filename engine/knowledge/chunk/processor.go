package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/ragline/ragline/engine/core"
)

const (
	// StrategyWindow splits with a fixed-size sliding window; consecutive
	// chunks share exactly Overlap runes.
	StrategyWindow = "sliding_window"
	// StrategySeparator prefers separator positions over mid-token cuts.
	StrategySeparator = "separator"
	// StrategyRecursive delegates to the langchaingo recursive splitter.
	StrategyRecursive = "recursive_text_splitter"
)

// ErrInvalidConfig reports a bad size/overlap combination or empty input.
var ErrInvalidConfig = errors.New("chunk: invalid configuration")

var newlinePattern = regexp.MustCompile(`\r\n|\r`)

// Processor handles chunking according to supplied configuration.
type Processor struct {
	settings Settings
}

// NewProcessor builds a processor with sanitized defaults.
func NewProcessor(settings Settings) (*Processor, error) {
	if settings.Strategy == "" {
		if settings.Separator != "" {
			settings.Strategy = StrategySeparator
		} else {
			settings.Strategy = StrategyWindow
		}
	}
	switch settings.Strategy {
	case StrategyWindow, StrategySeparator, StrategyRecursive:
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, settings.Strategy)
	}
	if settings.Size <= 0 {
		return nil, fmt.Errorf("%w: size must be greater than zero", ErrInvalidConfig)
	}
	if settings.Overlap < 0 {
		return nil, fmt.Errorf("%w: overlap cannot be negative", ErrInvalidConfig)
	}
	if settings.Overlap >= settings.Size {
		return nil, fmt.Errorf(
			"%w: overlap %d must be smaller than size %d",
			ErrInvalidConfig, settings.Overlap, settings.Size,
		)
	}
	return &Processor{settings: settings}, nil
}

// Process splits documents into deterministic chunks. Identical inputs always
// produce identical chunk boundaries; documents with empty text are skipped.
func (p *Processor) Process(docs []Document) ([]Chunk, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{})
	chunks := make([]Chunk, 0, len(docs))
	for di := range docs {
		doc := docs[di]
		if strings.TrimSpace(doc.ID) == "" {
			return nil, errors.New("chunk: document id is required")
		}
		text := p.preprocess(doc.Text)
		if text == "" {
			continue
		}
		segments, err := p.split(text)
		if err != nil {
			return nil, fmt.Errorf("chunk: split document %s: %w", doc.ID, err)
		}
		idx := 0
		for _, segment := range segments {
			if segment == "" {
				continue
			}
			hash := hashText(segment)
			if p.settings.Deduplicate {
				if _, exists := seen[hash]; exists {
					continue
				}
				seen[hash] = struct{}{}
			}
			metadata := core.CloneMap(doc.Metadata)
			if metadata == nil {
				metadata = make(map[string]any)
			}
			metadata["chunk_index"] = idx
			metadata["source_id"] = doc.ID
			chunks = append(chunks, Chunk{
				ID:       fmt.Sprintf("%s-chunk-%d", doc.ID, idx),
				Index:    idx,
				Text:     segment,
				Hash:     hash,
				Metadata: metadata,
			})
			idx++
		}
	}
	return chunks, nil
}

func (p *Processor) split(text string) ([]string, error) {
	switch p.settings.Strategy {
	case StrategyWindow:
		return p.splitWindow(text), nil
	case StrategySeparator:
		return p.splitSeparator(text), nil
	case StrategyRecursive:
		splitter := textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(p.settings.Size),
			textsplitter.WithChunkOverlap(p.settings.Overlap),
		)
		segments, err := splitter.SplitText(text)
		if err != nil {
			return nil, err
		}
		trimmed := make([]string, 0, len(segments))
		for _, segment := range segments {
			if s := strings.TrimSpace(segment); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		return trimmed, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, p.settings.Strategy)
	}
}

// splitWindow walks the text with step size-overlap so consecutive chunks
// share exactly Overlap runes; the final chunk may be shorter and no runes
// are dropped.
func (p *Processor) splitWindow(text string) []string {
	runes := []rune(text)
	size := p.settings.Size
	if len(runes) <= size {
		return []string{text}
	}
	step := size - p.settings.Overlap
	segments := make([]string, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end >= len(runes) {
			segments = append(segments, string(runes[start:]))
			break
		}
		segments = append(segments, string(runes[start:end]))
	}
	return segments
}

// splitSeparator prefers cutting at the last separator inside the window; it
// falls back to the plain window cut when no separator is in range.
func (p *Processor) splitSeparator(text string) []string {
	sep := p.settings.Separator
	if sep == "" {
		return p.splitWindow(text)
	}
	runes := []rune(text)
	size := p.settings.Size
	if len(runes) <= size {
		return []string{text}
	}
	sepRunes := []rune(sep)
	segments := make([]string, 0, len(runes)/size+1)
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			segments = append(segments, string(runes[start:]))
			break
		}
		cut := lastSeparatorBefore(runes, sepRunes, start, end)
		if cut <= start {
			cut = end
		}
		segments = append(segments, string(runes[start:cut]))
		next := cut - p.settings.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return segments
}

// lastSeparatorBefore returns the index just past the last full separator
// occurrence within (start, end], or -1 when none fits.
func lastSeparatorBefore(runes, sep []rune, start, end int) int {
	if len(sep) == 0 {
		return -1
	}
	for pos := end - len(sep); pos > start; pos-- {
		matched := true
		for i := range sep {
			if runes[pos+i] != sep[i] {
				matched = false
				break
			}
		}
		if matched {
			return pos + len(sep)
		}
	}
	return -1
}

func (p *Processor) preprocess(text string) string {
	normalized := text
	if p.settings.NormalizeNewlines {
		normalized = newlinePattern.ReplaceAllString(normalized, "\n")
	}
	return normalized
}

func hashText(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}
