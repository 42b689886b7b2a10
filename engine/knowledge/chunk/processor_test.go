package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessor(t *testing.T) {
	t.Run("ShouldDefaultToSlidingWindow", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 512, Overlap: 50})
		require.NoError(t, err)
		assert.Equal(t, StrategyWindow, p.settings.Strategy)
	})

	t.Run("ShouldDefaultToSeparatorWhenSeparatorSet", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 512, Overlap: 50, Separator: "\n\n"})
		require.NoError(t, err)
		assert.Equal(t, StrategySeparator, p.settings.Strategy)
	})

	t.Run("ShouldRejectOverlapEqualToSize", func(t *testing.T) {
		_, err := NewProcessor(Settings{Size: 100, Overlap: 100})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("ShouldRejectOverlapGreaterThanSize", func(t *testing.T) {
		_, err := NewProcessor(Settings{Size: 100, Overlap: 150})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("ShouldRejectNonPositiveSize", func(t *testing.T) {
		_, err := NewProcessor(Settings{Size: 0, Overlap: 0})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("ShouldRejectNegativeOverlap", func(t *testing.T) {
		_, err := NewProcessor(Settings{Size: 100, Overlap: -1})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("ShouldRejectUnknownStrategy", func(t *testing.T) {
		_, err := NewProcessor(Settings{Strategy: "semantic", Size: 100})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestProcessorWindow(t *testing.T) {
	t.Run("ShouldReturnSingleChunkWhenTextFitsWindow", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 100, Overlap: 10})
		require.NoError(t, err)
		chunks, err := p.Process([]Document{{ID: "doc", Text: "short text"}})
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "doc-chunk-0", chunks[0].ID)
		assert.Equal(t, "short text", chunks[0].Text)
		assert.Equal(t, 0, chunks[0].Index)
	})

	t.Run("ShouldOverlapConsecutiveChunksExactly", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 10, Overlap: 3, Deduplicate: false})
		require.NoError(t, err)
		text := "abcdefghijklmnopqrstuvwxyz"
		chunks, err := p.Process([]Document{{ID: "doc", Text: text}})
		require.NoError(t, err)
		require.True(t, len(chunks) > 1)
		for i := 1; i < len(chunks); i++ {
			prev := []rune(chunks[i-1].Text)
			curr := []rune(chunks[i].Text)
			tail := string(prev[len(prev)-3:])
			head := string(curr[:3])
			assert.Equal(t, tail, head, "chunks %d and %d", i-1, i)
		}
	})

	t.Run("ShouldCoverEveryRuneWithoutLoss", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 10, Overlap: 3, Deduplicate: false})
		require.NoError(t, err)
		text := strings.Repeat("0123456789", 5)
		chunks, err := p.Process([]Document{{ID: "doc", Text: text}})
		require.NoError(t, err)
		var rebuilt strings.Builder
		for i, c := range chunks {
			runes := []rune(c.Text)
			if i == 0 {
				rebuilt.WriteString(c.Text)
				continue
			}
			rebuilt.WriteString(string(runes[3:]))
		}
		assert.Equal(t, text, rebuilt.String())
	})

	t.Run("ShouldBeDeterministic", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 12, Overlap: 4})
		require.NoError(t, err)
		doc := Document{ID: "doc", Text: strings.Repeat("lorem ipsum dolor ", 20)}
		first, err := p.Process([]Document{doc})
		require.NoError(t, err)
		second, err := p.Process([]Document{doc})
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("ShouldHandleMultiByteRunes", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 4, Overlap: 1, Deduplicate: false})
		require.NoError(t, err)
		chunks, err := p.Process([]Document{{ID: "doc", Text: "日本語のテキストです"}})
		require.NoError(t, err)
		require.NotEmpty(t, chunks)
		for _, c := range chunks {
			assert.LessOrEqual(t, len([]rune(c.Text)), 4)
		}
	})

	t.Run("ShouldAssignSequentialChunkIDs", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 5, Overlap: 0, Deduplicate: false})
		require.NoError(t, err)
		chunks, err := p.Process([]Document{{ID: "report", Text: "aaaaabbbbbccccc"}})
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		for i, c := range chunks {
			assert.Equal(t, fmt.Sprintf("report-chunk-%d", i), c.ID)
			assert.Equal(t, i, c.Index)
			assert.Equal(t, i, c.Metadata["chunk_index"])
			assert.Equal(t, "report", c.Metadata["source_id"])
		}
	})
}

func TestProcessorSeparator(t *testing.T) {
	t.Run("ShouldPreferSeparatorBoundaries", func(t *testing.T) {
		p, err := NewProcessor(Settings{
			Strategy:  StrategySeparator,
			Size:      20,
			Overlap:   0,
			Separator: " ",
		})
		require.NoError(t, err)
		text := "alpha bravo charlie delta echo foxtrot golf"
		chunks, err := p.Process([]Document{{ID: "doc", Text: text}})
		require.NoError(t, err)
		require.True(t, len(chunks) > 1)
		for i := 0; i < len(chunks)-1; i++ {
			assert.True(t, strings.HasSuffix(chunks[i].Text, " "),
				"chunk %d should end at a separator: %q", i, chunks[i].Text)
		}
	})

	t.Run("ShouldFallBackToWindowCutWithoutSeparatorInRange", func(t *testing.T) {
		p, err := NewProcessor(Settings{
			Strategy:  StrategySeparator,
			Size:      10,
			Overlap:   0,
			Separator: "\n\n",
		})
		require.NoError(t, err)
		chunks, err := p.Process([]Document{{ID: "doc", Text: strings.Repeat("x", 25)}})
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		assert.Len(t, chunks[0].Text, 10)
	})
}

func TestProcessorInput(t *testing.T) {
	t.Run("ShouldSkipEmptyDocuments", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 100, Overlap: 0})
		require.NoError(t, err)
		chunks, err := p.Process([]Document{
			{ID: "empty", Text: ""},
			{ID: "real", Text: "content"},
		})
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "real-chunk-0", chunks[0].ID)
	})

	t.Run("ShouldReturnNothingForNoDocuments", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 100, Overlap: 0})
		require.NoError(t, err)
		chunks, err := p.Process(nil)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("ShouldRequireDocumentID", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 100, Overlap: 0})
		require.NoError(t, err)
		_, err = p.Process([]Document{{ID: "  ", Text: "content"}})
		require.Error(t, err)
	})

	t.Run("ShouldNormalizeNewlines", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 100, Overlap: 0, NormalizeNewlines: true})
		require.NoError(t, err)
		chunks, err := p.Process([]Document{{ID: "doc", Text: "line1\r\nline2\rline3"}})
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "line1\nline2\nline3", chunks[0].Text)
	})

	t.Run("ShouldDeduplicateIdenticalSegments", func(t *testing.T) {
		p, err := NewProcessor(Settings{Size: 5, Overlap: 0, Deduplicate: true})
		require.NoError(t, err)
		chunks, err := p.Process([]Document{{ID: "doc", Text: "aaaaaaaaaabbbbb"}})
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, "aaaaa", chunks[0].Text)
		assert.Equal(t, "bbbbb", chunks[1].Text)
	})
}
