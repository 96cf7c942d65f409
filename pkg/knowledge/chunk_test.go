package knowledge

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkText(t *testing.T) {
	t.Run("should keep short documents in one chunk", func(t *testing.T) {
		chunks := ChunkText("# Title\n\nShort body.\n")

		require.Len(t, chunks, 1)
		assert.Equal(t, "# Title\n\nShort body.", chunks[0].Content)
		assert.Equal(t, "Title", chunks[0].Heading)
		assert.Equal(t, 1, chunks[0].StartLine)
		assert.Equal(t, 0, chunks[0].StartOffset)
	})

	t.Run("should return nothing for blank text", func(t *testing.T) {
		assert.Empty(t, ChunkText("\n\n   \n"))
	})

	t.Run("should split at headings once a chunk is large enough", func(t *testing.T) {
		body := strings.Repeat("alpha beta gamma delta\n", 12)
		text := "# One\n" + body + "# Two\n" + body

		chunks := ChunkText(text)

		require.Len(t, chunks, 2)
		assert.Equal(t, "One", chunks[0].Heading)
		assert.Equal(t, "Two", chunks[1].Heading)
		assert.True(t, strings.HasPrefix(chunks[1].Content, "# Two"))
	})

	t.Run("should bound chunk size and overlap consecutive chunks", func(t *testing.T) {
		line := "the quick brown fox jumps over the lazy dog\n"
		text := strings.Repeat(line, 100)

		chunks := ChunkText(text)

		require.Greater(t, len(chunks), 2)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c.Content), chunkMaxSize+chunkOverlap+len(line))
		}
		for i := 1; i < len(chunks); i++ {
			assert.Less(t, chunks[i].StartOffset, chunks[i-1].EndOffset, "chunk %d should overlap its predecessor", i)
		}
		assert.Equal(t, len(text), chunks[len(chunks)-1].EndOffset)
	})

	t.Run("should fold a short tail into the last chunk", func(t *testing.T) {
		text := strings.Repeat("x", 990) + "\n" + "tail words\n"

		chunks := ChunkText(text)

		require.Len(t, chunks, 1)
		assert.True(t, strings.HasSuffix(chunks[0].Content, "tail words"))
		assert.Equal(t, 2, chunks[0].EndLine)
	})

	t.Run("should not cut multibyte characters in the overlap", func(t *testing.T) {
		text := strings.Repeat("héllo wörld ünïcode\n", 80)

		for _, c := range ChunkText(text) {
			assert.True(t, utf8.ValidString(c.Content))
		}
	})
}
