package knowledge

import (
	"strings"
	"unicode/utf8"
)

const (
	chunkMinSize = 200
	chunkMaxSize = 1000
	chunkOverlap = 80
)

// Chunk is a slice of a source document.
type Chunk struct {
	Content     string
	Heading     string
	StartOffset int
	EndOffset   int
	StartLine   int
	EndLine     int
}

// ChunkText splits a document into line-aligned chunks of at most
// chunkMaxSize bytes. Consecutive chunks share a short overlap, and a chunk
// starts fresh at every markdown heading once it holds enough text. A short
// trailing remainder is folded into the previous chunk.
func ChunkText(text string) []Chunk {
	var chunks []Chunk
	lines := strings.SplitAfter(text, "\n")

	var current strings.Builder
	heading := ""
	chunkHeading := ""
	start, offset := 0, 0
	startLine, line := 1, 0
	carried := 0

	flush := func() {
		content := strings.TrimSpace(current.String())
		if content != "" {
			chunks = append(chunks, Chunk{
				Content:     content,
				Heading:     chunkHeading,
				StartOffset: start,
				EndOffset:   offset,
				StartLine:   startLine,
				EndLine:     line,
			})
		}
	}

	for _, l := range lines {
		if l == "" {
			continue
		}
		isHeading := strings.HasPrefix(l, "#")

		if current.Len() > carried && (current.Len()+len(l) > chunkMaxSize || (isHeading && current.Len() >= chunkMinSize)) {
			flush()

			prev := current.String()
			current.Reset()
			start, startLine = offset, line+1
			carried = 0
			if !isHeading && len(prev) > chunkOverlap {
				cut := len(prev) - chunkOverlap
				for cut < len(prev) && !utf8.RuneStart(prev[cut]) {
					cut++
				}
				tail := prev[cut:]
				current.WriteString(tail)
				start = offset - len(tail)
				carried = len(tail)
			}
			chunkHeading = heading
		}

		if isHeading {
			heading = strings.TrimSpace(strings.TrimLeft(l, "#"))
			if current.Len() == 0 {
				chunkHeading = heading
			}
		}

		current.WriteString(l)
		offset += len(l)
		line++
	}

	if current.Len() < chunkMinSize && len(chunks) > 0 {
		last := &chunks[len(chunks)-1]
		if rest := strings.TrimSpace(current.String()[carried:]); rest != "" {
			last.Content = last.Content + "\n" + rest
		}
		last.EndOffset = offset
		last.EndLine = line
		return chunks
	}

	flush()
	return chunks
}
