package knowledge

import (
	"strings"
	"unicode"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Chunker splits text into overlapping windows of at most size runes,
// preferring to cut at sentence or line boundaries.
type Chunker struct {
	size     int
	overlap  int
	minChars int
}

// NewChunker builds a chunker. An overlap that is not smaller than size is
// dropped to 0.
func NewChunker(size int, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{size: size, overlap: overlap, minChars: size / 2}
}

// Split cuts text into trimmed, non-empty chunks.
func (c *Chunker) Split(text string) []string {
	cleaned := strings.TrimSpace(normalizeNewlines(text))
	if cleaned == "" {
		return nil
	}

	runes := []rune(cleaned)
	total := len(runes)

	chunks := make([]string, 0, total/c.size+1)
	start := 0
	for start < total {
		end := start + c.size
		if end >= total {
			end = total
		} else if preferred := findBoundary(runes, start+c.minChars, end); preferred > start+c.minChars {
			end = preferred
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == total {
			break
		}

		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = alignToWord(runes, next, end)
	}
	return chunks
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(replaced, "\r", "\n")
}

var boundaryRunes = map[rune]struct{}{
	'\n': {}, '.': {}, '!': {}, '?': {}, '。': {}, '！': {}, '？': {},
}

// findBoundary returns the index just past the last boundary rune in
// [min, max), or max when there is none.
func findBoundary(runes []rune, min int, max int) int {
	if min < 0 {
		min = 0
	}
	if max > len(runes) {
		max = len(runes)
	}
	if max <= min {
		return min
	}
	for i := max - 1; i >= min; i-- {
		if _, ok := boundaryRunes[runes[i]]; ok {
			return i + 1
		}
	}
	return max
}

// alignToWord moves pos forward to the start of the next word, without
// passing limit.
func alignToWord(runes []rune, pos int, limit int) int {
	if pos == 0 || pos >= limit || unicode.IsSpace(runes[pos-1]) {
		return pos
	}
	for i := pos; i < limit; i++ {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return pos
}
