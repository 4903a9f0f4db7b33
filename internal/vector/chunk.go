package vector

import (
	"fmt"
	"regexp"
	"strings"
)

// Chunk is the atomic unit of indexing and retrieval: a bounded slice of a
// source document plus its embedding. Chunks are immutable; updating a file
// removes and re-creates all of its chunks.
type Chunk struct {
	ID        string    `json:"id"` // file:chunkIndex
	File      string    `json:"file"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	CharStart int       `json:"charStart"` // half-open [charStart, charEnd)
	CharEnd   int       `json:"charEnd"`
}

var paragraphSep = regexp.MustCompile(`\n[ \t]*\n+`)

// span is a half-open character range within the source text.
type span struct{ start, end int }

// ChunkText splits text on blank-line paragraph boundaries and greedily packs
// paragraphs into chunks of at most size characters. After each flush the
// trailing overlap characters seed the next chunk. Oversized paragraphs
// (> size*1.5) are force-split at a sentence terminator within
// [0.7*size, size], else the nearest newline, else space, else a hard cut.
// Whitespace-only input yields no chunks.
func ChunkText(text string, size, overlap int) []Chunk {
	if size <= 0 {
		size = 1200
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	paras := paragraphSpans(text)

	var spans []span
	var cur span
	hasCur := false

	flush := func() int {
		// Returns the start position for the next chunk (overlap slice).
		spans = append(spans, cur)
		next := cur.end - overlap
		if next < cur.start {
			next = cur.start
		}
		hasCur = false
		return next
	}

	nextStart := -1 // overlap carry-over from the last flush, -1 = none

	for _, p := range paras {
		pLen := p.end - p.start

		if pLen > size*3/2 {
			// Oversized paragraph: flush whatever is pending, then force-split.
			if hasCur {
				nextStart = flush()
			}
			start := p.start
			if nextStart >= 0 && nextStart < start {
				start = nextStart
			}
			rest := span{start, p.end}
			for rest.end-rest.start > size {
				cut := splitPoint(text, rest.start, size)
				spans = append(spans, span{rest.start, cut})
				back := cut - overlap
				if back < rest.start {
					back = rest.start
				}
				rest = span{back, rest.end}
			}
			cur = rest
			hasCur = true
			nextStart = -1
			continue
		}

		if !hasCur {
			start := p.start
			if nextStart >= 0 && nextStart < start {
				start = nextStart
			}
			cur = span{start, p.end}
			hasCur = true
			nextStart = -1
			continue
		}

		if (p.end-cur.start) > size && cur.end > cur.start {
			carry := flush()
			start := p.start
			if carry < start {
				start = carry
			}
			cur = span{start, p.end}
			hasCur = true
		} else {
			cur.end = p.end
		}
	}
	if hasCur {
		spans = append(spans, cur)
	}

	chunks := make([]Chunk, 0, len(spans))
	for _, sp := range spans {
		t := strings.TrimSpace(text[sp.start:sp.end])
		if t == "" {
			continue
		}
		chunks = append(chunks, Chunk{Text: t, CharStart: sp.start, CharEnd: sp.end})
	}
	return chunks
}

// paragraphSpans returns the half-open spans of paragraphs separated by
// blank lines, skipping whitespace-only paragraphs.
func paragraphSpans(text string) []span {
	var out []span
	pos := 0
	for _, sep := range paragraphSep.FindAllStringIndex(text, -1) {
		if strings.TrimSpace(text[pos:sep[0]]) != "" {
			out = append(out, span{pos, sep[0]})
		}
		pos = sep[1]
	}
	if strings.TrimSpace(text[pos:]) != "" {
		out = append(out, span{pos, len(text)})
	}
	return out
}

// splitPoint picks the force-split cut for an oversized paragraph starting
// at base: the nearest sentence terminator within [0.7*size, size] from
// base, else the nearest newline, else the nearest space, else base+size.
func splitPoint(text string, base, size int) int {
	lo := base + int(0.7*float64(size))
	hi := base + size
	if hi > len(text) {
		hi = len(text)
	}
	if lo >= hi {
		return hi
	}

	for i := hi - 1; i >= lo; i-- {
		switch text[i] {
		case '.', '?', '!':
			return i + 1
		}
	}
	for i := hi - 1; i >= lo; i-- {
		if text[i] == '\n' {
			return i + 1
		}
	}
	for i := hi - 1; i >= lo; i-- {
		if text[i] == ' ' {
			return i + 1
		}
	}
	return hi
}

// chunkID forms the stable id for the i-th chunk of a file.
func chunkID(file string, i int) string {
	return fmt.Sprintf("%s:%d", file, i)
}
