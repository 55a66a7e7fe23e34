package ingestion

import (
	"regexp"
	"strings"
)

// Chunker splits canonical document text into character-bounded chunks
// (spec §4.6 step 5: target 512-1024 characters, paragraph-then-sentence
// boundaries, 10-15% overlap). Adapted from
// RedClaus-cortex/core/internal/ingestion/chunker.go's token-budgeted
// paragraph/sentence splitting (splitIntoParagraphs, splitLongText,
// getOverlapText), switched from token counts to character counts since
// the spec's chunk boundaries are character offsets, not token counts.
type Chunker struct {
	minChars     int
	maxChars     int
	overlapRatio float64
}

// NewChunker constructs a Chunker targeting [minChars, maxChars] chunks with
// the given overlap fraction (0.10-0.15 per spec).
func NewChunker(minChars, maxChars int, overlapRatio float64) *Chunker {
	return &Chunker{minChars: minChars, maxChars: maxChars, overlapRatio: overlapRatio}
}

// Span is a chunk's character offset range within the canonical text.
type Span struct {
	Start int
	End   int
}

// Piece is one produced chunk.
type Piece struct {
	Content string
	Span    Span
}

var paragraphSplitRe = regexp.MustCompile(`\n\s*\n`)
var sentenceSplitRe = regexp.MustCompile(`[.!?]+\s+`)

// Chunk splits text into Pieces, preferring paragraph boundaries and
// falling back to sentence boundaries for any paragraph that alone
// exceeds maxChars.
func (c *Chunker) Chunk(text string) []Piece {
	paragraphs := splitKeepingOffsets(text, paragraphSplitRe)

	var pieces []Piece
	var cur strings.Builder
	curStart := -1
	lastEnd := 0

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		content := cur.String()
		pieces = append(pieces, Piece{Content: content, Span: Span{Start: curStart, End: curStart + len(content)}})
		cur.Reset()
		curStart = -1
	}

	for _, para := range paragraphs {
		if len(para.text) > c.maxChars {
			flush()
			pieces = append(pieces, c.splitLong(para.text, para.start)...)
			lastEnd = para.end
			continue
		}

		if cur.Len()+len(para.text) > c.maxChars && cur.Len() >= c.minChars {
			flush()
		}
		if cur.Len() == 0 {
			if len(pieces) > 0 {
				overlap := overlapSuffix(pieces[len(pieces)-1].Content, c.overlapRatio)
				cur.WriteString(overlap)
			}
			curStart = para.start - cur.Len()
			if curStart < 0 {
				curStart = para.start
			}
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para.text)
		lastEnd = para.end
	}
	_ = lastEnd
	flush()
	return pieces
}

func (c *Chunker) splitLong(text string, baseOffset int) []Piece {
	sentences := splitKeepingOffsets(text, sentenceSplitRe)

	var pieces []Piece
	var cur strings.Builder
	curStart := -1

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		content := cur.String()
		pieces = append(pieces, Piece{Content: content, Span: Span{Start: baseOffset + curStart, End: baseOffset + curStart + len(content)}})
		cur.Reset()
		curStart = -1
	}

	for _, s := range sentences {
		if cur.Len()+len(s.text) > c.maxChars && cur.Len() >= c.minChars {
			flush()
		}
		if cur.Len() == 0 {
			curStart = s.start
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(s.text)
	}
	flush()
	return pieces
}

type offsetSlice struct {
	text       string
	start, end int
}

// splitKeepingOffsets splits text on re, trims each piece, and records its
// offset within the original text (needed because regexp.Split discards
// match positions).
func splitKeepingOffsets(text string, re *regexp.Regexp) []offsetSlice {
	locs := re.FindAllStringIndex(text, -1)
	var out []offsetSlice
	prev := 0
	for _, loc := range locs {
		out = append(out, trimSlice(text, prev, loc[0]))
		prev = loc[1]
	}
	out = append(out, trimSlice(text, prev, len(text)))

	var filtered []offsetSlice
	for _, o := range out {
		if o.text != "" {
			filtered = append(filtered, o)
		}
	}
	return filtered
}

func trimSlice(text string, start, end int) offsetSlice {
	raw := text[start:end]
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return offsetSlice{}
	}
	leading := strings.Index(raw, trimmed)
	return offsetSlice{text: trimmed, start: start + leading, end: start + leading + len(trimmed)}
}

// overlapSuffix returns the trailing fraction of content (by character
// count) to seed the next chunk with, mirroring getOverlapText's
// "take the tail" approach but measured in characters, not tokens.
func overlapSuffix(content string, ratio float64) string {
	n := int(float64(len(content)) * ratio)
	if n <= 0 || n >= len(content) {
		return ""
	}
	tail := content[len(content)-n:]
	if sp := strings.IndexByte(tail, ' '); sp >= 0 {
		tail = tail[sp+1:]
	}
	return tail
}
