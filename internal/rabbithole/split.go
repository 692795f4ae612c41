package rabbithole

import (
	"strings"
)

// separators tried in order when a piece of text exceeds the chunk
// size: paragraphs, lines, sentences, words.
var separators = []string{"\n\n", "\n", ". ", " "}

// Splitter cuts text into chunks of at most chunkSize bytes, carrying
// overlap bytes of trailing context into the next chunk.
type Splitter struct {
	chunkSize int
	overlap   int
}

// NewSplitter creates a splitter. chunkSize below one falls back to
// 1024; overlap is clamped below chunkSize.
func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize < 1 {
		chunkSize = 1024
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{chunkSize: chunkSize, overlap: overlap}
}

// Split cuts text into chunks. Text that fits in one chunk is returned
// as a single element; empty input yields none.
func (s *Splitter) Split(text string) []string {
	segs := segment(strings.TrimSpace(text), separators, s.chunkSize)
	if len(segs) == 0 {
		return nil
	}

	var chunks []string
	var cur strings.Builder
	for _, seg := range segs {
		if cur.Len() > 0 && cur.Len()+len(seg) > s.chunkSize {
			chunk := strings.TrimSpace(cur.String())
			chunks = append(chunks, chunk)
			cur.Reset()
			if s.overlap > 0 {
				cur.WriteString(overlapTail(chunk, s.overlap))
				cur.WriteString(" ")
			}
		}
		cur.WriteString(seg)
	}
	if tail := strings.TrimSpace(cur.String()); tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

// segment recursively breaks text into pieces no larger than size,
// preferring the earliest separator that applies. Separators stay
// attached to the preceding piece so no text is lost.
func segment(text string, seps []string, size int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= size {
		return []string{text}
	}
	if len(seps) == 0 {
		// No separator left: hard cut.
		var out []string
		for len(text) > size {
			out = append(out, text[:size])
			text = text[size:]
		}
		if text != "" {
			out = append(out, text)
		}
		return out
	}

	parts := strings.SplitAfter(text, seps[0])
	if len(parts) == 1 {
		return segment(text, seps[1:], size)
	}
	var out []string
	for _, part := range parts {
		if len(part) <= size {
			if strings.TrimSpace(part) != "" {
				out = append(out, part)
			}
			continue
		}
		out = append(out, segment(part, seps[1:], size)...)
	}
	return out
}

// overlapTail returns the last n bytes of chunk, snapped forward to a
// space so the overlap starts on a word boundary.
func overlapTail(chunk string, n int) string {
	if len(chunk) <= n {
		return chunk
	}
	tail := chunk[len(chunk)-n:]
	if i := strings.IndexByte(tail, ' '); i >= 0 && i+1 < len(tail) {
		tail = tail[i+1:]
	}
	return tail
}

// qualityScore assigns a provisional score in [0, 1) to a chunk:
// mostly-alphanumeric, reasonably long text scores high; markup
// residue and fragments score low.
func qualityScore(text string) float64 {
	if text == "" {
		return 0
	}
	var alnum int
	for _, r := range text {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == ' ' {
			alnum++
		}
	}
	ratio := float64(alnum) / float64(len([]rune(text)))

	length := float64(len(text)) / 200
	if length > 1 {
		length = 1
	}
	return 0.55*ratio + 0.4*length
}
