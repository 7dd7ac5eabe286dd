// Package chunk splits normalized document text into embedding-sized pieces.
//
// Splitting is paragraph-first: paragraph boundaries are preserved whenever a
// whole paragraph fits in a chunk, oversized paragraphs fall back to sentence
// boundaries, and pathological sentences are hard-split by words. Consecutive
// chunks share a configurable token overlap so retrieval does not lose
// context at cut points.
package chunk

import "strings"

// Options controls chunking behaviour. Zero values select defaults.
type Options struct {
	// MaxTokens is the upper bound per chunk, overlap included. Default: 512.
	MaxTokens int
	// OverlapTokens is how many trailing tokens of the previous chunk are
	// prepended to the next one. Default: 50.
	OverlapTokens int
	// MinChunkTokens merges a trailing chunk smaller than this into its
	// predecessor when the result still fits MaxTokens. Default: 16.
	MinChunkTokens int
}

func (o *Options) defaults() {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 512
	}
	if o.OverlapTokens < 0 {
		o.OverlapTokens = 0
	}
	if o.OverlapTokens == 0 {
		o.OverlapTokens = 50
	}
	if o.OverlapTokens >= o.MaxTokens {
		o.OverlapTokens = o.MaxTokens / 4
	}
	if o.MinChunkTokens <= 0 {
		o.MinChunkTokens = 16
	}
	if o.MinChunkTokens > o.MaxTokens {
		o.MinChunkTokens = o.MaxTokens
	}
}

// Chunk is one piece of a split document.
type Chunk struct {
	Text        string
	OverlapPrev int // tokens carried over from the previous chunk
	TokenCount  int
	Index       int
}

// CountTokens counts whitespace-separated tokens.
// A word-based count tracks embedding-model tokenizers closely enough for
// sizing purposes; exact counts are the backend's concern.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// EstimateTokens approximates the subword token count from byte length.
// Roughly four bytes per token for western-language text.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(strings.TrimSpace(text)) > 0 {
		n = 1
	}
	return n
}

// Split cuts text into chunks of at most opts.MaxTokens tokens.
// Returns nil for empty or whitespace-only input. A text that fits in one
// chunk is returned verbatim.
func Split(text string, opts Options) []Chunk {
	opts.defaults()
	if strings.TrimSpace(text) == "" {
		return nil
	}

	total := CountTokens(text)
	if total <= opts.MaxTokens {
		return []Chunk{{Text: text, TokenCount: total, Index: 0}}
	}

	// Later chunks carry an overlap prefix, so cores are packed to the
	// remaining capacity. The first chunk simply has no prefix.
	coreCap := opts.MaxTokens - opts.OverlapTokens

	cores := packPieces(pieces(text, coreCap), coreCap)
	cores = mergeTrailing(cores, opts)

	chunks := make([]Chunk, 0, len(cores))
	var prevWords []string
	for i, core := range cores {
		c := Chunk{Index: i}
		coreTokens := CountTokens(core)
		if i == 0 || opts.OverlapTokens == 0 {
			c.Text = core
			c.TokenCount = coreTokens
		} else {
			overlap := tail(prevWords, opts.OverlapTokens)
			c.OverlapPrev = len(overlap)
			c.Text = strings.Join(overlap, " ") + "\n" + core
			c.TokenCount = c.OverlapPrev + coreTokens
		}
		prevWords = strings.Fields(core)
		chunks = append(chunks, c)
	}
	return chunks
}

// piece is a split unit with its separator semantics: paragraphs rejoin with
// a blank line, sentence and word fragments rejoin with a space.
type piece struct {
	text   string
	tokens int
	para   bool
}

// pieces breaks text into units no larger than cap tokens.
func pieces(text string, capTokens int) []piece {
	var out []piece
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		n := CountTokens(para)
		if n <= capTokens {
			out = append(out, piece{text: para, tokens: n, para: true})
			continue
		}
		// Oversized paragraph: sentence boundaries, then hard word splits.
		first := true
		for _, sent := range sentences(para) {
			sn := CountTokens(sent)
			if sn <= capTokens {
				out = append(out, piece{text: sent, tokens: sn, para: first})
				first = false
				continue
			}
			words := strings.Fields(sent)
			for start := 0; start < len(words); start += capTokens {
				end := min(start+capTokens, len(words))
				out = append(out, piece{
					text:   strings.Join(words[start:end], " "),
					tokens: end - start,
					para:   first,
				})
				first = false
			}
		}
	}
	return out
}

// sentences splits a paragraph after terminal punctuation followed by space.
func sentences(para string) []string {
	var out []string
	start := 0
	runes := []rune(para)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if (r == '.' || r == '!' || r == '?') && i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '\n') {
			s := strings.TrimSpace(string(runes[start : i+1]))
			if s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// packPieces greedily fills cores up to capTokens, preferring paragraph
// boundaries between pieces.
func packPieces(in []piece, capTokens int) []string {
	var cores []string
	var buf strings.Builder
	bufTokens := 0

	flush := func() {
		if bufTokens > 0 {
			cores = append(cores, buf.String())
			buf.Reset()
			bufTokens = 0
		}
	}

	for _, p := range in {
		if bufTokens > 0 && bufTokens+p.tokens > capTokens {
			flush()
		}
		if bufTokens > 0 {
			if p.para {
				buf.WriteString("\n\n")
			} else {
				buf.WriteString(" ")
			}
		}
		buf.WriteString(p.text)
		bufTokens += p.tokens
	}
	flush()
	return cores
}

// mergeTrailing folds a runt final core into its predecessor when it fits.
func mergeTrailing(cores []string, opts Options) []string {
	n := len(cores)
	if n < 2 {
		return cores
	}
	last := CountTokens(cores[n-1])
	prev := CountTokens(cores[n-2])
	if last >= opts.MinChunkTokens {
		return cores
	}
	if prev+last+opts.OverlapTokens > opts.MaxTokens {
		return cores
	}
	cores[n-2] = cores[n-2] + "\n\n" + cores[n-1]
	return cores[:n-1]
}

// tail returns at most n trailing elements of words.
func tail(words []string, n int) []string {
	if len(words) <= n {
		return words
	}
	return words[len(words)-n:]
}
