// SPDX-License-Identifier: Apache-2.0
package knowledge

import (
	"fmt"
	"regexp"
	"strings"
)

// ChunkerConfig bounds chunk sizes. Tokens are whitespace-separated words.
type ChunkerConfig struct {
	MaxTokens     int `koanf:"max_tokens"`
	MinTokens     int `koanf:"min_tokens"`
	OverlapTokens int `koanf:"overlap_tokens"`
	MergeOverflow int `koanf:"merge_overflow"`
}

// DefaultChunkerConfig returns the sizes used for guideline documents.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{MaxTokens: 400, MinTokens: 100, OverlapTokens: 40, MergeOverflow: 20}
}

func (c ChunkerConfig) withDefaults() ChunkerConfig {
	d := DefaultChunkerConfig()
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.MinTokens < 0 {
		c.MinTokens = 0
	}
	if c.OverlapTokens < 0 {
		c.OverlapTokens = 0
	}
	if c.MergeOverflow < 0 {
		c.MergeOverflow = 0
	}
	return c
}

// Chunk is one indexable span of a record.
type Chunk struct {
	ID    string
	Page  int
	Index int
	Text  string
}

var sentenceBoundary = regexp.MustCompile(`([.!?;:])\s+`)

func countTokens(s string) int { return len(strings.Fields(s)) }

// Split breaks text into chunks: paragraphs first, then sentences, then
// words. Short remainders merge into their predecessor when the result
// stays under MaxTokens+MergeOverflow, and each chunk after the first is
// prefixed with the tail of the one before it.
func (c ChunkerConfig) Split(text string) []string {
	c = c.withDefaults()
	parts := splitLarge(text, c.MaxTokens)
	parts = mergeSmall(parts, c.MinTokens, c.MaxTokens+c.MergeOverflow)
	return applyOverlap(parts, c.OverlapTokens, c.MaxTokens+c.MergeOverflow)
}

// ChunkRecord splits a record into chunks with stable ids.
func (c ChunkerConfig) ChunkRecord(r Record) []Chunk {
	var out []Chunk
	if len(r.Pages) == 0 {
		for i, text := range c.Split(r.Text) {
			out = append(out, Chunk{ID: fmt.Sprintf("%s_c%03d", r.SourceID, i), Index: i, Text: text})
		}
		return out
	}
	for _, page := range r.Pages {
		for i, text := range c.Split(page.Text) {
			out = append(out, Chunk{
				ID:    fmt.Sprintf("%s_p%02d_c%02d", r.SourceID, page.Number, i),
				Page:  page.Number,
				Index: i,
				Text:  text,
			})
		}
	}
	return out
}

func splitLarge(text string, max int) []string {
	var (
		chunks []string
		buf    []string
		n      int
	)
	flush := func() {
		if joined := strings.TrimSpace(strings.Join(buf, " ")); joined != "" {
			chunks = append(chunks, joined)
		}
		buf, n = nil, 0
	}

	for _, line := range strings.Split(text, "\n") {
		p := strings.TrimSpace(line)
		if p == "" {
			continue
		}
		k := countTokens(p)
		if n+k <= max {
			buf = append(buf, p)
			n += k
			continue
		}
		flush()
		if k <= max {
			buf, n = []string{p}, k
			continue
		}
		chunks = append(chunks, packSentences(p, max)...)
	}
	flush()
	return chunks
}

func packSentences(paragraph string, max int) []string {
	var (
		out []string
		buf []string
		n   int
	)
	marked := sentenceBoundary.ReplaceAllString(paragraph, "$1\x00")
	for _, s := range strings.Split(marked, "\x00") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		k := countTokens(s)
		if n+k <= max {
			buf = append(buf, s)
			n += k
			continue
		}
		if len(buf) > 0 {
			out = append(out, strings.Join(buf, " "))
			buf, n = nil, 0
		}
		if k > max {
			out = append(out, packWords(strings.Fields(s), max)...)
			continue
		}
		buf, n = []string{s}, k
	}
	if len(buf) > 0 {
		out = append(out, strings.Join(buf, " "))
	}
	return out
}

func packWords(words []string, max int) []string {
	var out []string
	for i := 0; i < len(words); i += max {
		end := min(i+max, len(words))
		out = append(out, strings.Join(words[i:end], " "))
	}
	return out
}

func mergeSmall(parts []string, minTokens, softMax int) []string {
	var merged []string
	for _, part := range parts {
		if len(merged) == 0 || countTokens(part) >= minTokens {
			merged = append(merged, part)
			continue
		}
		last := len(merged) - 1
		if countTokens(merged[last])+countTokens(part) <= softMax {
			merged[last] += " " + part
		} else {
			merged = append(merged, part)
		}
	}
	return merged
}

func applyOverlap(parts []string, overlap, softMax int) []string {
	if overlap <= 0 || len(parts) <= 1 {
		return parts
	}
	out := []string{parts[0]}
	for _, cur := range parts[1:] {
		m := min(overlap, softMax-countTokens(cur))
		if tail := lastWords(out[len(out)-1], m); tail != "" {
			cur = tail + " " + cur
		}
		out = append(out, cur)
	}
	return out
}

func lastWords(s string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(s)
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}
