// SPDX-License-Identifier: Apache-2.0
package guardrails

import (
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/floats"
)

// Fingerprint is the comparable signature of one claim.
type Fingerprint struct {
	// Canonical is the normalized token sequence of the claim.
	Canonical string
	Shingles  []string
	Vector    []float64
}

// Empty reports whether the claim carried no content words.
func (f Fingerprint) Empty() bool { return f.Canonical == "" }

// Fingerprinter canonicalizes claims and scores their similarity in [0, 1].
type Fingerprinter interface {
	Fingerprint(text string) Fingerprint
	Similarity(a, b Fingerprint) float64
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "with": true, "at": true,
	"by": true, "is": true, "are": true, "be": true, "been": true, "was": true,
	"it": true, "this": true, "that": true, "these": true, "as": true, "from": true,
	"their": true, "they": true, "them": true, "his": true, "her": true,
	"patient": true, "patients": true, "should": true, "can": true, "will": true,
}

// Canonicalize lowercases text, drops punctuation and stopwords, and
// returns the remaining tokens in order.
func Canonicalize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// ShingleFingerprinter compares word n-gram sets with Jaccard similarity.
type ShingleFingerprinter struct {
	Size int
}

// Fingerprint implements Fingerprinter.
func (s ShingleFingerprinter) Fingerprint(text string) Fingerprint {
	tokens := Canonicalize(text)
	fp := Fingerprint{Canonical: strings.Join(tokens, " ")}
	n := max(s.Size, 1)
	if len(tokens) == 0 {
		return fp
	}
	if len(tokens) <= n {
		fp.Shingles = []string{fp.Canonical}
		return fp
	}
	seen := make(map[string]bool)
	for i := 0; i+n <= len(tokens); i++ {
		sh := strings.Join(tokens[i:i+n], " ")
		if !seen[sh] {
			seen[sh] = true
			fp.Shingles = append(fp.Shingles, sh)
		}
	}
	slices.Sort(fp.Shingles)
	return fp
}

// Similarity is |A∩B| / |A∪B| over the shingle sets.
func (s ShingleFingerprinter) Similarity(a, b Fingerprint) float64 {
	if a.Empty() || b.Empty() {
		return 0
	}
	if a.Canonical == b.Canonical {
		return 1
	}
	inter := 0
	i, j := 0, 0
	for i < len(a.Shingles) && j < len(b.Shingles) {
		switch strings.Compare(a.Shingles[i], b.Shingles[j]) {
		case 0:
			inter++
			i++
			j++
		case -1:
			i++
		default:
			j++
		}
	}
	union := len(a.Shingles) + len(b.Shingles) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// CosineFingerprinter hashes tokens into a fixed-size term-frequency vector
// and compares vectors by cosine similarity.
type CosineFingerprinter struct {
	Dims int
}

// Fingerprint implements Fingerprinter.
func (c CosineFingerprinter) Fingerprint(text string) Fingerprint {
	tokens := Canonicalize(text)
	fp := Fingerprint{Canonical: strings.Join(tokens, " ")}
	if len(tokens) == 0 {
		return fp
	}
	dims := c.Dims
	if dims <= 0 {
		dims = 512
	}
	fp.Vector = make([]float64, dims)
	for _, t := range tokens {
		h := fnv.New32a()
		h.Write([]byte(t))
		fp.Vector[h.Sum32()%uint32(dims)]++
	}
	return fp
}

// Similarity implements Fingerprinter.
func (c CosineFingerprinter) Similarity(a, b Fingerprint) float64 {
	if a.Empty() || b.Empty() || len(a.Vector) != len(b.Vector) {
		return 0
	}
	if a.Canonical == b.Canonical {
		return 1
	}
	na, nb := floats.Norm(a.Vector, 2), floats.Norm(b.Vector, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a.Vector, b.Vector) / (na * nb)
}

// CachedFingerprinter memoizes fingerprints of repeated claim text.
type CachedFingerprinter struct {
	inner Fingerprinter
	cache *lru.Cache[string, Fingerprint]
}

// NewCachedFingerprinter wraps inner with an LRU of size entries.
func NewCachedFingerprinter(inner Fingerprinter, size int) (*CachedFingerprinter, error) {
	cache, err := lru.New[string, Fingerprint](size)
	if err != nil {
		return nil, fmt.Errorf("fingerprint cache: %w", err)
	}
	return &CachedFingerprinter{inner: inner, cache: cache}, nil
}

// Fingerprint implements Fingerprinter.
func (c *CachedFingerprinter) Fingerprint(text string) Fingerprint {
	if fp, ok := c.cache.Get(text); ok {
		return fp
	}
	fp := c.inner.Fingerprint(text)
	c.cache.Add(text, fp)
	return fp
}

// Similarity implements Fingerprinter.
func (c *CachedFingerprinter) Similarity(a, b Fingerprint) float64 {
	return c.inner.Similarity(a, b)
}

// Len returns the number of cached fingerprints.
func (c *CachedFingerprinter) Len() int { return c.cache.Len() }

// FingerprintConfig selects the duplicate detection method.
type FingerprintConfig struct {
	// Method is "shingle" or "cosine".
	Method      string  `koanf:"method"`
	ShingleSize int     `koanf:"shingle_size"`
	Dims        int     `koanf:"dims"`
	Threshold   float64 `koanf:"threshold"`
	CacheSize   int     `koanf:"cache_size"`
}

// DefaultFingerprintConfig compares unigram sets at 0.75 Jaccard.
func DefaultFingerprintConfig() FingerprintConfig {
	return FingerprintConfig{Method: "shingle", ShingleSize: 1, Dims: 512, Threshold: 0.75, CacheSize: 4096}
}

// NewFingerprinter builds the configured Fingerprinter.
func NewFingerprinter(cfg FingerprintConfig) (Fingerprinter, error) {
	var f Fingerprinter
	switch cfg.Method {
	case "", "shingle", "jaccard":
		f = ShingleFingerprinter{Size: cfg.ShingleSize}
	case "cosine":
		f = CosineFingerprinter{Dims: cfg.Dims}
	default:
		return nil, fmt.Errorf("unknown fingerprint method %q", cfg.Method)
	}
	if cfg.CacheSize <= 0 {
		return f, nil
	}
	return NewCachedFingerprinter(f, cfg.CacheSize)
}
