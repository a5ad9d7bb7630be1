// Package normalize canonicalizes free-text product names so that the same
// product scraped from different pages compares equal.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/maltedev/catalog-dedup/internal/models"
)

// MaxLength is the rune length normalized names are cut to.
const MaxLength = 50

// DefaultStopwords are generic category nouns retailers sprinkle into names.
var DefaultStopwords = []string{
	"LAPTOP", "NOTEBOOK", "CELULAR", "SMARTPHONE", "TABLET",
	"TELEFONO", "MONITOR", "SMART",
}

// Normalizer is safe for concurrent use; it holds no mutable state.
type Normalizer struct {
	stopwords map[string]struct{}
	maxLength int
}

// New builds a normalizer that drops the given stopwords (matched after
// uppercasing and accent folding).
func New(stopwords []string) *Normalizer {
	n := &Normalizer{
		stopwords: make(map[string]struct{}, len(stopwords)),
		maxLength: MaxLength,
	}
	for _, w := range stopwords {
		w = fold(strings.ToUpper(strings.TrimSpace(w)))
		if w != "" {
			n.stopwords[w] = struct{}{}
		}
	}
	return n
}

// Default returns a normalizer using DefaultStopwords.
func Default() *Normalizer {
	return New(DefaultStopwords)
}

// Normalize uppercases, folds accents, collapses whitespace, removes
// stopwords and truncates the result. A name made only of stopwords keeps
// them, so distinct generic names never share the empty key.
func (n *Normalizer) Normalize(raw string) string {
	tokens := n.Tokens(raw)
	if len(tokens) == 0 {
		tokens = strings.Fields(strings.ToUpper(fold(raw)))
	}
	out := models.Truncate(strings.Join(tokens, " "), n.maxLength)
	return strings.TrimSpace(out)
}

// Tokens returns the uppercased, accent-folded words of raw with stopwords
// removed, without truncation.
func (n *Normalizer) Tokens(raw string) []string {
	words := strings.Fields(strings.ToUpper(fold(raw)))
	kept := words[:0]
	for _, w := range words {
		if _, stop := n.stopwords[w]; stop {
			continue
		}
		kept = append(kept, w)
	}
	return kept
}

// IsStopword reports whether the uppercased word is a generic noun.
func (n *Normalizer) IsStopword(word string) bool {
	_, ok := n.stopwords[fold(strings.ToUpper(word))]
	return ok
}

// fold strips combining marks, turning "Cámara" into "Camara".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
