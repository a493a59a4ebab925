package segment

import (
	"regexp"
	"strings"

	"github.com/seanblong/folio/internal/lexicon"
)

// MaxKeywords caps the keywords stored per chunk.
const MaxKeywords = 25

var properNounRe = regexp.MustCompile(`\b[A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)+\b`)

// Extractor produces the zero-cost matching keywords for a chunk.
type Extractor interface {
	Extract(text, label string) []string
}

// HeuristicExtractor combines the section label, known technology terms,
// capitalized multi-word sequences and plain content words, in that
// priority, up to Limit entries.
type HeuristicExtractor struct {
	Terms []string
	Limit int
}

func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{Terms: lexicon.TechTerms, Limit: MaxKeywords}
}

func (h *HeuristicExtractor) Extract(text, label string) []string {
	limit := h.Limit
	if limit <= 0 {
		limit = MaxKeywords
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, limit)
	add := func(k string) bool {
		k = strings.TrimSpace(strings.ToLower(k))
		if k == "" {
			return true
		}
		if _, ok := seen[k]; ok {
			return true
		}
		if len(out) >= limit {
			return false
		}
		seen[k] = struct{}{}
		out = append(out, k)
		return true
	}

	add(label)
	folded := lexicon.Fold(text)
	for _, t := range h.Terms {
		if lexicon.ContainsTerm(folded, t) && !add(t) {
			return out
		}
	}
	for _, pn := range properNounRe.FindAllString(text, -1) {
		if !add(pn) {
			return out
		}
	}
	for _, w := range lexicon.ContentWords(folded) {
		if !add(w) {
			return out
		}
	}
	return out
}
