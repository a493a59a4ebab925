package router

import (
	"fmt"
	"os"
	"strings"

	"github.com/seanblong/folio/internal/lexicon"
	"gopkg.in/yaml.v3"
)

// MatchKind records which strategy produced an exact-table hit.
type MatchKind string

const (
	MatchExact   MatchKind = "exact"
	MatchFuzzy   MatchKind = "fuzzy"
	MatchKeyword MatchKind = "keyword"
)

// minOverlapKeywords keeps one-word entries out of the keyword-overlap
// strategy; a single shared word (usually the owner's name) is not enough.
const minOverlapKeywords = 2

// Entry is a canonical question with its pre-written answer.
type Entry struct {
	Question string   `yaml:"question"`
	Answer   string   `yaml:"answer"`
	Keywords []string `yaml:"keywords,omitempty"`

	normalized string
	words      map[string]struct{}
}

// Profile is the portfolio owner's public details used to seed answers.
type Profile struct {
	Name    string
	Email   string
	Website string
}

// Table is the curated question→answer table consulted before any
// retrieval. It is read-only after construction.
type Table struct {
	entries []Entry
}

// NewTable prepares entries for matching. Entries without a question or an
// answer are skipped.
func NewTable(entries []Entry) *Table {
	t := &Table{}
	for _, e := range entries {
		if strings.TrimSpace(e.Question) == "" || strings.TrimSpace(e.Answer) == "" {
			continue
		}
		e.normalized = lexicon.Normalize(e.Question)
		e.words = wordSet(e.normalized)
		if len(e.Keywords) == 0 {
			e.Keywords = lexicon.ContentWords(e.normalized)
		} else {
			for i, k := range e.Keywords {
				e.Keywords[i] = strings.ToLower(strings.TrimSpace(k))
			}
		}
		t.entries = append(t.entries, e)
	}
	return t
}

// LoadTable reads a YAML file of the form `entries: [{question, answer, keywords}]`.
func LoadTable(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Entries []Entry `yaml:"entries"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return NewTable(doc.Entries), nil
}

// DefaultEntries builds the built-in table from the owner profile.
func DefaultEntries(p Profile) []Entry {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil
	}
	contact := fmt.Sprintf("You can reach %s through the contact details on this site.", name)
	if p.Email != "" {
		contact = fmt.Sprintf("You can reach %s by email at %s.", name, p.Email)
	}
	if p.Website != "" {
		contact += fmt.Sprintf(" More is available at %s.", p.Website)
	}
	first := strings.ToLower(strings.Fields(name)[0])
	return []Entry{
		{Question: "how can i contact " + first, Answer: contact},
		{Question: "what is " + first + "'s email", Answer: contact, Keywords: []string{first, "email"}},
		{Question: "how do i hire " + first, Answer: contact, Keywords: []string{first, "hire"}},
	}
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Lookup tries, in order, exact normalized equality, Jaccard word-set
// similarity above fuzzy, and coverage of at least overlap of an entry's
// keywords. The first strategy with a hit wins; within the fuzzy and
// keyword strategies the best-scoring entry wins, earlier entries on ties.
func (t *Table) Lookup(query string, fuzzy, overlap float64) (Entry, MatchKind, bool) {
	if t == nil || len(t.entries) == 0 {
		return Entry{}, "", false
	}
	norm := lexicon.Normalize(query)
	if norm == "" {
		return Entry{}, "", false
	}
	for _, e := range t.entries {
		if e.normalized == norm {
			return e, MatchExact, true
		}
	}

	qwords := wordSet(norm)
	best, bestScore := -1, 0.0
	for i, e := range t.entries {
		if s := Jaccard(qwords, e.words); s > fuzzy && s > bestScore {
			best, bestScore = i, s
		}
	}
	if best >= 0 {
		return t.entries[best], MatchFuzzy, true
	}

	qcontent := make(map[string]struct{})
	for _, w := range lexicon.ContentWords(norm) {
		qcontent[w] = struct{}{}
	}
	best, bestScore = -1, 0.0
	for i, e := range t.entries {
		if len(e.Keywords) < minOverlapKeywords {
			continue
		}
		hit := 0
		for _, k := range e.Keywords {
			if _, ok := qcontent[k]; ok {
				hit++
			}
		}
		ratio := float64(hit) / float64(len(e.Keywords))
		if ratio >= overlap && ratio > bestScore {
			best, bestScore = i, ratio
		}
	}
	if best >= 0 {
		return t.entries[best], MatchKeyword, true
	}
	return Entry{}, "", false
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func wordSet(norm string) map[string]struct{} {
	m := make(map[string]struct{})
	for _, w := range strings.Fields(norm) {
		m[w] = struct{}{}
	}
	return m
}
