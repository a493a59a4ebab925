// Package lexicon holds the word lists and tokenization helpers shared by
// the segmenter, the query classifier and the exact-match table.
package lexicon

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	tokenRe = regexp.MustCompile(`[a-z0-9][a-z0-9+#.]*[a-z0-9+#]|[a-z0-9]`)
	possRe  = regexp.MustCompile(`['’]s\b`)
	punctRe = regexp.MustCompile(`[^a-z0-9+#\s]+`)
	foldRe  = regexp.MustCompile(`[^a-z0-9+#./\s]+`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// Tokenize lowercases s and returns its word tokens in order of appearance.
// Punctuation is stripped; '+', '#' and inner '.' survive so that terms like
// "c++", "c#" and "node.js" stay intact.
func Tokenize(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

// Normalize lowercases s, strips punctuation and collapses whitespace.
func Normalize(s string) string {
	s = possRe.ReplaceAllString(strings.ToLower(s), "")
	s = strings.NewReplacer("'", "", "’", "").Replace(s)
	s = punctRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// Fold lowercases s and strips punctuation like Normalize, but keeps the
// '.' and '/' that tech terms such as "node.js" and "ci/cd" carry. Use it
// wherever text is matched against keywords extracted at ingestion.
func Fold(s string) string {
	s = possRe.ReplaceAllString(strings.ToLower(s), "")
	s = strings.NewReplacer("'", "", "’", "").Replace(s)
	s = foldRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// Keywords returns the tech terms found in s followed by its content words,
// without duplicates. It applies the same rules as the chunk keyword
// extractor so both sides of a keyword search agree on terms like "ci/cd".
func Keywords(s string) []string {
	folded := Fold(s)
	seen := make(map[string]struct{})
	var out []string
	add := func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, t := range TechTerms {
		if ContainsTerm(folded, t) {
			add(t)
		}
	}
	for _, w := range ContentWords(folded) {
		add(w)
	}
	return out
}

// EstimateTokens approximates the model token count of s at four
// characters per token, rounding up.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(strings.TrimSpace(s))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// IsStopWord reports whether tok is in the stop-word set.
func IsStopWord(tok string) bool {
	_, ok := stopWords[tok]
	return ok
}

// ContentWords returns the unique non-stop-word tokens of s, in order.
func ContentWords(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range Tokenize(s) {
		if len(t) < 2 || IsStopWord(t) {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ContainsTerm reports whether the lowercased text contains term on word
// boundaries. Multi-word terms are matched as phrases.
func ContainsTerm(lowerText, term string) bool {
	idx := 0
	for {
		i := strings.Index(lowerText[idx:], term)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(term)
		if boundary(lowerText, start-1) && boundary(lowerText, end) {
			return true
		}
		idx = start + 1
		if idx >= len(lowerText) {
			return false
		}
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '#')
}

// TechTerms are technology names recognised as keywords even when they are
// short or would otherwise be dropped.
var TechTerms = []string{
	"go", "golang", "python", "java", "javascript", "typescript", "rust", "c++", "c#", "ruby", "php",
	"kotlin", "swift", "scala", "sql", "postgresql", "postgres", "mysql", "mongodb", "redis", "kafka",
	"rabbitmq", "elasticsearch", "docker", "kubernetes", "terraform", "ansible", "aws", "gcp", "azure",
	"react", "vue", "angular", "node.js", "nodejs", "next.js", "graphql", "grpc", "linux", "git",
	"machine learning", "deep learning", "ai", "llm", "nlp", "tensorflow", "pytorch", "spark", "hadoop",
	"ci/cd", "devops", "microservices", "django", "flask", "fastapi", "html", "css",
}

// IsAmbiguousTerm reports whether a tech term is also a common English word
// and so says little about intent on its own.
func IsAmbiguousTerm(term string) bool {
	switch term {
	case "go", "rust", "swift", "spark", "ai":
		return true
	}
	return false
}

var stopWords = toSet(
	"a", "about", "above", "after", "again", "against", "all", "am", "an", "and", "any", "are", "as", "at",
	"be", "because", "been", "before", "being", "below", "between", "both", "but", "by",
	"can", "could", "did", "do", "does", "doing", "down", "during",
	"each", "few", "for", "from", "further", "had", "has", "have", "having", "he", "her", "here", "hers",
	"herself", "him", "himself", "his", "how", "i", "if", "in", "into", "is", "it", "its", "itself",
	"just", "me", "more", "most", "my", "myself", "no", "nor", "not", "now", "of", "off", "on", "once",
	"only", "or", "other", "our", "ours", "ourselves", "out", "over", "own", "same", "she", "should",
	"so", "some", "such", "than", "that", "the", "their", "theirs", "them", "themselves", "then",
	"there", "these", "they", "this", "those", "through", "to", "too", "under", "until", "up", "very",
	"was", "we", "were", "what", "whats", "when", "where", "which", "while", "who", "whom", "why", "will",
	"with", "would", "you", "your", "yours", "yourself", "yourselves", "tell", "please", "also", "like",
	"know", "get", "got", "us", "let", "lets", "im", "ive", "id", "youre", "youve", "whos",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
