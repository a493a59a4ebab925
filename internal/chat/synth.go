package chat

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/seanblong/folio/internal/lexicon"
	"github.com/seanblong/folio/pkg/models"
)

// Synthesizer turns retrieved chunks into replies: a completion prompt for
// paid routes and fixed templates for everything else.
type Synthesizer struct {
	Owner string
}

// NewSynthesizer returns a Synthesizer speaking about owner. An empty owner
// falls back to a neutral subject.
func NewSynthesizer(owner string) *Synthesizer {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = "the portfolio owner"
	}
	return &Synthesizer{Owner: owner}
}

// Prompt builds the completion prompt. Context chunks are written one per
// line as "[CATEGORY] content"; history lines are prefixed with the
// speaker's role.
func (s *Synthesizer) Prompt(query string, results []models.SearchResult, history []models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You answer questions about %s using only the context below.\n", s.Owner)
	b.WriteString("Reply in plain text without markup. If the context does not cover the question, say so briefly.\n\n")

	b.WriteString("Context:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "[%s] %s\n", r.Chunk.Category, oneLine(r.Chunk.Content))
	}

	if len(history) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, m := range history {
			role := "User"
			if m.Role == models.RoleAssistant {
				role = "Assistant"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, oneLine(m.Content))
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s\nAnswer:", oneLine(query))
	return b.String()
}

// PromptTokens estimates the size of a prompt.
func PromptTokens(prompt string) int {
	return lexicon.EstimateTokens(prompt)
}

// KeywordAnswer quotes the best keyword hits verbatim. No completion call
// is made on this path.
func (s *Synthesizer) KeywordAnswer(results []models.SearchResult, n int) string {
	if len(results) == 0 {
		return s.NoResults()
	}
	if n > 0 && len(results) > n {
		results = results[:n]
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, oneLine(r.Chunk.Content))
	}
	return fmt.Sprintf("Here is what I found about %s: %s", s.Owner, strings.Join(parts, " "))
}

// Rejection is the reply to an out-of-scope query.
func (s *Synthesizer) Rejection() string {
	return fmt.Sprintf("I can only answer questions about %s, such as their experience, skills, projects or how to get in touch.", s.Owner)
}

// NoResults is the reply when every retrieval strategy came back empty.
func (s *Synthesizer) NoResults() string {
	return fmt.Sprintf("I couldn't find anything about that in %s's portfolio. Try asking about their experience, skills or projects.", s.Owner)
}

// BudgetExceeded is the reply when the usage ledger refused the request.
func (s *Synthesizer) BudgetExceeded() string {
	return "I've reached my usage limit for now. Please try again later."
}

// GenerationFailed is the reply when the completion call gave up.
func (s *Synthesizer) GenerationFailed() string {
	return "Sorry, I'm having trouble putting an answer together right now. Please try again in a moment."
}

// AccountingUnavailable is the reply when usage could not be recorded and
// strict accounting is on.
func (s *Synthesizer) AccountingUnavailable() string {
	return "I can't take new questions right now. Please try again shortly."
}

var (
	tagPattern     = regexp.MustCompile(`(?s)<(?:/?[a-zA-Z][a-zA-Z0-9-]*(?:\s[^<>]*)?/?|!--.*?--)>`)
	fencePattern   = regexp.MustCompile("(?m)^```[a-zA-Z0-9_-]*[ \t]*$")
	headingPattern = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+`)
	bulletPattern  = regexp.MustCompile(`(?m)^[ \t]*[-*+][ \t]+`)
	linkPattern    = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	spacePattern   = regexp.MustCompile(`[ \t]+`)
	blankPattern   = regexp.MustCompile(`\n{3,}`)
)

// emphasisPatterns only match markers in pairs hugging their text, so
// "2 * 3" survives.
var emphasisPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\*\*(\S(?:[^*\n]*\S)?)\*\*`),
	regexp.MustCompile(`__(\S(?:[^_\n]*\S)?)__`),
	regexp.MustCompile(`\*(\S(?:[^*\n]*\S)?)\*`),
	regexp.MustCompile("`([^`\n]+)`"),
}

// StripMarkup reduces model output to plain text: HTML tags and their
// attributes, markdown emphasis, headings, bullets, fences and link
// syntax are removed and entities decoded.
func StripMarkup(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = fencePattern.ReplaceAllString(s, "")
	s = headingPattern.ReplaceAllString(s, "")
	s = bulletPattern.ReplaceAllString(s, "")
	s = linkPattern.ReplaceAllString(s, "$1")
	for _, re := range emphasisPatterns {
		s = re.ReplaceAllString(s, "$1")
	}
	s = html.UnescapeString(s)
	// a decoded entity may have produced a new tag
	s = tagPattern.ReplaceAllString(s, "")
	s = spacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = blankPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// sources returns the distinct categories of results in first-seen order.
func sources(results []models.SearchResult) []models.Category {
	seen := make(map[models.Category]bool)
	out := make([]models.Category, 0, len(results))
	for _, r := range results {
		if !seen[r.Chunk.Category] {
			seen[r.Chunk.Category] = true
			out = append(out, r.Chunk.Category)
		}
	}
	return out
}
