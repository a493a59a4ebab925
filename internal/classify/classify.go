// Package classify decides whether a query is about the portfolio owner and
// which portfolio categories it is asking about.
package classify

import (
	"math"
	"sort"
	"strings"

	"github.com/seanblong/folio/internal/lexicon"
	"github.com/seanblong/folio/pkg/models"
)

// QueryType is a coarse shape of the query.
type QueryType string

const (
	QueryTypeEmpty     QueryType = "empty"
	QueryTypeGreeting  QueryType = "greeting"
	QueryTypeQuestion  QueryType = "question"
	QueryTypeRequest   QueryType = "request"
	QueryTypeStatement QueryType = "statement"
)

const (
	keywordWeight = 1.0
	phraseWeight  = 2.0
	scoreScale    = 3.0

	topCategoryShare = 0.6
	densityShare     = 0.2
	clarityShare     = 0.2

	densityKeywords = 10.0
	clarityWords    = 5
)

// CategoryMatch is one detected category with the terms that triggered it.
type CategoryMatch struct {
	Category     models.Category
	Confidence   float64
	MatchedTerms []string
}

// Analysis is the classifier's view of a single query.
type Analysis struct {
	IsInScope          bool
	DetectedCategories []CategoryMatch
	ExtractedKeywords  []string
	OverallConfidence  float64
	QueryType          QueryType
	SuggestedRoute     models.Route
}

// Top returns the highest-confidence category match, if any.
func (a Analysis) Top() (CategoryMatch, bool) {
	if len(a.DetectedCategories) == 0 {
		return CategoryMatch{}, false
	}
	return a.DetectedCategories[0], true
}

type profile struct {
	keywords []string
	phrases  []string
	weight   float64
}

var profiles = map[models.Category]profile{
	models.CategoryBio: {
		keywords: []string{"bio", "background", "yourself", "story", "summary", "introduce", "introduction", "personal"},
		phrases:  []string{"about you", "about yourself", "who are you", "tell me about", "your background"},
		weight:   1.0,
	},
	models.CategoryContact: {
		keywords: []string{"contact", "email", "reach", "phone", "linkedin", "github", "hire", "connect", "message"},
		phrases:  []string{"get in touch", "reach out", "contact you", "email address", "how can i contact"},
		weight:   1.2,
	},
	models.CategoryEducation: {
		keywords: []string{"education", "degree", "university", "college", "school", "study", "studied", "graduate", "gpa", "major", "certification", "certifications", "courses"},
		phrases:  []string{"where did you study", "your degree", "your education"},
		weight:   1.0,
	},
	models.CategoryExperience: {
		keywords: []string{"experience", "work", "worked", "job", "jobs", "career", "role", "roles", "employer", "company", "companies", "position", "internship", "professional"},
		phrases:  []string{"work experience", "where have you worked", "your experience", "previous job"},
		weight:   1.1,
	},
	models.CategorySkills: {
		keywords: []string{"skills", "skill", "technologies", "technology", "stack", "languages", "language", "tools", "proficient", "expertise", "frameworks", "programming"},
		phrases:  []string{"your skills", "tech stack", "programming languages", "what technologies", "good at"},
		weight:   1.1,
	},
	models.CategoryProjects: {
		keywords: []string{"project", "projects", "built", "build", "portfolio", "app", "application", "demo"},
		phrases:  []string{"side projects", "your projects", "what have you built", "open source"},
		weight:   1.1,
	},
	models.CategoryAchievements: {
		keywords: []string{"achievement", "achievements", "award", "awards", "accomplishment", "accomplishments", "recognition", "won", "prize", "honors"},
		phrases:  []string{"proud of", "biggest achievement"},
		weight:   1.0,
	},
	models.CategoryLeadership: {
		keywords: []string{"leadership", "lead", "led", "leader", "manage", "managed", "mentor", "mentoring", "team", "teams"},
		phrases:  []string{"team lead", "leadership experience"},
		weight:   1.0,
	},
	models.CategoryInterests: {
		keywords: []string{"interests", "interest", "hobbies", "hobby", "passion", "passionate", "enjoy"},
		phrases:  []string{"free time", "for fun", "outside of work"},
		weight:   0.9,
	},
}

var (
	secondPerson = []string{"you", "your", "yours", "yourself"}
	generalTerms = []string{"resume", "cv", "portfolio", "hire", "hiring", "background", "qualifications"}
	offTopic     = []string{
		"weather", "forecast", "news", "politics", "political", "election", "president", "government",
		"medical", "doctor", "diagnosis", "symptoms", "medicine", "disease", "legal", "lawyer", "lawsuit",
		"stock", "stocks", "crypto", "bitcoin", "recipe", "cooking", "sports", "football", "soccer",
		"movie", "movies", "celebrity", "lottery", "horoscope", "religion",
	}
	greetings    = []string{"hi", "hello", "hey", "howdy", "greetings", "yo"}
	questionWord = []string{"what", "whats", "who", "where", "when", "why", "how", "which", "can", "could", "do", "does", "did", "is", "are", "have", "has", "would", "will"}
	requestWord  = []string{"tell", "show", "list", "give", "describe", "explain", "share", "summarize"}
)

// Classifier is a lexical query classifier. It is safe for concurrent use.
type Classifier struct {
	domain   map[string]struct{}
	offTopic map[string]struct{}
}

// New builds a classifier. ownerNames are the portfolio owner's names,
// which count as in-domain terms.
func New(ownerNames ...string) *Classifier {
	c := &Classifier{domain: map[string]struct{}{}, offTopic: map[string]struct{}{}}
	for _, n := range ownerNames {
		for _, t := range lexicon.Tokenize(n) {
			c.domain[t] = struct{}{}
		}
	}
	for _, group := range [][]string{secondPerson, generalTerms, lexicon.TechTerms} {
		for _, w := range group {
			c.domain[w] = struct{}{}
		}
	}
	for _, p := range profiles {
		for _, w := range p.keywords {
			c.domain[w] = struct{}{}
		}
	}
	for _, w := range offTopic {
		c.offTopic[w] = struct{}{}
	}
	return c
}

// Analyze classifies query. In strict mode a query must contain a domain
// term to be in scope; off-topic terms force it out of scope in any mode.
func (c *Classifier) Analyze(query string, strict bool) Analysis {
	query = strings.TrimSpace(query)
	if query == "" {
		return Analysis{QueryType: QueryTypeEmpty, SuggestedRoute: models.RouteReject}
	}

	norm := lexicon.Fold(query)
	tokens := lexicon.Tokenize(norm)
	a := Analysis{
		QueryType:         queryType(query, tokens),
		ExtractedKeywords: lexicon.Keywords(norm),
	}
	a.IsInScope = c.inScope(norm, tokens, strict)

	if !a.IsInScope && strict {
		a.OverallConfidence = 1.0
		a.SuggestedRoute = models.RouteReject
		return a
	}

	a.DetectedCategories = detectCategories(norm, tokens)
	top := 0.0
	if len(a.DetectedCategories) > 0 {
		top = a.DetectedCategories[0].Confidence
	}
	density := math.Min(float64(len(a.ExtractedKeywords))/densityKeywords, 1)
	clarity := 1.0
	if len(tokens) > clarityWords {
		clarity = float64(clarityWords) / float64(len(tokens))
	}
	a.OverallConfidence = topCategoryShare*top + densityShare*density + clarityShare*clarity
	a.SuggestedRoute = suggestRoute(a, len(tokens))
	return a
}

func (c *Classifier) inScope(norm string, tokens []string, strict bool) bool {
	hasDomain := false
	for _, t := range tokens {
		if _, ok := c.offTopic[t]; ok {
			return false
		}
		if _, ok := c.domain[t]; ok {
			hasDomain = true
		}
	}
	if !hasDomain {
		for _, term := range lexicon.TechTerms {
			// terms that tokenize into several words
			if strings.ContainsAny(term, " /") && lexicon.ContainsTerm(norm, term) {
				hasDomain = true
				break
			}
		}
	}
	return hasDomain || !strict
}

func detectCategories(norm string, tokens []string) []CategoryMatch {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}

	var out []CategoryMatch
	for _, cat := range models.Categories {
		p := profiles[cat]
		score := 0.0
		var matched []string
		for _, k := range p.keywords {
			if _, ok := set[k]; ok {
				score += keywordWeight
				matched = append(matched, k)
			}
		}
		for _, ph := range p.phrases {
			if lexicon.ContainsTerm(norm, ph) {
				score += phraseWeight
				matched = append(matched, ph)
			}
		}
		if cat == models.CategorySkills {
			for _, term := range lexicon.TechTerms {
				if !lexicon.IsAmbiguousTerm(term) && lexicon.ContainsTerm(norm, term) {
					score += keywordWeight
					matched = append(matched, term)
				}
			}
		}
		if score == 0 {
			continue
		}
		out = append(out, CategoryMatch{
			Category:     cat,
			Confidence:   math.Min(score*p.weight/scoreScale, 1),
			MatchedTerms: matched,
		})
	}
	// stable: equal confidences keep canonical category order
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func suggestRoute(a Analysis, words int) models.Route {
	conf := a.OverallConfidence
	switch {
	case conf <= 0.05:
		return models.RouteReject
	case words <= 6 && conf >= 0.9:
		return models.RouteExact
	case conf > 0.7 && len(a.DetectedCategories) > 0:
		return models.RouteCategory
	case conf >= 0.4:
		return models.RouteKeyword
	default:
		return models.RouteFull
	}
}

func queryType(raw string, tokens []string) QueryType {
	if len(tokens) == 0 {
		return QueryTypeStatement
	}
	if len(tokens) <= 3 && in(greetings, tokens[0]) {
		return QueryTypeGreeting
	}
	if strings.HasSuffix(strings.TrimSpace(raw), "?") || in(questionWord, tokens[0]) {
		return QueryTypeQuestion
	}
	if in(requestWord, tokens[0]) {
		return QueryTypeRequest
	}
	return QueryTypeStatement
}

func in(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
