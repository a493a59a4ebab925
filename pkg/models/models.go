package models

import (
	"strings"
	"time"
)

// Category is one of the fixed portfolio sections a chunk can belong to.
type Category string

const (
	CategoryBio          Category = "BIO"
	CategoryContact      Category = "CONTACT"
	CategoryEducation    Category = "EDUCATION"
	CategoryExperience   Category = "EXPERIENCE"
	CategorySkills       Category = "SKILLS"
	CategoryProjects     Category = "PROJECTS"
	CategoryAchievements Category = "ACHIEVEMENTS"
	CategoryLeadership   Category = "LEADERSHIP"
	CategoryInterests    Category = "INTERESTS"
)

// Categories lists every category in canonical order. The order is used as
// the final tie-break wherever categories are sorted.
var Categories = []Category{
	CategoryBio,
	CategoryContact,
	CategoryEducation,
	CategoryExperience,
	CategorySkills,
	CategoryProjects,
	CategoryAchievements,
	CategoryLeadership,
	CategoryInterests,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// ParseCategory maps a case-insensitive name onto a Category.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	return c, c.Valid()
}

// Chunk is a unit of retrievable content. Chunks are created once at
// ingestion and only ever removed wholesale by category.
type Chunk struct {
	ID              string    `json:"id"`
	Content         string    `json:"content"`
	Category        Category  `json:"category"`
	Subcategory     string    `json:"subcategory,omitempty"`
	Keywords        []string  `json:"keywords"`
	Embedding       []float32 `json:"-"`
	ImportanceScore float64   `json:"importance_score"`
	TokenCount      int       `json:"token_count"`
	Order           int       `json:"order"`
	CreatedAt       time.Time `json:"created_at"`
}

type SearchResult struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
}

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatRequest struct {
	Message             string    `json:"message"`
	ConversationHistory []Message `json:"conversationHistory"`
}

type ChatMetadata struct {
	RelevantChunks   int        `json:"relevantChunks"`
	Sources          []Category `json:"sources"`
	Route            string     `json:"route"`
	TokensUsed       int        `json:"tokensUsed"`
	Cost             float64    `json:"cost"`
	ProcessingTimeMs int64      `json:"processingTimeMs"`
	AccountingError  bool       `json:"accountingError,omitempty"`
}

type ChatResponse struct {
	Success  bool         `json:"success"`
	Message  string       `json:"message"`
	Metadata ChatMetadata `json:"metadata"`
}

// Route is the retrieval strategy chosen for a query, in ascending cost.
type Route string

const (
	RouteReject   Route = "reject"
	RouteExact    Route = "exact"
	RouteKeyword  Route = "keyword"
	RouteCategory Route = "category"
	RouteFull     Route = "full"
)
