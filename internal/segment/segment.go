// Package segment turns a flat [LABEL]-marked corpus into categorized,
// keyword-tagged chunks ready for embedding.
package segment

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/folio/internal/errs"
	"github.com/seanblong/folio/internal/lexicon"
	"github.com/seanblong/folio/pkg/models"
)

const (
	DefaultMaxChunkSize = 500
	DefaultChunkOverlap = 50
	DefaultMinChunkSize = 20

	defaultImportance  = 1.0
	priorityImportance = 1.5
)

var (
	labelRe    = regexp.MustCompile(`\[([A-Z][A-Z0-9_]*)\]`)
	// a sentence ends at terminal punctuation followed by space or the end
	// of the line, so ".NET" and "node.js" stay whole
	sentenceRe = regexp.MustCompile(`\S.*?[.!?]+["')\]]*(?:\s+|$)|\S.*$`)
)

// DefaultLabels maps corpus labels onto categories. Aliases cover the
// headings people commonly use for the same section.
var DefaultLabels = map[string]models.Category{
	"BIO":              models.CategoryBio,
	"ABOUT":            models.CategoryBio,
	"SUMMARY":          models.CategoryBio,
	"CONTACT":          models.CategoryContact,
	"EDUCATION":        models.CategoryEducation,
	"EXPERIENCE":       models.CategoryExperience,
	"WORK":             models.CategoryExperience,
	"WORK_EXPERIENCE":  models.CategoryExperience,
	"EMPLOYMENT":       models.CategoryExperience,
	"SKILLS":           models.CategorySkills,
	"TECHNICAL_SKILLS": models.CategorySkills,
	"PROJECTS":         models.CategoryProjects,
	"ACHIEVEMENTS":     models.CategoryAchievements,
	"AWARDS":           models.CategoryAchievements,
	"LEADERSHIP":       models.CategoryLeadership,
	"INTERESTS":        models.CategoryInterests,
	"HOBBIES":          models.CategoryInterests,
}

// RequiredCategories must all be present for ingestion to proceed.
var RequiredCategories = []models.Category{models.CategoryBio, models.CategoryContact, models.CategorySkills}

var defaultPriority = []models.Category{
	models.CategoryBio,
	models.CategorySkills,
	models.CategoryExperience,
	models.CategoryProjects,
	models.CategoryContact,
}

// Options controls chunking. Sizes are in estimated tokens.
type Options struct {
	MaxChunkSize       int
	ChunkOverlap       int
	MinChunkSize       int
	PriorityCategories []models.Category
	Labels             map[string]models.Category
	Extractor          Extractor
}

func DefaultOptions() Options {
	return Options{
		MaxChunkSize: DefaultMaxChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		MinChunkSize: DefaultMinChunkSize,
	}
}

// LabeledSection is the text between one label and the next.
type LabeledSection struct {
	Label       string
	Content     string
	StartOffset int
	EndOffset   int
}

// Result is the outcome of segmenting a document: the chunks that could be
// produced and the per-section errors for the ones that could not.
type Result struct {
	Chunks []models.Chunk
	Errors []*errs.Error
}

// MissingSectionsError lists required categories absent from a document.
type MissingSectionsError struct {
	Missing []models.Category
}

func (e *MissingSectionsError) Error() string {
	names := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		names[i] = string(c)
	}
	return "missing required sections: " + strings.Join(names, ", ")
}

func (e *MissingSectionsError) Unwrap() error {
	return errs.New(errs.KindIngestion, e.Error())
}

// ExtractSections scans document for [LABEL] markers. Text before the first
// label is ignored. A document without any label is a fatal error.
func ExtractSections(document string) ([]LabeledSection, error) {
	locs := labelRe.FindAllStringSubmatchIndex(document, -1)
	if len(locs) == 0 {
		return nil, errs.ErrNoSections
	}
	sections := make([]LabeledSection, 0, len(locs))
	for i, loc := range locs {
		end := len(document)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections = append(sections, LabeledSection{
			Label:       document[loc[2]:loc[3]],
			Content:     strings.TrimSpace(document[loc[1]:end]),
			StartOffset: loc[0],
			EndOffset:   end,
		})
	}
	return sections, nil
}

// MissingRequired returns the required categories not covered by sections,
// in RequiredCategories order.
func MissingRequired(sections []LabeledSection, labels map[string]models.Category) []models.Category {
	if labels == nil {
		labels = DefaultLabels
	}
	present := make(map[models.Category]bool)
	for _, s := range sections {
		if c, ok := labels[s.Label]; ok && s.Content != "" {
			present[c] = true
		}
	}
	var missing []models.Category
	for _, c := range RequiredCategories {
		if !present[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

// SegmentIntoChunks splits text at sentence boundaries into pieces of about
// maxSize tokens. Each piece after the first starts with the trailing
// overlap tokens of the previous one. Pieces below minSize are dropped,
// but at least one piece always survives.
func SegmentIntoChunks(text string, maxSize, overlap, minSize int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxSize <= 0 || lexicon.EstimateTokens(text) <= maxSize {
		return []string{text}
	}

	var chunks []string
	var cur []string
	curTokens := 0
	for _, s := range splitSentences(text) {
		st := lexicon.EstimateTokens(s)
		if len(cur) > 0 && curTokens+st > maxSize {
			chunk := strings.Join(cur, " ")
			chunks = append(chunks, chunk)
			cur, curTokens = nil, 0
			if tail := trailingWords(chunk, overlap); tail != "" {
				cur = append(cur, tail)
				curTokens = lexicon.EstimateTokens(tail)
			}
		}
		cur = append(cur, s)
		curTokens += st
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, " "))
	}

	if len(chunks) == 1 {
		return chunks
	}
	kept := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if lexicon.EstimateTokens(c) >= minSize {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		kept = append(kept, chunks[0])
	}
	return kept
}

// Segment runs the whole ingestion-time pipeline for one document: extract
// sections, check required sections, then chunk and tag every section that
// maps onto a known category.
func Segment(document string, opts Options) (Result, error) {
	sections, err := ExtractSections(document)
	if err != nil {
		return Result{}, err
	}
	labels := opts.Labels
	if labels == nil {
		labels = DefaultLabels
	}
	if missing := MissingRequired(sections, labels); len(missing) > 0 {
		return Result{}, &MissingSectionsError{Missing: missing}
	}

	ex := opts.Extractor
	if ex == nil {
		ex = NewHeuristicExtractor()
	}
	priority := make(map[models.Category]bool)
	for _, c := range defaultPriority {
		priority[c] = true
	}
	for _, c := range opts.PriorityCategories {
		priority[c] = true
	}

	var res Result
	parts := make(map[models.Category]int)
	order := 0
	for _, sec := range sections {
		cat, ok := labels[sec.Label]
		if !ok {
			res.Errors = append(res.Errors, errs.New(errs.KindIngestion,
				fmt.Sprintf("unknown section label [%s] at offset %d", sec.Label, sec.StartOffset)))
			continue
		}
		if sec.Content == "" {
			res.Errors = append(res.Errors, errs.New(errs.KindIngestion,
				fmt.Sprintf("section [%s] at offset %d is empty", sec.Label, sec.StartOffset)))
			continue
		}

		pieces := SegmentIntoChunks(sec.Content, opts.MaxChunkSize, opts.ChunkOverlap, opts.MinChunkSize)
		importance := defaultImportance
		if priority[cat] {
			importance = priorityImportance
		}
		for _, p := range pieces {
			sub := ""
			if len(pieces) > 1 {
				parts[cat]++
				sub = fmt.Sprintf("%s_part_%d", strings.ToLower(string(cat)), parts[cat])
			}
			res.Chunks = append(res.Chunks, models.Chunk{
				ID:              ChunkID(cat, sub, order),
				Content:         p,
				Category:        cat,
				Subcategory:     sub,
				Keywords:        ex.Extract(p, sec.Label),
				ImportanceScore: importance,
				TokenCount:      lexicon.EstimateTokens(p),
				Order:           order,
			})
			order++
		}
	}
	log.Debug().Int("sections", len(sections)).Int("chunks", len(res.Chunks)).Int("errors", len(res.Errors)).Msg("document segmented")
	return res, nil
}

// ChunkID derives a stable identifier from a chunk's position.
func ChunkID(cat models.Category, sub string, order int) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s#%s#%d", cat, sub, order)))
	return hex.EncodeToString(h[:])
}

// splitSentences treats line breaks and terminal punctuation as boundaries.
func splitSentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for _, s := range sentenceRe.FindAllString(line, -1) {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// trailingWords returns the shortest run of words at the end of s that
// covers roughly n tokens.
func trailingWords(s string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(s)
	chars := 0
	i := len(words)
	for i > 0 && (chars+3)/4 < n {
		i--
		chars += len(words[i]) + 1
	}
	if i == 0 {
		// the whole previous chunk would be repeated
		return ""
	}
	return strings.Join(words[i:], " ")
}
