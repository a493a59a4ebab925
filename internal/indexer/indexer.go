package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/folio/internal/ai"
	"github.com/seanblong/folio/internal/errs"
	"github.com/seanblong/folio/internal/ledger"
	"github.com/seanblong/folio/internal/retry"
	"github.com/seanblong/folio/internal/router"
	"github.com/seanblong/folio/internal/segment"
	"github.com/seanblong/folio/internal/store"
	"github.com/seanblong/folio/pkg/models"
)

// OperationIngest tags ledger transactions made while indexing.
const OperationIngest = "ingest"

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Indexer loads a labeled corpus into a chunk store. Root is either a
// single .txt document or a directory whose .txt files are read in path
// order and treated as one corpus.
type Indexer struct {
	Store      store.ChunkStore
	Root       string
	Client     ai.Client
	Ledger     *ledger.Ledger
	Pricing    router.Pricing
	Options    segment.Options
	Policy     retry.Policy
	Walker     FileSystemWalker
	FileReader FileReader
	Workers    int
	DryRun     bool
}

// Report summarizes one ingestion run.
type Report struct {
	Files         []string
	Digest        string
	Chunks        []models.Chunk
	SectionErrors []*errs.Error
	Stored        map[models.Category]int
	Skipped       map[models.Category]error
	Tokens        int
	Cost          float64
}

// New creates a new Indexer instance.
func New(ctx context.Context, s store.ChunkStore, root string, clientConfig *ai.ClientConfig) (*Indexer, error) {
	client, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, err
	}
	return NewWithDependencies(s, root, client, &DefaultFileSystemWalker{}, &DefaultFileReader{}), nil
}

// NewWithDependencies creates a new Indexer instance with custom dependencies for testing
func NewWithDependencies(s store.ChunkStore, root string, client ai.Client, walker FileSystemWalker, fileReader FileReader) *Indexer {
	return &Indexer{
		Store:      s,
		Root:       root,
		Client:     client,
		Pricing:    router.DefaultConfig().Pricing,
		Options:    segment.DefaultOptions(),
		Policy:     retry.DefaultPolicy(),
		Walker:     walker,
		FileReader: fileReader,
	}
}

// Load reads the corpus under Root and returns it as one document.
func (ix *Indexer) Load(ctx context.Context) (string, []string, error) {
	var paths []string
	if isDocument(ix.Root) {
		paths = []string{ix.Root}
	} else {
		err := ix.Walker.Walk(ix.Root, &godirwalk.Options{
			Unsorted: true,
			Callback: func(path string, de *godirwalk.Dirent) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				// de is nil when driven by a test walker
				if de != nil && de.IsDir() {
					if path != ix.Root && shouldSkipDir(path) {
						return godirwalk.SkipThis
					}
					return nil
				}
				if isDocument(path) {
					paths = append(paths, path)
				}
				return nil
			},
		})
		if err != nil {
			return "", nil, errs.Wrap(errs.KindIngestion, err, "walk %s", ix.Root)
		}
		sort.Strings(paths)
	}
	if len(paths) == 0 {
		return "", nil, errs.New(errs.KindIngestion, fmt.Sprintf("no .txt documents under %s", ix.Root))
	}

	parts := make([]string, 0, len(paths))
	for _, p := range paths {
		b, err := ix.FileReader.ReadFile(p)
		if err != nil {
			return "", nil, errs.Wrap(errs.KindIngestion, err, "read %s", p)
		}
		parts = append(parts, strings.TrimSpace(string(b)))
	}
	return strings.Join(parts, "\n\n"), paths, nil
}

// Run segments the corpus, embeds every chunk and replaces the stored
// chunks of each category it covers. A category is only replaced when all
// of its chunks were embedded, so a partial failure never leaves a
// category half-written.
func (ix *Indexer) Run(ctx context.Context) (Report, error) {
	rep := Report{Stored: map[models.Category]int{}, Skipped: map[models.Category]error{}}

	doc, files, err := ix.Load(ctx)
	if err != nil {
		return rep, err
	}
	rep.Files = files
	rep.Digest = HashContent(doc)

	res, err := segment.Segment(doc, ix.Options)
	if err != nil {
		return rep, err
	}
	rep.Chunks = res.Chunks
	rep.SectionErrors = res.Errors
	for _, e := range res.Errors {
		log.Warn().Str("error", e.Error()).Msg("section skipped")
	}
	log.Info().Int("files", len(files)).Str("digest", rep.Digest).Int("chunks", len(res.Chunks)).Int("section_errors", len(res.Errors)).Msg("corpus segmented")

	if ix.DryRun || len(res.Chunks) == 0 {
		return rep, nil
	}

	failed := ix.embedAll(ctx, rep.Chunks)
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	byCat := make(map[models.Category][]models.Chunk)
	for i, c := range rep.Chunks {
		if err, ok := failed[i]; ok {
			if _, seen := rep.Skipped[c.Category]; !seen {
				rep.Skipped[c.Category] = err
			}
			continue
		}
		byCat[c.Category] = append(byCat[c.Category], c)
		rep.Tokens += c.TokenCount
		rep.Cost += ix.Pricing.EmbeddingCost(c.TokenCount)
	}

	for _, cat := range models.Categories {
		chunks, ok := byCat[cat]
		if !ok {
			continue
		}
		if err, bad := rep.Skipped[cat]; bad {
			log.Error().Err(err).Str("category", string(cat)).Msg("category not replaced")
			continue
		}
		if err := ix.replace(ctx, cat, chunks); err != nil {
			rep.Skipped[cat] = err
			log.Error().Err(err).Str("category", string(cat)).Msg("category replacement failed")
			continue
		}
		rep.Stored[cat] = len(chunks)
		log.Info().Str("category", string(cat)).Int("chunks", len(chunks)).Msg("category replaced")
	}

	if len(rep.Skipped) > 0 {
		names := make([]string, 0, len(rep.Skipped))
		for _, c := range models.Categories {
			if _, ok := rep.Skipped[c]; ok {
				names = append(names, string(c))
			}
		}
		return rep, errs.New(errs.KindIngestion, "categories not replaced: "+strings.Join(names, ", "))
	}
	return rep, nil
}

// embedAll embeds chunks in place with a bounded worker pool and returns
// the failures by chunk index.
func (ix *Indexer) embedAll(ctx context.Context, chunks []models.Chunk) map[int]error {
	// Determine number of workers (default to number of CPU cores)
	numWorkers := ix.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
		if numWorkers > 8 {
			numWorkers = 8 // Cap at 8 to avoid overwhelming the AI API
		}
	}
	log.Info().Int("workers", numWorkers).Int("chunks", len(chunks)).Msg("starting concurrent embedding")

	workChan := make(chan int, numWorkers*2)
	var mu sync.Mutex
	failed := make(map[int]error)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")
			for idx := range workChan {
				vec, err := ix.embed(ctx, chunks[idx])
				if err != nil {
					log.Warn().Err(err).Str("id", chunks[idx].ID).Str("category", string(chunks[idx].Category)).Msg("embedding failed")
					mu.Lock()
					failed[idx] = err
					mu.Unlock()
					continue
				}
				chunks[idx].Embedding = vec
			}
			log.Debug().Int("worker", workerID).Msg("worker finished")
		}(i)
	}

send:
	for i := range chunks {
		select {
		case workChan <- i:
		case <-ctx.Done():
			break send
		}
	}
	close(workChan)
	wg.Wait()
	return failed
}

// embed charges the ledger for one embedding call and validates the result.
func (ix *Indexer) embed(ctx context.Context, c models.Chunk) ([]float32, error) {
	tx := ledger.Transaction{
		Tokens:    c.TokenCount,
		Cost:      ix.Pricing.EmbeddingCost(c.TokenCount),
		Operation: OperationIngest,
	}
	if ix.Ledger != nil {
		if err := ix.Ledger.Reserve(ctx, tx); err != nil {
			return nil, err
		}
	}
	vec, err := ix.Client.Embed(ctx, ai.Truncate(c.Content, ai.MaxEmbedChars))
	if err != nil {
		if ix.Ledger != nil {
			if rerr := ix.Ledger.Release(context.WithoutCancel(ctx), tx); rerr != nil {
				log.Error().Err(rerr).Str("id", c.ID).Msg("failed to release embedding reservation")
			}
		}
		return nil, err
	}
	if err := ai.ValidateEmbedding(vec, ix.Client.Dim()); err != nil {
		return nil, errs.Wrap(errs.KindIngestion, err, "chunk %s", c.ID)
	}
	return vec, nil
}

func (ix *Indexer) replace(ctx context.Context, cat models.Category, chunks []models.Chunk) error {
	err := retry.Do(ctx, ix.Policy, errs.KindIngestion, "delete "+string(cat), func(ctx context.Context) error {
		n, err := ix.Store.DeleteByCategory(ctx, cat)
		if err == nil && n > 0 {
			log.Debug().Str("category", string(cat)).Int64("deleted", n).Msg("previous chunks removed")
		}
		return err
	})
	if err != nil {
		return err
	}
	for _, c := range chunks {
		err := retry.Do(ctx, ix.Policy, errs.KindIngestion, "upsert chunk", func(ctx context.Context) error {
			return ix.Store.UpsertChunk(ctx, c)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// HashContent returns the SHA-1 hash of the given content as a hex string.
func HashContent(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func isDocument(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".txt")
}

// shouldSkipDir returns true for hidden and tooling directories.
func shouldSkipDir(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if strings.HasPrefix(base, ".") {
		return true
	}
	switch base {
	case "node_modules", "vendor", "build", "dist", "out", "tmp":
		return true
	}
	return false
}

// IsBudgetError reports whether err was caused by the usage ledger
// refusing an ingestion call.
func IsBudgetError(err error) bool {
	return errors.Is(err, errs.ErrBudgetExceeded) || errs.IsKind(err, errs.KindBudgetExceeded)
}
