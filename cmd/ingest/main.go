package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/folio/internal/ai"
	"github.com/seanblong/folio/internal/config"
	"github.com/seanblong/folio/internal/indexer"
	"github.com/seanblong/folio/internal/ledger"
	"github.com/seanblong/folio/internal/store"
	"github.com/seanblong/folio/pkg/models"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("folio-ingest", pflag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "segment the corpus and print the report without embedding or storing")
	workers := fs.Int("workers", 0, "concurrent embedding workers (0 = number of CPUs, at most 8)")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("Invalid log level")
	}
	log.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	// a positional argument overrides the configured corpus
	corpus := cfg.Corpus
	if fs.NArg() > 0 {
		corpus = fs.Arg(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid provider configuration")
	}
	log.Info().Str("provider", string(clientConfig.Provider)).Str("corpus", corpus).Bool("dry_run", *dryRun).Msg("starting ingestion")

	raw, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create AI client")
	}
	policy := cfg.RetryPolicy()
	client := ai.NewRetrying(ai.NewThrottled(raw, cfg.Throttle.RPS, cfg.Throttle.Burst), policy)

	backend := cfg.Store
	if *dryRun {
		backend = store.BackendMemory
	} else if backend == store.BackendMemory {
		log.Warn().Msg("Store is memory; ingested chunks are discarded when this process exits")
	}
	chunks, usage, closeStore, err := store.Open(ctx, backend, cfg.Database, client.Dim(), policy)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer closeStore()

	ix := indexer.NewWithDependencies(chunks, corpus, client, &indexer.DefaultFileSystemWalker{}, &indexer.DefaultFileReader{})
	ix.Ledger = ledger.New(usage, cfg.Limits())
	ix.Pricing = cfg.RouterConfig().Pricing
	ix.Options = cfg.SegmentOptions()
	ix.Policy = policy
	ix.Workers = *workers
	ix.DryRun = *dryRun

	rep, runErr := ix.Run(ctx)
	printReport(rep, *dryRun)
	if runErr != nil {
		closeStore()
		log.Fatal().Err(runErr).Msg("Ingestion failed")
	}
}

func printReport(rep indexer.Report, dryRun bool) {
	out := os.Stdout
	fmt.Fprintf(out, "files: %d  digest: %s\n", len(rep.Files), rep.Digest)
	for _, f := range rep.Files {
		fmt.Fprintf(out, "  %s\n", f)
	}

	perCat := make(map[models.Category]int)
	for _, c := range rep.Chunks {
		perCat[c.Category]++
	}
	fmt.Fprintf(out, "chunks: %d\n", len(rep.Chunks))
	for _, c := range models.Categories {
		if n := perCat[c]; n > 0 {
			fmt.Fprintf(out, "  %-13s %3d segmented  %3d stored\n", c, n, rep.Stored[c])
		}
	}

	if len(rep.SectionErrors) > 0 {
		fmt.Fprintf(out, "section errors: %d\n", len(rep.SectionErrors))
		for _, e := range rep.SectionErrors {
			fmt.Fprintf(out, "  %s\n", e.Error())
		}
	}

	if len(rep.Skipped) > 0 {
		cats := make([]string, 0, len(rep.Skipped))
		for c := range rep.Skipped {
			cats = append(cats, string(c))
		}
		sort.Strings(cats)
		fmt.Fprintln(out, "not replaced:")
		for _, c := range cats {
			fmt.Fprintf(out, "  %s: %v\n", c, rep.Skipped[models.Category(c)])
		}
	}

	if !dryRun {
		fmt.Fprintf(out, "embedded tokens: %d  cost: $%.6f\n", rep.Tokens, rep.Cost)
	}
}
