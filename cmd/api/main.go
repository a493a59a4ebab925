package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/folio/internal/ai"
	"github.com/seanblong/folio/internal/api"
	"github.com/seanblong/folio/internal/chat"
	"github.com/seanblong/folio/internal/classify"
	"github.com/seanblong/folio/internal/config"
	"github.com/seanblong/folio/internal/indexer"
	"github.com/seanblong/folio/internal/ledger"
	"github.com/seanblong/folio/internal/ratelimit"
	"github.com/seanblong/folio/internal/router"
	"github.com/seanblong/folio/internal/store"
	"github.com/spf13/pflag"
)

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("folio-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	fs.Usage = cfg.Usage

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("Invalid log level")
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("store", cfg.Store).Str("log_level", cfg.LogLevel).Msg("starting folio api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid provider configuration")
	}
	raw, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create AI client")
	}
	policy := cfg.RetryPolicy()
	client := ai.NewRetrying(ai.NewThrottled(raw, cfg.Throttle.RPS, cfg.Throttle.Burst), policy)
	logger.Info().Int("embedding_dim", client.Dim()).Str("embed_model", clientConfig.EmbedModel).Msg("AI client initialized")

	chunks, usage, closeStore, err := store.Open(ctx, cfg.Store, cfg.Database, client.Dim(), policy)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}
	defer closeStore()

	led := ledger.New(usage, cfg.Limits())

	if cfg.Store == store.BackendMemory {
		seedMemory(ctx, cfg, chunks, client)
	}

	table, err := loadTable(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.FAQFile).Msg("Failed to load FAQ table")
	}
	logger.Info().Int("entries", table.Len()).Msg("Exact-match table loaded")

	svc := chat.NewService(
		client,
		chunks,
		classify.New(cfg.Owner.Name),
		router.New(cfg.RouterConfig(), table),
		led,
		chat.NewSynthesizer(cfg.Owner.Name),
		chatOptions(cfg),
	)

	srv := &api.Server{
		Chat:           svc,
		Store:          chunks,
		Usage:          led,
		Limiter:        ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window),
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout(),
	}

	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("api server stopped")
}

func chatOptions(cfg config.Specification) chat.Options {
	return chat.Options{
		StrictMode:        cfg.StrictMode,
		StrictAccounting:  cfg.StrictAccounting,
		HistoryLimit:      cfg.HistoryLimit,
		CategoryThreshold: cfg.Routing.CategoryThreshold,
		GlobalThreshold:   cfg.Routing.GlobalThreshold,
		Temperature:       float32(cfg.Routing.Temperature),
		Policy:            cfg.RetryPolicy(),
	}
}

func loadTable(cfg config.Specification) (*router.Table, error) {
	if cfg.FAQFile != "" {
		return router.LoadTable(cfg.FAQFile)
	}
	return router.NewTable(router.DefaultEntries(cfg.Profile())), nil
}

// seedMemory ingests the corpus into the in-memory store so a fresh
// process has something to answer from. Failures are logged, not fatal.
func seedMemory(ctx context.Context, cfg config.Specification, chunks store.ChunkStore, client ai.Client) {
	ix := indexer.NewWithDependencies(chunks, cfg.Corpus, client, &indexer.DefaultFileSystemWalker{}, &indexer.DefaultFileReader{})
	ix.Pricing = cfg.RouterConfig().Pricing
	ix.Options = cfg.SegmentOptions()
	ix.Policy = cfg.RetryPolicy()

	rep, err := ix.Run(ctx)
	if err != nil {
		log.Warn().Err(err).Str("corpus", cfg.Corpus).Msg("Corpus not fully loaded into memory store")
	}
	total := 0
	for _, n := range rep.Stored {
		total += n
	}
	log.Info().Int("chunks", total).Int("files", len(rep.Files)).Msg("Memory store seeded")
}
