package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/config"
	"github.com/fyrsmithlabs/ideagraph/internal/extraction"
	"github.com/fyrsmithlabs/ideagraph/internal/graphstore"
	"github.com/fyrsmithlabs/ideagraph/internal/httpapi"
	"github.com/fyrsmithlabs/ideagraph/internal/ingest"
	"github.com/fyrsmithlabs/ideagraph/internal/logging"
	mcpserver "github.com/fyrsmithlabs/ideagraph/internal/mcp"
	"github.com/fyrsmithlabs/ideagraph/internal/retrieval"
	"github.com/fyrsmithlabs/ideagraph/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon: MCP on stdio, optionally HTTP JSON",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := graphstore.Open(cfg.Store.Path, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("opening graph store: %w", err)
	}
	defer func() { _ = store.Close() }()

	var extractor extraction.Extractor
	var judge extraction.Judge
	if cfg.Extraction.APIKey.IsSet() {
		client, err := extraction.NewClient(extraction.Config{
			APIKey:     cfg.Extraction.APIKey.Value(),
			Model:      cfg.Extraction.Model,
			BaseURL:    cfg.Extraction.BaseURL,
			Timeout:    cfg.Extraction.Timeout.Duration(),
			MaxRetries: cfg.Extraction.MaxRetries,
		}, logger.Named("extraction"))
		if err != nil {
			return fmt.Errorf("creating extraction client: %w", err)
		}
		extractor, judge = client, client
	} else {
		logger.Warn("no extraction api key configured, ingestion will skip every turn")
		extractor = extraction.Unconfigured{}
	}

	pipeline, err := ingest.New(store, extractor, judge, ingest.Config{
		NeighborLimit:      cfg.Ingest.NeighborLimit,
		DuplicateThreshold: cfg.Ingest.DuplicateThreshold,
		MergeThreshold:     cfg.Ingest.MergeThreshold,
		JudgeThreshold:     cfg.Ingest.JudgeThreshold,
		ExtractionTimeout:  cfg.Extraction.Timeout.Duration(),
	}, logger.Named("ingest"))
	if err != nil {
		return fmt.Errorf("creating ingest pipeline: %w", err)
	}

	synonyms := retrieval.NewSynonymTable(logger.Named("synonyms"))
	if cfg.Retrieval.SynonymsPath != "" {
		if err := synonyms.LoadFile(cfg.Retrieval.SynonymsPath); err != nil {
			return fmt.Errorf("loading synonym table: %w", err)
		}
		go func() {
			if err := synonyms.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("synonym watcher stopped", zap.Error(err))
			}
		}()
	}

	engine, err := retrieval.NewEngine(store, synonyms, retrieval.Config{
		SeedLimit:     cfg.Retrieval.SeedLimit,
		FallbackLimit: cfg.Retrieval.FallbackLimit,
		LatencyBudget: cfg.Retrieval.LatencyBudget.Duration(),
	}, logger.Named("retrieval"))
	if err != nil {
		return fmt.Errorf("creating retrieval engine: %w", err)
	}

	sessions, err := session.NewManager(store, session.Config{
		IdleTimeout: cfg.Session.IdleTimeout.Duration(),
	}, logger.Named("session"))
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	if cfg.Server.HTTPEnabled {
		httpSrv, err := httpapi.NewServer(pipeline, engine, sessions, store,
			logger.Named("http"), &httpapi.Config{
				Host: cfg.Server.Host,
				Port: cfg.Server.Port,
			})
		if err != nil {
			return fmt.Errorf("creating http server: %w", err)
		}
		go func() {
			if err := httpSrv.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(),
				cfg.Server.ShutdownTimeout.Duration())
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown failed", zap.Error(err))
			}
		}()
	}

	mcpSrv, err := mcpserver.NewServer(&mcpserver.Config{
		Name:    "ideagraphd",
		Version: version,
		Logger:  logger.Named("mcp"),
	}, pipeline, engine, sessions, store)
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}

	logger.Info("ideagraphd started",
		zap.String("version", version),
		zap.String("store_path", cfg.Store.Path),
		zap.Bool("http_enabled", cfg.Server.HTTPEnabled))

	if err := mcpSrv.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
