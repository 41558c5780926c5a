package main

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"paper-ingest/config"
	"paper-ingest/ledger"
	"paper-ingest/services"
	"paper-ingest/storage"
)

// deps sind die verdrahteten Services, die die Kommandos brauchen.
type deps struct {
	ledger      ledger.Ledger
	ingestion   services.Ingester
	ingestibles *services.IngestibleService
	sweeper     *services.SpoolSweeper
	logger      *zap.Logger
}

type opener func(ctx context.Context) (*deps, error)

type commandContext struct {
	open opener

	once sync.Once
	deps *deps
	err  error
}

func newCommandContext(open opener) *commandContext {
	return &commandContext{open: open}
}

func (c *commandContext) ensureDeps(ctx context.Context) (*deps, error) {
	c.once.Do(func() {
		c.deps, c.err = c.open(ctx)
	})
	return c.deps, c.err
}

func openDeps(ctx context.Context) (*deps, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := ledger.Connect(cfg.DSN())
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, cfg, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	l := ledger.New(db, logger.Named("ledger"))
	ingestion := services.NewIngestionService(cfg, store, l, logger.Named("ingest"))
	return &deps{
		ledger:      l,
		ingestion:   ingestion,
		ingestibles: services.NewIngestibleService(cfg, ingestion, logger.Named("ingestibles")),
		sweeper:     services.NewSpoolSweeper(cfg.SpoolRoot(), cfg.SpoolMaxAge, logger.Named("sweeper")),
		logger:      logger,
	}, nil
}
