package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"paper-ingest/api"
	"paper-ingest/config"
	"paper-ingest/ledger"
	"paper-ingest/services"
	"paper-ingest/storage"
)

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger
	db, err := ledger.Connect(cfg.DSN())
	if err != nil {
		logging.Fatal("Failed to connect to ledger database", zap.Error(err))
	}
	logging.Info("Successfully connected to ledger database.")
	revisions := ledger.New(db, logging.Named("ledger"))

	// Content-Store
	store, err := storage.Open(ctx, cfg, logging.Named("store"))
	if err != nil {
		logging.Fatal("Content store creation failed", zap.Error(err))
	}
	logging.Info("Content store ready", zap.String("store", store.Name()))

	// Services
	ingestionService := services.NewIngestionService(cfg, store, revisions, logging.Named("ingest"))
	ingestibleService := services.NewIngestibleService(cfg, ingestionService, logging.Named("ingestibles"))
	sweeper := services.NewSpoolSweeper(cfg.SpoolRoot(), cfg.SpoolMaxAge, logging.Named("sweeper"))

	// Router
	router := api.NewRouter(cfg, &api.Handlers{
		Ingestions:  ingestionService,
		Ingestibles: ingestibleService,
		Ledger:      revisions,
		Logger:      logging,
	})

	// Cron
	cronScheduler := cron.New()
	if _, err := cronScheduler.AddFunc(cfg.IngestCronSchedule, func() {
		logging.Info("Running scheduled drop folder ingestion...")
		count, err := ingestibleService.IngestAll(ctx)
		if err != nil {
			logging.Error("Drop folder job failed", zap.Error(err))
			return
		}
		logging.Info("Drop folder job completed", zap.Int("ingested", count))
	}); err != nil {
		logging.Fatal("Invalid INGEST_CRON_SCHEDULE", zap.Error(err))
	}
	if _, err := cronScheduler.AddFunc(cfg.SweepCronSchedule, func() {
		count, err := sweeper.Sweep(ctx)
		if err != nil {
			logging.Error("Spool sweep failed", zap.Error(err))
			return
		}
		logging.Info("Spool sweep completed", zap.Int("removed", count))
	}); err != nil {
		logging.Fatal("Invalid SWEEP_CRON_SCHEDULE", zap.Error(err))
	}
	cronScheduler.Start()
	defer cronScheduler.Stop()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       5 * time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("Server shutdown failed", zap.Error(err))
		}
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
	logging.Info("Server stopped")
}
