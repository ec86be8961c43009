package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/document-pipeline/api/handlers"
	"github.com/feichai0017/document-pipeline/api/routes"
	"github.com/feichai0017/document-pipeline/config"
	"github.com/feichai0017/document-pipeline/internal/agent"
	"github.com/feichai0017/document-pipeline/internal/progress"
	"github.com/feichai0017/document-pipeline/internal/service/pipeline"
	"github.com/feichai0017/document-pipeline/internal/utils/validator"
	"github.com/feichai0017/document-pipeline/pkg/jobstore/backends"
	"github.com/feichai0017/document-pipeline/pkg/logger"
	"github.com/feichai0017/document-pipeline/pkg/queue"
	"github.com/feichai0017/document-pipeline/pkg/storage"
)

func main() {
	cfg, err := config.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// init logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.With(logger.String("service", "api"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs, err := backends.Open(ctx, &cfg.JobStore, log)
	if err != nil {
		log.Fatal("Failed to open job store", logger.Error(err))
	}
	defer jobs.Close()

	store, err := storage.NewStorage(ctx, &cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to create storage", logger.Error(err))
	}

	q := queue.NewAsynqQueue(&cfg.Queue, log)
	defer q.Close()

	// the API only submits; stages run in the worker
	svc := pipeline.NewService(
		agent.NewRegistry(),
		q,
		store,
		jobs,
		validator.NewDocumentValidator(log, &cfg.Validator),
		log,
		&cfg.Service,
	)

	h := handlers.NewHandlers(svc, jobs, handlers.Config{
		MaxUploadSize: cfg.Server.MaxUploadSize,
		Stream: handlers.ProgressStreamConfig{
			PingInterval:   cfg.Server.PingInterval,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		HealthChecks: map[string]handlers.HealthCheck{
			"jobstore": func(ctx context.Context) error {
				_, err := progress.Snapshot(ctx, jobs, "healthcheck")
				return err
			},
		},
	}, log)

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, cfg.Server.AllowedOrigins, log)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	// start server
	go func() {
		log.Info("Server starting", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	// graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
}
