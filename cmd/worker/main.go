package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/document-pipeline/config"
	"github.com/feichai0017/document-pipeline/internal/agent"
	"github.com/feichai0017/document-pipeline/internal/agent/document/image"
	"github.com/feichai0017/document-pipeline/internal/agent/document/pdf"
	"github.com/feichai0017/document-pipeline/internal/agent/embedding"
	"github.com/feichai0017/document-pipeline/internal/service/pipeline"
	"github.com/feichai0017/document-pipeline/internal/utils/validator"
	"github.com/feichai0017/document-pipeline/pkg/jobstore/backends"
	"github.com/feichai0017/document-pipeline/pkg/logger"
	"github.com/feichai0017/document-pipeline/pkg/queue"
	"github.com/feichai0017/document-pipeline/pkg/storage"
	"github.com/feichai0017/document-pipeline/pkg/worker"
)

func main() {
	cfg, err := config.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.With(logger.String("service", "worker"))

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

	// 文档处理器
	textract, err := image.NewTextractProcessor(ctx, &cfg.Textract, log)
	if err != nil {
		log.Fatal("Failed to create textract processor", logger.Error(err))
	}
	processors := agent.NewProcessorFactory(log,
		pdf.NewProcessor(log, cfg.PDF.MaxWorkers),
		textract,
	)
	defer processors.Close()

	embedder := embedding.NewOllamaClientPool(&cfg.Ollama)
	defer embedder.Close()

	v := validator.NewDocumentValidator(log, &cfg.Validator)
	executors := agent.NewRegistry(
		agent.NewIngestExecutor(store, v, log),
		agent.NewOCRExecutor(store, processors, log),
		agent.NewEmbedExecutor(store, embedder, cfg.Embed, log),
	)

	q := queue.NewAsynqQueue(&cfg.Queue, log)
	defer q.Close()

	svc := pipeline.NewService(executors, q, store, jobs, v, log, &cfg.Service)

	pipelineWorker := worker.NewPipelineWorker(cfg.Queue.RedisOpt(), &cfg.Worker, svc, log)
	if err := pipelineWorker.Start(ctx); err != nil {
		log.Fatal("Failed to start worker", logger.Error(err))
	}

	// 等待中断信号
	<-ctx.Done()

	// 优雅关闭
	log.Info("Shutting down worker...")
	pipelineWorker.Stop()
	log.Info("Worker stopped")
}
