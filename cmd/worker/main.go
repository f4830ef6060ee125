package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/marcy-dev/dash-pipeline/internal/api"
	"github.com/marcy-dev/dash-pipeline/internal/config"
	"github.com/marcy-dev/dash-pipeline/internal/health"
	"github.com/marcy-dev/dash-pipeline/internal/logger"
	"github.com/marcy-dev/dash-pipeline/internal/observability"
	"github.com/marcy-dev/dash-pipeline/internal/probe"
	"github.com/marcy-dev/dash-pipeline/internal/storage"
	"github.com/marcy-dev/dash-pipeline/internal/thumbnail"
	"github.com/marcy-dev/dash-pipeline/internal/transcoder"
	"github.com/marcy-dev/dash-pipeline/internal/worker"
)

const (
	AWSConfigTimeout = 10 * time.Second
	ShutdownTimeout  = 30 * time.Second
)

func main() {
	log := logger.New()
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		logger.Info(context.Background(), log, "No .env file found, relying on system ENV variables")
	}

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Error(context.Background(), log, "Invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), "dash-worker", cfg.Observability.OTLPEndpoint, cfg.Environment)
	if err != nil {
		logger.Error(context.Background(), log, "Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error(context.Background(), log, "Failed to shutdown tracer", "error", err)
		}
	}()

	awsCtx, cancelAWS := context.WithTimeout(context.Background(), AWSConfigTimeout)
	defer cancelAWS()

	awsCfg, err := awsconfig.LoadDefaultConfig(awsCtx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error(context.Background(), log, "Failed to load AWS config", "error", err)
		os.Exit(1)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	s3Client := s3.NewFromConfig(awsCfg)
	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	jobStore := storage.NewJobStore(dynamoClient, cfg.AWS.DynamoDBTable)
	objectStore := storage.NewObjectStore(s3Client, cfg.AWS.RawBucket, cfg.AWS.ProcessedBucket, log)

	prober := probe.NewProber(cfg.Worker.FFprobePath)
	dashTranscoder := transcoder.New(&transcoder.Config{
		FFmpegPath: cfg.Worker.FFmpegPath,
		Prober:     prober,
		Logger:     log,
	})
	extractor := thumbnail.NewExtractor(cfg.Worker.FFmpegPath, prober, log)

	orchestrator := worker.New(&worker.Config{
		JobStore:    jobStore,
		ObjectStore: objectStore,
		Transcoder:  dashTranscoder,
		Thumbnailer: extractor,
		AppConfig:   cfg,
		Logger:      log,
	})

	healthConfig := health.DefaultConfig("dash-worker", log)
	healthConfig.S3Client = s3Client
	healthConfig.DynamoDBClient = dynamoClient
	healthConfig.RawBucket = cfg.AWS.RawBucket
	healthConfig.ProcessedBucket = cfg.AWS.ProcessedBucket
	healthConfig.DynamoDBTable = cfg.AWS.DynamoDBTable
	healthConfig.SQSQueueURL = cfg.AWS.SQSQueueURL

	var sqsClient *sqs.Client
	if cfg.PullModeEnabled() {
		sqsClient = sqs.NewFromConfig(awsCfg)
		healthConfig.SQSClient = sqsClient
	}

	healthChecker := health.NewChecker(healthConfig)

	server, err := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Processor:     orchestrator,
		HealthChecker: healthChecker,
	})
	if err != nil {
		logger.Error(context.Background(), log, "Failed to create trigger server", "error", err)
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info(context.Background(), log, "Shutting down worker...")
		cancel()
	}()

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(context.Background(), log, "Metrics server failed", "error", err)
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			logger.Error(context.Background(), log, "Trigger server failed", "error", err)
			cancel()
		}
	}()

	var wg sync.WaitGroup
	if cfg.PullModeEnabled() {
		consumer := worker.NewConsumer(sqsClient, orchestrator, cfg.AWS.SQSQueueURL, cfg.Worker.MaxConcurrentJobs, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), log, "Failed to shutdown trigger server", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), log, "Failed to shutdown metrics server", "error", err)
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
