package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	AWS           AWSConfig
	Server        ServerConfig
	Worker        WorkerConfig
	Observability ObservabilityConfig
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region          string
	RawBucket       string
	ProcessedBucket string
	DynamoDBTable   string
	SQSQueueURL     string
}

// ServerConfig holds HTTP trigger server configuration.
type ServerConfig struct {
	Port        string
	MetricsPort int
}

// WorkerConfig holds pipeline-specific configuration.
type WorkerConfig struct {
	MaxConcurrentJobs int
	RawDir            string
	ProcessedDir      string

	DownloadTimeout  time.Duration
	TranscodeTimeout time.Duration
	ThumbnailTimeout time.Duration
	UploadTimeout    time.Duration

	FFmpegPath  string
	FFprobePath string
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// Default values
const (
	DefaultPort              = "8080"
	DefaultMetricsPort       = 2112
	DefaultMaxConcurrentJobs = 1
	DefaultOTLPEndpoint      = "localhost:4317"
	DefaultRegion            = "us-west-2"
	DefaultRawDir            = "/tmp/raw-videos"
	DefaultProcessedDir      = "/tmp/processed-videos"

	DefaultDownloadTimeout  = 10 * time.Minute
	DefaultTranscodeTimeout = 2 * time.Hour
	DefaultThumbnailTimeout = 10 * time.Minute
	DefaultUploadTimeout    = 30 * time.Minute
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", DefaultRegion),
			RawBucket:       os.Getenv("RAW_BUCKET"),
			ProcessedBucket: os.Getenv("PROCESSED_BUCKET"),
			DynamoDBTable:   os.Getenv("DYNAMODB_TABLE"),
			SQSQueueURL:     os.Getenv("SQS_QUEUE_URL"),
		},
		Server: ServerConfig{
			Port:        getEnv("PORT", DefaultPort),
			MetricsPort: getEnvInt("METRICS_PORT", DefaultMetricsPort),
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
			RawDir:            getEnv("RAW_DIR", DefaultRawDir),
			ProcessedDir:      getEnv("PROCESSED_DIR", DefaultProcessedDir),
			DownloadTimeout:   getEnvDuration("DOWNLOAD_TIMEOUT", DefaultDownloadTimeout),
			TranscodeTimeout:  getEnvDuration("TRANSCODE_TIMEOUT", DefaultTranscodeTimeout),
			ThumbnailTimeout:  getEnvDuration("THUMBNAIL_TIMEOUT", DefaultThumbnailTimeout),
			UploadTimeout:     getEnvDuration("UPLOAD_TIMEOUT", DefaultUploadTimeout),
			FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:       getEnv("FFPROBE_PATH", "ffprobe"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		},
	}

	return cfg, nil
}

// LoadWorker loads and validates configuration for the worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateWorker validates configuration required for the worker service.
func (c *Config) ValidateWorker() error {
	var errs []string

	if c.AWS.RawBucket == "" {
		errs = append(errs, "RAW_BUCKET is required")
	}
	if c.AWS.ProcessedBucket == "" {
		errs = append(errs, "PROCESSED_BUCKET is required")
	}
	if c.AWS.DynamoDBTable == "" {
		errs = append(errs, "DYNAMODB_TABLE is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// PullModeEnabled returns true when a queue URL is configured and the worker
// should poll SQS in addition to serving push deliveries.
func (c *Config) PullModeEnabled() bool {
	return c.AWS.SQSQueueURL != ""
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
