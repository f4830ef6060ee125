// Package worker orchestrates the video-processing pipeline: it turns one
// queue delivery into a sequence of durable stage transitions, running
// download, transcode, thumbnail and publish against a transactional job
// record that guards idempotency under at-least-once delivery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/marcy-dev/dash-pipeline/internal/config"
	"github.com/marcy-dev/dash-pipeline/internal/logger"
	"github.com/marcy-dev/dash-pipeline/internal/metrics"
	"github.com/marcy-dev/dash-pipeline/internal/queue"
	"github.com/marcy-dev/dash-pipeline/internal/transcoder"
	"github.com/marcy-dev/dash-pipeline/pkg/models"
)

// Progress persistence policy: writes to the job store happen only on
// five-point deltas or near completion, bounding write amplification.
const (
	ProgressPersistDelta = 5
	ProgressPinNear      = 99
	ProgressBufferSize   = 16
)

var tracer = otel.Tracer("dash-worker")

// JobStore is the durable per-video state store.
type JobStore interface {
	GetJob(ctx context.Context, videoID string) (*models.JobRecord, error)
	UpdateJob(ctx context.Context, videoID string, update models.JobUpdate) error
	RunTransaction(ctx context.Context, videoID string, fn func(record *models.JobRecord) (models.JobUpdate, error)) error
}

// ObjectStore is the raw/processed asset storage.
type ObjectStore interface {
	DownloadRaw(ctx context.Context, assetName, destPath string) (int64, error)
	PublishDir(ctx context.Context, jobID, localDir string) error
	DeleteRaw(ctx context.Context, assetName string) error
	DeleteProcessedPrefix(ctx context.Context, jobID string) error
}

// Transcoder produces the rendition set and DASH manifest.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputDir string, events chan<- int) error
}

// Thumbnailer extracts the representative still image and measures duration.
type Thumbnailer interface {
	Generate(ctx context.Context, inputPath, outputDir string) (float64, error)
}

// Orchestrator drives one job attempt through the pipeline stages.
type Orchestrator struct {
	jobs        JobStore
	objects     ObjectStore
	transcoder  Transcoder
	thumbnailer Thumbnailer
	cfg         *config.Config
	log         *slog.Logger
}

// Config holds orchestrator dependencies.
type Config struct {
	JobStore    JobStore
	ObjectStore ObjectStore
	Transcoder  Transcoder
	Thumbnailer Thumbnailer
	AppConfig   *config.Config
	Logger      *slog.Logger
}

// New creates an Orchestrator with the given configuration.
func New(cfg *Config) *Orchestrator {
	return &Orchestrator{
		jobs:        cfg.JobStore,
		objects:     cfg.ObjectStore,
		transcoder:  cfg.Transcoder,
		thumbnailer: cfg.Thumbnailer,
		cfg:         cfg.AppConfig,
		log:         cfg.Logger,
	}
}

// Process handles one queue delivery from its raw body to a terminal
// outcome. The outcome tells the trigger whether the message may be
// redelivered; errors never escape this boundary.
func (o *Orchestrator) Process(ctx context.Context, body []byte) models.Outcome {
	ctx, span := tracer.Start(ctx, "process-delivery")
	defer span.End()

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	assetName, err := queue.ParseJobReference(body)
	if err != nil {
		// No job reference exists, so there is no record to update; the
		// message is permanently undeliverable.
		logger.Error(ctx, o.log, "Discarding malformed delivery", "error", err)
		metrics.RecordOutcome("malformed")
		return models.OutcomeAck
	}

	ref := models.NewJobRef(assetName)
	attemptID := uuid.NewString()

	span.SetAttributes(
		attribute.String("video.id", ref.VideoID),
		attribute.String("video.asset", ref.AssetName),
		attribute.String("attempt.id", attemptID),
	)

	log := o.log.With("videoId", ref.VideoID, "attemptId", attemptID)
	logger.Info(ctx, log, "Processing video", "asset", ref.AssetName, "ownerId", ref.OwnerID)

	return o.processJob(ctx, log, ref)
}

func (o *Orchestrator) processJob(ctx context.Context, log *slog.Logger, ref models.JobRef) models.Outcome {
	// Entry guard: a transactional compare-and-set decides whether this
	// delivery may start an attempt at all.
	if err := o.initializeAttempt(ctx, ref); err != nil {
		switch {
		case errors.Is(err, models.ErrAlreadyInFlight):
			logger.Info(ctx, log, "Duplicate delivery for in-flight or completed video, ignoring")
			metrics.RecordOutcome("duplicate")
			return models.OutcomeAck
		case errors.Is(err, models.ErrRetriesExhausted):
			logger.Warn(ctx, log, "Video has exhausted its retries, ignoring")
			metrics.RecordOutcome("permanently_failed")
			return models.OutcomeAck
		default:
			return o.handleFailure(ctx, log, ref, "initialization failed", err)
		}
	}

	rawPath := o.rawPath(ref)
	outputDir := o.outputDir(ref)

	if outcome, ok := o.runStage(ctx, log, ref, models.StageDownloading, o.cfg.Worker.DownloadTimeout,
		func(ctx context.Context) error {
			written, err := o.objects.DownloadRaw(ctx, ref.AssetName, rawPath)
			if err != nil {
				return fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
			}
			logger.Info(ctx, log, "Downloaded raw video", "sizeBytes", written)
			return nil
		}); !ok {
		return outcome
	}

	if outcome, ok := o.runStage(ctx, log, ref, models.StageTranscoding, o.cfg.Worker.TranscodeTimeout,
		func(ctx context.Context) error {
			return o.runTranscode(ctx, log, ref, rawPath, outputDir)
		}); !ok {
		return outcome
	}

	if outcome, ok := o.runStage(ctx, log, ref, models.StageGeneratingThumbnail, o.cfg.Worker.ThumbnailTimeout,
		func(ctx context.Context) error {
			durationSec, err := o.thumbnailer.Generate(ctx, rawPath, outputDir)
			if err != nil {
				return err
			}
			// Duration must be durably known by the time this stage ends.
			if err := o.jobs.UpdateJob(ctx, ref.VideoID, models.JobUpdate{DurationSeconds: &durationSec}); err != nil {
				return err
			}
			logger.Info(ctx, log, "Thumbnail generated", "durationSeconds", durationSec)
			return nil
		}); !ok {
		return outcome
	}

	if outcome, ok := o.runStage(ctx, log, ref, models.StageUploading, o.cfg.Worker.UploadTimeout,
		func(ctx context.Context) error {
			if err := o.objects.PublishDir(ctx, ref.VideoID, outputDir); err != nil {
				return fmt.Errorf("%w: %v", models.ErrUploadFailed, err)
			}
			return nil
		}); !ok {
		return outcome
	}

	if err := o.finalize(ctx, log, ref); err != nil {
		return o.handleFailure(ctx, log, ref, "finalization failed", err)
	}

	logger.Info(ctx, log, "Video processed successfully")
	metrics.RecordOutcome("processed")
	return models.OutcomeAck
}

// initializeAttempt runs the transactional entry guard. It returns
// ErrAlreadyInFlight for duplicate deliveries, ErrRetriesExhausted once the
// retry cap is reached (writing the terminal state as part of the same
// transaction), and nil when this delivery owns a fresh attempt.
func (o *Orchestrator) initializeAttempt(ctx context.Context, ref models.JobRef) error {
	var exhausted bool

	err := o.jobs.RunTransaction(ctx, ref.VideoID, func(record *models.JobRecord) (models.JobUpdate, error) {
		var status models.VideoStatus
		retryCount := 0
		if record != nil {
			status = record.Status
			retryCount = record.RetryCount
		}

		if status == models.StatusProcessing || status == models.StatusProcessed {
			return models.JobUpdate{}, models.ErrAlreadyInFlight
		}
		if status == models.StatusPermanentlyFailed {
			return models.JobUpdate{}, models.ErrRetriesExhausted
		}

		if status == models.StatusFailed && retryCount >= models.MaxRetries {
			exhausted = true
			permanentlyFailed := models.StatusPermanentlyFailed
			complete := models.StageComplete
			message := "Maximum retries reached during initialization."
			return models.JobUpdate{
				Status:       &permanentlyFailed,
				Stage:        &complete,
				RetryCount:   &retryCount,
				ErrorMessage: &message,
			}, nil
		}

		if status == models.StatusFailed {
			metrics.JobRetries.Inc()
		}

		processing := models.StatusProcessing
		initializing := models.StageInitializing
		zeroProgress := 0
		ownerID := ref.OwnerID
		return models.JobUpdate{
			Status:              &processing,
			Stage:               &initializing,
			TranscodingProgress: &zeroProgress,
			RetryCount:          &retryCount,
			OwnerID:             &ownerID,
			SetCreatedAt:        true,
		}, nil
	})
	if err != nil {
		return err
	}
	if exhausted {
		return models.ErrRetriesExhausted
	}
	return nil
}

// runStage records the stage transition, runs fn under the stage timeout and
// funnels any failure through the error handler. The bool result is false
// when processing must stop, with the outcome to return to the trigger.
func (o *Orchestrator) runStage(ctx context.Context, log *slog.Logger, ref models.JobRef, stage models.VideoStage, timeout time.Duration, fn func(ctx context.Context) error) (models.Outcome, bool) {
	ctx, span := tracer.Start(ctx, string(stage))
	defer span.End()

	// The stage transition is durably recorded before the stage runs.
	if err := o.jobs.UpdateJob(ctx, ref.VideoID, models.JobUpdate{Stage: &stage}); err != nil {
		return o.handleFailure(ctx, log, ref, fmt.Sprintf("recording stage %s failed", stage), err), false
	}

	stageCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	if err := fn(stageCtx); err != nil {
		if stageCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("stage %s timed out after %s: %w", stage, timeout, err)
		}
		return o.handleFailure(ctx, log, ref, fmt.Sprintf("stage %s failed", stage), err), false
	}

	if stage != models.StageTranscoding {
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	}

	return models.OutcomeAck, true
}

// runTranscode runs the encoder while persisting coarse progress from its
// event stream. Progress ends pinned at 100 on success and reset to 0 on
// failure.
func (o *Orchestrator) runTranscode(ctx context.Context, log *slog.Logger, ref models.JobRef, rawPath, outputDir string) error {
	events := make(chan int, ProgressBufferSize)
	done := make(chan struct{})

	go func() {
		defer close(done)
		lastPersisted := 0
		for percent := range events {
			if percent < lastPersisted {
				continue
			}
			if percent-lastPersisted < ProgressPersistDelta && percent < ProgressPinNear {
				continue
			}
			lastPersisted = percent
			metrics.TranscodeProgress.Set(float64(percent))
			if err := o.jobs.UpdateJob(ctx, ref.VideoID, progressUpdate(percent)); err != nil {
				logger.Warn(ctx, log, "Failed to persist transcoding progress", "percent", percent, "error", err)
			}
		}
	}()

	err := o.transcoder.Transcode(ctx, rawPath, outputDir, events)
	close(events)
	<-done

	// The stage context may already be dead here; the final progress write
	// still has to land.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		if persistErr := o.jobs.UpdateJob(writeCtx, ref.VideoID, progressUpdate(0)); persistErr != nil {
			logger.Warn(ctx, log, "Failed to reset transcoding progress", "error", persistErr)
		}
		metrics.TranscodeProgress.Set(0)
		return fmt.Errorf("%w: %v", models.ErrTranscodeFailed, err)
	}

	if persistErr := o.jobs.UpdateJob(writeCtx, ref.VideoID, progressUpdate(100)); persistErr != nil {
		logger.Warn(ctx, log, "Failed to pin transcoding progress", "error", persistErr)
	}
	metrics.TranscodeProgress.Set(100)
	return nil
}

func progressUpdate(percent int) models.JobUpdate {
	return models.JobUpdate{TranscodingProgress: &percent}
}

// finalize runs the three terminal operations in parallel. Cleanup failures
// are logged and swallowed; the Processed status write is load-bearing and
// its failure fails the job.
func (o *Orchestrator) finalize(ctx context.Context, log *slog.Logger, ref models.JobRef) error {
	ctx, span := tracer.Start(ctx, "finalize")
	defer span.End()

	var wg sync.WaitGroup
	var statusErr error

	wg.Add(3)

	go func() {
		defer wg.Done()
		processed := models.StatusProcessed
		complete := models.StageComplete
		filename := fmt.Sprintf("%s/%s", ref.VideoID, transcoder.ManifestName)
		// A success after failed attempts must not keep the old failure text.
		noError := ""
		statusErr = o.jobs.UpdateJob(ctx, ref.VideoID, models.JobUpdate{
			Status:       &processed,
			Stage:        &complete,
			Filename:     &filename,
			ErrorMessage: &noError,
		})
	}()

	go func() {
		defer wg.Done()
		o.cleanupLocal(ctx, log, ref)
	}()

	go func() {
		defer wg.Done()
		if err := o.objects.DeleteRaw(ctx, ref.AssetName); err != nil {
			logger.Warn(ctx, log, "Failed to delete raw asset from bucket", "error", err)
		}
	}()

	wg.Wait()

	if statusErr != nil {
		return statusErr
	}
	return nil
}

// handleFailure is the single funnel for stage errors. It persists the
// failure, attempts best-effort cleanup and decides whether the queue should
// redeliver. The caller always gets an outcome.
func (o *Orchestrator) handleFailure(ctx context.Context, log *slog.Logger, ref models.JobRef, stageDesc string, cause error) models.Outcome {
	logger.Error(ctx, log, "Stage failed", "stage", stageDesc, "error", cause)

	record, err := o.jobs.GetJob(ctx, ref.VideoID)
	if err != nil {
		return o.forcePermanentFailure(ctx, log, ref, cause, err)
	}

	retryCount := 1
	if record != nil {
		retryCount = record.RetryCount + 1
	}

	status := models.StatusFailed
	if retryCount >= models.MaxRetries {
		status = models.StatusPermanentlyFailed
	}

	complete := models.StageComplete
	message := fmt.Sprintf("%s: %s", stageDesc, cause.Error())
	update := models.JobUpdate{
		Status:       &status,
		Stage:        &complete,
		RetryCount:   &retryCount,
		ErrorMessage: &message,
	}

	if err := o.jobs.UpdateJob(ctx, ref.VideoID, update); err != nil {
		return o.forcePermanentFailure(ctx, log, ref, cause, err)
	}

	// Cleanup must never mask the original failure.
	o.cleanupLocal(ctx, log, ref)
	if err := o.objects.DeleteProcessedPrefix(ctx, ref.VideoID); err != nil {
		logger.Warn(ctx, log, "Failed to clean up partial processed objects", "error", err)
	}

	if status == models.StatusPermanentlyFailed {
		logger.Error(ctx, log, "Video permanently failed", "retryCount", retryCount)
		metrics.RecordOutcome("permanently_failed")
		return models.OutcomeAck
	}

	metrics.RecordOutcome("failed")
	return models.OutcomeRetry
}

// forcePermanentFailure is the fallback when the error-handling path itself
// fails: the job is marked permanently failed with a distinguishing message
// and the delivery is acknowledged so it is not redelivered forever.
func (o *Orchestrator) forcePermanentFailure(ctx context.Context, log *slog.Logger, ref models.JobRef, cause, handlingErr error) models.Outcome {
	logger.Error(ctx, log, "Error handling failed",
		"error", handlingErr,
		"originalError", cause,
	)

	permanentlyFailed := models.StatusPermanentlyFailed
	complete := models.StageComplete
	message := fmt.Sprintf("error handling failed: %s (original error: %s)", handlingErr.Error(), cause.Error())

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.jobs.UpdateJob(writeCtx, ref.VideoID, models.JobUpdate{
		Status:       &permanentlyFailed,
		Stage:        &complete,
		ErrorMessage: &message,
	}); err != nil {
		logger.Error(ctx, log, "Failed to force permanent failure", "error", err)
	}

	o.cleanupLocal(ctx, log, ref)
	metrics.RecordOutcome("permanently_failed")
	return models.OutcomeAck
}

// cleanupLocal removes the job's local working files, best effort.
func (o *Orchestrator) cleanupLocal(ctx context.Context, log *slog.Logger, ref models.JobRef) {
	if err := os.Remove(o.rawPath(ref)); err != nil && !os.IsNotExist(err) {
		logger.Warn(ctx, log, "Failed to remove local raw video", "error", err)
	}
	if err := os.RemoveAll(o.outputDir(ref)); err != nil {
		logger.Warn(ctx, log, "Failed to remove local output directory", "error", err)
	}
}

func (o *Orchestrator) rawPath(ref models.JobRef) string {
	return filepath.Join(o.cfg.Worker.RawDir, ref.AssetName)
}

func (o *Orchestrator) outputDir(ref models.JobRef) string {
	return filepath.Join(o.cfg.Worker.ProcessedDir, ref.VideoID)
}
