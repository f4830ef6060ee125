// Package transcoder produces multi-rendition DASH output from a raw video
// via ffmpeg.
package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/marcy-dev/dash-pipeline/internal/metrics"
	"github.com/marcy-dev/dash-pipeline/internal/probe"
	"github.com/marcy-dev/dash-pipeline/pkg/models"
)

var tracer = otel.Tracer("dash-transcoder")

// Config holds transcoder configuration.
type Config struct {
	FFmpegPath string
	Renditions []Rendition
	Prober     *probe.Prober
	Logger     *slog.Logger
}

// Transcoder runs the DASH encoding pipeline for one input at a time.
type Transcoder struct {
	config *Config
}

// New creates a Transcoder with the given configuration.
func New(config *Config) *Transcoder {
	if len(config.Renditions) == 0 {
		config.Renditions = DefaultRenditions
	}
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	return &Transcoder{config: config}
}

// Renditions returns the configured output variants.
func (t *Transcoder) Renditions() []Rendition {
	return t.config.Renditions
}

// Transcode encodes inputPath into all configured renditions plus a DASH
// manifest inside outputDir, emitting fractional completion percentages on
// events while the encoder runs. Pre-existing files in outputDir are purged
// first so a retried attempt starts clean.
func (t *Transcoder) Transcode(ctx context.Context, inputPath, outputDir string, events chan<- int) error {
	ctx, span := tracer.Start(ctx, "transcode-dash")
	defer span.End()

	start := time.Now()

	if err := purgeDir(outputDir); err != nil {
		return fmt.Errorf("failed to prepare output directory: %w", err)
	}

	// Progress percentages need the total duration; without it the encode
	// still runs, just silently.
	durationSec := 0.0
	if t.config.Prober != nil {
		d, err := t.config.Prober.Duration(ctx, inputPath)
		if err != nil {
			t.config.Logger.WarnContext(ctx, "Could not probe input duration, progress disabled", "error", err)
		} else {
			durationSec = d
		}
	}

	if err := t.runFFmpeg(ctx, inputPath, outputDir, durationSec, events); err != nil {
		return err
	}

	metrics.StageDuration.WithLabelValues(string(models.StageTranscoding)).Observe(time.Since(start).Seconds())
	return nil
}

// runFFmpeg executes the encoder and relays its progress stream.
func (t *Transcoder) runFFmpeg(ctx context.Context, inputPath, outputDir string, durationSec float64, events chan<- int) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-execute")
	defer span.End()

	args := t.buildFFmpegArgs(inputPath, outputDir)
	cmd := exec.CommandContext(ctx, t.config.FFmpegPath, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// -progress writes to stdout; diagnostics arrive on stderr.
	go func() {
		defer wg.Done()
		monitorProgress(stdoutPipe, durationSec, events)
	}()

	go func() {
		defer wg.Done()
		t.monitorOutput(ctx, stderrPipe)
	}()

	cmdErr := cmd.Wait()
	wg.Wait()

	if cmdErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", models.ErrFFmpegFailed, ctx.Err())
		}
		return fmt.Errorf("%w: %v", models.ErrFFmpegFailed, cmdErr)
	}

	return nil
}

// buildFFmpegArgs constructs one ffmpeg invocation producing every rendition
// file plus the DASH manifest.
func (t *Transcoder) buildFFmpegArgs(inputPath, outputDir string) []string {
	args := []string{
		"-y",
		"-nostats",
		"-progress", "pipe:1",
		"-i", inputPath,
	}

	for i, rendition := range t.config.Renditions {
		args = append(args,
			"-map", "0:v",
			"-vf", rendition.Scale(),
			"-c:v", VideoCodec,
			"-x264opts", X264Options,
			"-preset", EncoderPreset,
			"-crf", ConstantRate,
			"-g", GOPSize,
			"-b:v", rendition.Bitrate,
			"-maxrate", rendition.Bitrate,
			"-bufsize", rendition.BufSize(),
			filepath.Join(outputDir, OutputName(i)),
		)
	}

	args = append(args,
		"-map", "0:v",
		"-map", "0:a?",
		"-c:v", VideoCodec,
		"-x264opts", X264Options,
		"-preset", EncoderPreset,
		"-crf", ConstantRate,
		"-g", GOPSize,
		"-f", "dash",
		"-use_template", "1",
		"-use_timeline", "1",
		"-seg_duration", fmt.Sprintf("%d", SegmentDuration),
		"-max_muxing_queue_size", "1024",
		filepath.Join(outputDir, ManifestName),
	)

	return args
}

// monitorOutput reads and logs ffmpeg diagnostics.
func (t *Transcoder) monitorOutput(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
			line := scanner.Text()
			if strings.Contains(line, "error") || strings.Contains(line, "Error") {
				t.config.Logger.WarnContext(ctx, "FFmpeg warning", "output", line)
			} else {
				t.config.Logger.DebugContext(ctx, "FFmpeg output", "output", line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		t.config.Logger.WarnContext(ctx, "FFmpeg output scanner error", "error", err)
	}
}

// purgeDir empties dir, creating it if needed. Leftovers from a previous
// failed attempt must not leak into the new output set.
func purgeDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
