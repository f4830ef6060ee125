// Package thumbnail extracts a representative still image from a raw video.
// The candidate frame is placed just past any leading black or fade-in
// segment found by ffmpeg's blackdetect filter.
package thumbnail

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"go.opentelemetry.io/otel"

	"github.com/marcy-dev/dash-pipeline/internal/probe"
	"github.com/marcy-dev/dash-pipeline/pkg/models"
)

const (
	// ThumbnailName is the fixed output file name inside the job directory.
	ThumbnailName = "thumbnail.jpg"

	// BlackDetectFilter flags segments at least 0.1s long whose pixels fall
	// below 10% luminance.
	BlackDetectFilter = "blackdetect=d=0.1:pix_th=0.10"

	// TimestampEpsilon nudges the candidate past the detected black end so
	// the captured frame is not the black frame itself.
	TimestampEpsilon = 0.1
)

var tracer = otel.Tracer("dash-thumbnail")

var blackEndPattern = regexp.MustCompile(`black_end:([\d.]+)`)

// Extractor generates thumbnails and measures media duration.
type Extractor struct {
	ffmpegPath string
	prober     *probe.Prober
	log        *slog.Logger
}

// NewExtractor creates an Extractor using the given ffmpeg binary.
func NewExtractor(ffmpegPath string, prober *probe.Prober, log *slog.Logger) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Extractor{
		ffmpegPath: ffmpegPath,
		prober:     prober,
		log:        log,
	}
}

// Generate writes ThumbnailName into outputDir and returns the measured
// media duration in seconds. Every sub-step failure is reported as a
// thumbnail-generation error carrying the underlying cause.
func (e *Extractor) Generate(ctx context.Context, inputPath, outputDir string) (float64, error) {
	ctx, span := tracer.Start(ctx, "generate-thumbnail")
	defer span.End()

	blackEnd, err := e.detectBlackEnd(ctx, inputPath)
	if err != nil {
		return 0, fmt.Errorf("%w: black-frame detection: %v", models.ErrThumbnailFailed, err)
	}

	durationSec, err := e.prober.Duration(ctx, inputPath)
	if err != nil {
		return 0, fmt.Errorf("%w: duration probe: %v", models.ErrThumbnailFailed, err)
	}

	timestamp := ResolveTimestamp(blackEnd, durationSec)
	e.log.InfoContext(ctx, "Extracting thumbnail",
		"blackEnd", blackEnd,
		"durationSeconds", durationSec,
		"timestamp", timestamp,
	)

	outputPath := filepath.Join(outputDir, ThumbnailName)
	if err := e.extractFrame(ctx, inputPath, outputPath, timestamp); err != nil {
		return 0, fmt.Errorf("%w: frame extraction: %v", models.ErrThumbnailFailed, err)
	}

	return durationSec, nil
}

// detectBlackEnd runs the luminance analysis pass and returns the end time
// of the last leading black segment, or 0 when none is reported.
func (e *Extractor) detectBlackEnd(ctx context.Context, inputPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-i", inputPath,
		"-vf", BlackDetectFilter,
		"-an",
		"-f", "null",
		"-",
	)

	// blackdetect reports on stderr alongside the usual diagnostics.
	output, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffmpeg blackdetect failed: %w", err)
	}

	return ParseBlackEnd(string(output)), nil
}

// ParseBlackEnd extracts the last black_end timestamp from blackdetect
// output. No match means no black segment was found.
func ParseBlackEnd(output string) float64 {
	matches := blackEndPattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0
	}

	last := matches[len(matches)-1][1]
	value, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return 0
	}
	return value
}

// ResolveTimestamp picks the extraction timestamp: just past the detected
// black end, falling back to the temporal midpoint when that would run past
// the end of the media. The result always satisfies 0 <= t < duration for
// any positive duration.
func ResolveTimestamp(blackEnd, durationSec float64) float64 {
	timestamp := blackEnd + TimestampEpsilon
	if timestamp >= durationSec {
		timestamp = durationSec / 2
		if timestamp < 0 {
			timestamp = 0
		}
	}
	return timestamp
}

// extractFrame captures a single quality-biased frame at the timestamp.
func (e *Extractor) extractFrame(ctx context.Context, inputPath, outputPath string, timestamp float64) error {
	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-y",
		"-ss", strconv.FormatFloat(timestamp, 'f', -1, 64),
		"-i", inputPath,
		"-frames:v", "1",
		"-q:v", "2",
		outputPath,
	)

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg frame extraction failed: %w (%s)", err, lastLine(output))
	}
	return nil
}

// lastLine returns the trailing non-empty line of subprocess output, which
// for ffmpeg usually carries the actual failure reason.
func lastLine(output []byte) string {
	lines := regexp.MustCompile(`\r?\n`).Split(string(output), -1)
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] != "" {
			return lines[i]
		}
	}
	return ""
}
