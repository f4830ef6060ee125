// Package probe inspects media files with ffprobe.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

// Prober wraps ffprobe container-metadata inspection.
type Prober struct {
	ffprobePath string
}

// NewProber creates a Prober using the given ffprobe binary.
func NewProber(ffprobePath string) *Prober {
	return &Prober{ffprobePath: ffprobePath}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration,omitempty"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Duration returns the media duration in seconds from container metadata,
// falling back to the first stream duration when the container has none.
func (p *Prober) Duration(ctx context.Context, inputPath string) (float64, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}

	output, err := exec.CommandContext(ctx, p.ffprobePath, args...).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	return ParseDuration(output)
}

// ParseDuration extracts the duration from raw ffprobe JSON output.
func ParseDuration(output []byte) (float64, error) {
	var data ffprobeOutput
	if err := json.Unmarshal(output, &data); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}

	if data.Format.Duration != "" {
		if d, err := strconv.ParseFloat(data.Format.Duration, 64); err == nil && d > 0 {
			return d, nil
		}
	}

	for _, stream := range data.Streams {
		if stream.Duration != "" {
			if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil && d > 0 {
				return d, nil
			}
		}
	}

	return 0, errors.New("unable to determine media duration")
}
