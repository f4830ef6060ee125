package transcoder

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// monitorProgress reads the key=value stream produced by ffmpeg's
// -progress pipe:1 and emits integer completion percentages on events.
// Sends are best-effort: a slow consumer drops intermediate values, never
// blocks the encoder. durationSec <= 0 disables percentage reporting.
func monitorProgress(r io.Reader, durationSec float64, events chan<- int) {
	scanner := bufio.NewScanner(r)
	last := -1
	for scanner.Scan() {
		percent, ok := parseProgressLine(scanner.Text(), durationSec)
		if !ok || percent == last {
			continue
		}
		last = percent
		select {
		case events <- percent:
		default:
		}
	}
}

// parseProgressLine converts one out_time_us line into a completion
// percentage clamped to [0,100].
func parseProgressLine(line string, durationSec float64) (int, bool) {
	if durationSec <= 0 {
		return 0, false
	}

	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found {
		return 0, false
	}

	var elapsedSec float64
	switch key {
	case "progress":
		if value == "end" {
			return 100, true
		}
		return 0, false
	case "out_time_us", "out_time_ms":
		// Both keys carry microseconds in ffmpeg's progress output.
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return 0, false
		}
		elapsedSec = float64(us) / 1e6
	default:
		return 0, false
	}

	percent := int(elapsedSec / durationSec * 100)
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return percent, true
}
