package transcoder

import (
	"fmt"
	"strconv"
	"strings"
)

// Encoding parameters. The CRF/preset pair targets constant quality
// regardless of input characteristics; the keyframe cadence keeps DASH
// segments seekable at the configured segment duration.
const (
	ManifestName    = "manifest.mpd"
	SegmentDuration = 4
	VideoCodec      = "libx264"
	X264Options     = "keyint=48:min-keyint=48"
	EncoderPreset   = "slow"
	ConstantRate    = "18"
	GOPSize         = "48"
)

// Rendition defines one fixed resolution/bitrate output variant.
type Rendition struct {
	Width   int
	Height  int
	Bitrate string
}

// DefaultRenditions are the standard output variants, lowest to highest.
var DefaultRenditions = []Rendition{
	{640, 320, "1500k"},
	{854, 480, "2500k"},
	{1280, 720, "5000k"},
	{1920, 1080, "8000k"},
}

// Scale returns the ffmpeg scale filter for the rendition.
func (r Rendition) Scale() string {
	return fmt.Sprintf("scale=%d:%d", r.Width, r.Height)
}

// BufSize returns the rate-control buffer size, twice the target bitrate.
func (r Rendition) BufSize() string {
	numeric := strings.TrimSuffix(r.Bitrate, "k")
	kbps, err := strconv.Atoi(numeric)
	if err != nil {
		return r.Bitrate
	}
	return fmt.Sprintf("%dk", kbps*2)
}

// OutputName returns the rendition file name for the given index.
func OutputName(index int) string {
	return fmt.Sprintf("video_%d.mp4", index)
}
