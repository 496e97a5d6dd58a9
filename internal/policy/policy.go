// Package policy decides whether a clip must be re-encoded before it can be
// stream-copy concatenated with the rest of its session.
package policy

import (
	"math"
	"strconv"
	"strings"

	"github.com/clipmerge/clipmerge/internal/probe"
)

// Profile is the common format every merged clip is brought to.
type Profile struct {
	Width      int
	Height     int
	VideoCodec string
	AudioCodec string
	FrameRate  string
}

// Resolution returns the profile resolution in ffprobe's WxH form.
func (p Profile) Resolution() string {
	return probe.FormatResolution(p.Width, p.Height)
}

// FPS returns the frame rate as a whole number for the encoder's -r flag.
// "30/1" and "30" both yield 30; an unparseable rate yields 0.
func (p Profile) FPS() int {
	num, den, ok := strings.Cut(p.FrameRate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if ok {
		d, err := strconv.ParseFloat(den, 64)
		if err != nil || d == 0 {
			return 0
		}
		n /= d
	}
	return int(math.Round(n))
}

// Target is the fixed merge profile.
var Target = Profile{
	Width:      1920,
	Height:     1080,
	VideoCodec: "h264",
	AudioCodec: "aac",
	FrameRate:  "30/1",
}

// NeedsNormalization reports whether d differs from Target in resolution,
// video codec, audio codec or frame rate. Comparison is exact: "30000/1001"
// and "30/1" are different rates.
func NeedsNormalization(d *probe.ClipDescriptor) bool {
	return Mismatches(d, Target) != nil
}

// Mismatches lists which fields of d differ from p. Nil means d matches.
func Mismatches(d *probe.ClipDescriptor, p Profile) []string {
	var fields []string
	if d.Resolution != p.Resolution() {
		fields = append(fields, "resolution")
	}
	if d.VideoCodec != p.VideoCodec {
		fields = append(fields, "video_codec")
	}
	if d.AudioCodec != p.AudioCodec {
		fields = append(fields, "audio_codec")
	}
	if d.FrameRate != p.FrameRate {
		fields = append(fields, "frame_rate")
	}
	return fields
}
