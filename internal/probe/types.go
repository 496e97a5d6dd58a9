package probe

import (
	"fmt"
	"strconv"
)

// Unknown is recorded for codec, resolution and frame-rate fields ffprobe
// did not report.
const Unknown = "unknown"

// ClipDescriptor is the normalized metadata of one clip. It is produced once
// by the Prober and never modified afterwards.
type ClipDescriptor struct {
	Path       string  `json:"-"`
	Duration   float64 `json:"duration"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Resolution string  `json:"resolution"`
	FrameRate  string  `json:"framerate"`
	VideoCodec string  `json:"videoCodec"`
	AudioCodec string  `json:"audioCodec"`
	SizeBytes  int64   `json:"fileSize"`
	IsValid    bool    `json:"isValid"`
}

// FormatResolution renders a WxH resolution string, or Unknown when either
// dimension is missing.
func FormatResolution(width, height int) string {
	if width <= 0 || height <= 0 {
		return Unknown
	}
	return strconv.Itoa(width) + "x" + strconv.Itoa(height)
}

// Error reports a clip that failed validation. A clip that produced an Error
// is never valid.
type Error struct {
	Path   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid clip %s: %s", e.Path, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsValid is always false for a probe error. It exists so callers can
// report `isValid` uniformly.
func (e *Error) IsValid() bool {
	return false
}
