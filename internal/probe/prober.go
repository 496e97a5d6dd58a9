package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clipmerge/clipmerge/internal/ffmpeg"
)

// Prober validates clips and extracts their metadata.
type Prober struct {
	ffmpeg  ffmpeg.Engine
	ffprobe ffmpeg.Engine
	timeout time.Duration
	logger  *slog.Logger
}

// NewProber creates a Prober. The decode check runs through ffmpegEngine and
// metadata extraction through ffprobeEngine; each is bounded by timeout.
func NewProber(ffmpegEngine, ffprobeEngine ffmpeg.Engine, timeout time.Duration, logger *slog.Logger) *Prober {
	return &Prober{ffmpeg: ffmpegEngine, ffprobe: ffprobeEngine, timeout: timeout, logger: logger}
}

// Probe checks that path decodes cleanly and returns its descriptor. Any
// failure is returned as *Error; no step is retried.
func (p *Prober) Probe(ctx context.Context, path string) (*ClipDescriptor, error) {
	if err := p.ffmpeg.Run(ctx, ffmpeg.DecodeCheckArgs(path), ffmpeg.RunOptions{Timeout: p.timeout}); err != nil {
		return nil, &Error{Path: path, Reason: ffmpeg.ReasonOf(err), Err: err}
	}

	out, err := p.ffprobe.Output(ctx, ffmpeg.ProbeArgs(path), p.timeout)
	if err != nil {
		return nil, &Error{Path: path, Reason: "ffprobe failed: " + ffmpeg.ReasonOf(err), Err: err}
	}

	desc, err := ParseJSON(out)
	if err != nil {
		return nil, &Error{Path: path, Reason: err.Error(), Err: err}
	}
	desc.Path = path

	info, err := os.Stat(path)
	if err != nil {
		return nil, &Error{Path: path, Reason: "missing file", Err: err}
	}
	desc.SizeBytes = info.Size()

	p.logger.Debug("clip probed",
		"path", path,
		"duration", desc.Duration,
		"resolution", desc.Resolution,
		"framerate", desc.FrameRate,
		"video_codec", desc.VideoCodec,
		"audio_codec", desc.AudioCodec,
	)
	return desc, nil
}

// Duration returns the container duration of path in seconds.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	out, err := p.ffprobe.Output(ctx, ffmpeg.DurationArgs(path), p.timeout)
	if err != nil {
		return 0, fmt.Errorf("probe duration: %w", err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, fmt.Errorf("probe duration: unparseable value %q", strings.TrimSpace(string(out)))
	}
	return d, nil
}

var (
	errNoVideo       = errors.New("no video stream")
	errMissingFields = errors.New("ffprobe output missing streams or format")
)

// ParseJSON converts raw ffprobe JSON into a descriptor. Path and size are
// left for the caller. Exported for testing without a real ffprobe binary.
func ParseJSON(data []byte) (*ClipDescriptor, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}
	if raw.Streams == nil || raw.Format == nil {
		return nil, errMissingFields
	}

	var video, audio *ffprobeStream
	for i := range *raw.Streams {
		s := &(*raw.Streams)[i]
		switch s.CodecType {
		case "video":
			if video == nil {
				video = s
			}
		case "audio":
			if audio == nil {
				audio = s
			}
		}
	}
	if video == nil {
		return nil, errNoVideo
	}

	d := &ClipDescriptor{
		Duration:   parseDuration(raw.Format.Duration),
		Width:      video.Width,
		Height:     video.Height,
		Resolution: FormatResolution(video.Width, video.Height),
		FrameRate:  orUnknown(video.RFrameRate),
		VideoCodec: orUnknown(video.CodecName),
		AudioCodec: Unknown,
		IsValid:    true,
	}
	if audio != nil {
		d.AudioCodec = orUnknown(audio.CodecName)
	}
	return d, nil
}

// --- ffprobe JSON wire types ---

type ffprobeOutput struct {
	Streams *[]ffprobeStream `json:"streams"`
	Format  *ffprobeFormat   `json:"format"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
	Size     string `json:"size"`
}

type ffprobeStream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
}

func parseDuration(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
