package ffmpeg

import (
	"fmt"
	"strconv"
)

// Encoder settings shared by normalization and the re-encode concat fallback.
const (
	VideoEncoder = "libx264"
	Preset       = "veryfast"
	CRF          = 23
	AudioEncoder = "aac"
	AudioBitrate = "128k"
)

func baseArgs() []string {
	return []string{"-hide_banner", "-nostdin", "-y"}
}

func encodeArgs() []string {
	return []string{
		"-c:v", VideoEncoder,
		"-preset", Preset,
		"-crf", strconv.Itoa(CRF),
		"-c:a", AudioEncoder,
		"-b:a", AudioBitrate,
	}
}

// timestampFixArgs regenerates missing PTS and shifts negative timestamps to
// zero so concatenated segments line up.
func timestampFixArgs() []string {
	return []string{"-fflags", "+genpts", "-avoid_negative_ts", "make_zero"}
}

// DecodeCheckArgs decodes the whole input to a null sink, reporting only
// errors. A non-zero exit means the file is not decodable.
func DecodeCheckArgs(input string) []string {
	return []string{"-hide_banner", "-nostdin", "-v", "error", "-i", input, "-f", "null", "-"}
}

// ScaleFilter fits the input inside width x height keeping its aspect ratio
// and pads the rest with black, centered.
func ScaleFilter(width, height int) string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black",
		width, height, width, height)
}

// NormalizeArgs re-encodes input to h264 at the given geometry and frame
// rate. Audio, when present, is re-encoded to aac.
func NormalizeArgs(input, output string, width, height, fps int) []string {
	args := baseArgs()
	args = append(args, "-i", input, "-vf", ScaleFilter(width, height), "-r", strconv.Itoa(fps))
	args = append(args, encodeArgs()...)
	return append(args, output)
}

func concatInputArgs(manifest string) []string {
	return []string{"-f", "concat", "-safe", "0", "-i", manifest}
}

// ConcatCopyArgs concatenates the manifest entries without re-encoding.
func ConcatCopyArgs(manifest, output string) []string {
	args := baseArgs()
	args = append(args, concatInputArgs(manifest)...)
	args = append(args, "-c", "copy")
	args = append(args, timestampFixArgs()...)
	return append(args, output)
}

// ConcatReencodeArgs concatenates the manifest entries with a full re-encode.
func ConcatReencodeArgs(manifest, output string) []string {
	args := baseArgs()
	args = append(args, concatInputArgs(manifest)...)
	args = append(args, encodeArgs()...)
	args = append(args, timestampFixArgs()...)
	return append(args, output)
}

// ProbeArgs asks ffprobe for stream and format metadata as JSON.
func ProbeArgs(input string) []string {
	return []string{"-v", "quiet", "-print_format", "json", "-show_streams", "-show_format", input}
}

// DurationArgs asks ffprobe for the container duration only, as a bare number.
func DurationArgs(input string) []string {
	return []string{"-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", input}
}

// VersionArgs prints the tool's version banner.
func VersionArgs() []string {
	return []string{"-version"}
}
