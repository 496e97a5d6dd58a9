// Package progress extracts transcoding progress from ffmpeg's diagnostic
// stream. ffmpeg prints the input duration once ("Duration: 00:01:02.50")
// and then a status line per update ("... time=00:00:31.25 ...").
package progress

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	reDuration = regexp.MustCompile(`Duration: (\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	reTime     = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// Snapshot is a point-in-time view of a running transcode.
type Snapshot struct {
	Percent          float64 `json:"percent"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	TotalSeconds     float64 `json:"total_seconds"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	ETA              string  `json:"eta"`
}

// Parse derives a snapshot from the accumulated diagnostic text. It returns
// false until both a Duration marker and at least one time= marker have been
// seen. The most recent time= marker wins.
func Parse(text string) (Snapshot, bool) {
	total, ok := DeclaredDuration(text)
	if !ok {
		return Snapshot{}, false
	}
	current, ok := LatestTime(text)
	if !ok {
		return Snapshot{}, false
	}
	return Compute(current, total), true
}

// DeclaredDuration returns the first Duration marker in text, in seconds.
func DeclaredDuration(text string) (float64, bool) {
	m := reDuration.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	return clockSeconds(m[1], m[2], m[3]), true
}

// LatestTime returns the last time= marker in text, in seconds.
func LatestTime(text string) (float64, bool) {
	all := reTime.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return 0, false
	}
	m := all[len(all)-1]
	return clockSeconds(m[1], m[2], m[3]), true
}

// Compute builds a snapshot from the current position and total duration.
func Compute(current, total float64) Snapshot {
	percent := 0.0
	if total > 0 {
		percent = current / total * 100
	}
	percent = math.Max(0, math.Min(100, percent))

	remaining := math.Max(0, total-current)
	return Snapshot{
		Percent:          percent,
		ElapsedSeconds:   current,
		TotalSeconds:     total,
		RemainingSeconds: remaining,
		ETA:              FormatClock(remaining),
	}
}

// FormatClock renders seconds as zero-padded HH:MM:SS.
func FormatClock(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	s := int64(math.Round(seconds))
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

func clockSeconds(h, m, s string) float64 {
	hours, _ := strconv.Atoi(h)
	mins, _ := strconv.Atoi(m)
	secs, _ := strconv.ParseFloat(s, 64)
	return float64(hours)*3600 + float64(mins)*60 + secs
}

// maxTail bounds how much diagnostic text a Tracker keeps between chunks.
const maxTail = 16 * 1024

// Tracker feeds a growing diagnostic stream through Parse. Each transcode
// stage uses a fresh Tracker so a previous stage's markers never leak into
// the next one.
type Tracker struct {
	buf   strings.Builder
	total float64
	known bool
}

// Feed appends a chunk and returns the current snapshot, if any.
func (t *Tracker) Feed(chunk []byte) (Snapshot, bool) {
	t.buf.Write(chunk)
	text := t.buf.String()

	if !t.known {
		if total, ok := DeclaredDuration(text); ok {
			t.total, t.known = total, true
		}
	}

	if len(text) > maxTail {
		tail := text[len(text)-maxTail:]
		t.buf.Reset()
		t.buf.WriteString(tail)
		text = tail
	}

	if !t.known {
		return Snapshot{}, false
	}
	current, ok := LatestTime(text)
	if !ok {
		return Snapshot{}, false
	}
	return Compute(current, t.total), true
}
