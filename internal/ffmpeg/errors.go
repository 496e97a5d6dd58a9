package ffmpeg

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout marks an invocation killed after exceeding its time bound.
	ErrTimeout = errors.New("process timed out")
	// ErrSpawn marks an invocation whose process could not be started.
	ErrSpawn = errors.New("process spawn failed")
)

// RunError describes a failed invocation.
type RunError struct {
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *RunError) Error() string {
	if e.TimedOut {
		return "ffmpeg: timeout"
	}
	if errors.Is(e.Err, ErrSpawn) {
		return fmt.Sprintf("ffmpeg: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg exited %d: %s", e.ExitCode, Classify(e.Stderr))
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Reason returns the human-readable cause of a failed invocation.
func (e *RunError) Reason() string {
	if e.TimedOut {
		return "timeout"
	}
	if errors.Is(e.Err, ErrSpawn) {
		return e.Err.Error()
	}
	return Classify(e.Stderr)
}

// Substring markers checked in order against ffmpeg's diagnostic output.
var classifications = []struct {
	marker string
	reason string
}{
	{"Invalid data", "corrupted file"},
	{"No such file", "missing file"},
	{"timeout", "timeout"},
	{"Codec not supported", "incompatible codec"},
}

// Classify maps raw diagnostic text to a short human-readable reason. Text
// matching no known marker is returned trimmed; empty text yields
// "unknown error".
func Classify(stderr string) string {
	for _, c := range classifications {
		if strings.Contains(stderr, c.marker) {
			return c.reason
		}
	}
	if s := strings.TrimSpace(stderr); s != "" {
		return s
	}
	return "unknown error"
}

// ReasonOf returns the classified reason for any error, unwrapping a
// *RunError when present.
func ReasonOf(err error) string {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Reason()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsOperational reports whether err came from the host rather than the
// input: the process timed out or could not be started.
func IsOperational(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrSpawn)
}
