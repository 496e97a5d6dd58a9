package merge

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/clipmerge/clipmerge/internal/ffmpeg"
)

// Kind classifies why a merge failed.
type Kind string

const (
	KindInsufficientClips   Kind = "insufficient_clips"
	KindInvalidClip         Kind = "invalid_clip"
	KindNormalizationFailed Kind = "normalization_failed"
	KindConcatFailed        Kind = "concat_failed"
	KindEmptyOutput         Kind = "empty_output"
	KindTimeout             Kind = "timeout"
	KindProcessSpawnFailed  Kind = "process_spawn_failed"
	KindMergeInProgress     Kind = "merge_in_progress"
)

// Status maps the kind to an HTTP status: client-caused failures are 400,
// a concurrent merge is 409, everything else is operational.
func (k Kind) Status() int {
	switch k {
	case KindInsufficientClips, KindInvalidClip:
		return http.StatusBadRequest
	case KindMergeInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is.
var (
	ErrInsufficientClips   = &Error{Kind: KindInsufficientClips}
	ErrInvalidClip         = &Error{Kind: KindInvalidClip}
	ErrNormalizationFailed = &Error{Kind: KindNormalizationFailed}
	ErrConcatFailed        = &Error{Kind: KindConcatFailed}
	ErrEmptyOutput         = &Error{Kind: KindEmptyOutput}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrProcessSpawnFailed  = &Error{Kind: KindProcessSpawnFailed}
	ErrMergeInProgress     = &Error{Kind: KindMergeInProgress}
)

// Error is a classified merge failure.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// processError wraps a failed engine invocation. Timeouts and spawn failures
// keep their own kinds; anything else is reported as fallback.
func processError(fallback Kind, err error) *Error {
	reason := ffmpeg.ReasonOf(err)
	switch {
	case errors.Is(err, ffmpeg.ErrTimeout):
		return newError(KindTimeout, fmt.Sprintf("%s: %s", fallback, reason), err)
	case errors.Is(err, ffmpeg.ErrSpawn):
		return newError(KindProcessSpawnFailed, reason, err)
	default:
		return newError(fallback, reason, err)
	}
}

// KindOf returns the kind of err, or "" if it is not a merge error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
