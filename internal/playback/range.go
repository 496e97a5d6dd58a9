package playback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange  = errors.New("invalid range format")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// ByteRange is an inclusive byte span of a file.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange renders the Content-Range header value for a file of size.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange reads a Range header against a file of size bytes. An empty
// header yields nil. Only the first span of a multi-range request is used;
// players seeking through an mp4 never ask for more.
func ParseRange(header string, size int64) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}
	set, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, ErrInvalidRange
	}
	if first, _, multi := strings.Cut(set, ","); multi {
		set = first
	}
	from, to, ok := strings.Cut(strings.TrimSpace(set), "-")
	if !ok {
		return nil, ErrInvalidRange
	}

	var r ByteRange
	switch {
	case from == "":
		// "-N": the last N bytes.
		n, err := strconv.ParseInt(to, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrInvalidRange
		}
		r.Start = max(size-n, 0)
		r.End = size - 1
	default:
		start, err := strconv.ParseInt(from, 10, 64)
		if err != nil || start < 0 {
			return nil, ErrInvalidRange
		}
		r.Start = start
		r.End = size - 1
		if to != "" {
			end, err := strconv.ParseInt(to, 10, 64)
			if err != nil {
				return nil, ErrInvalidRange
			}
			r.End = min(end, size-1)
			if end < start {
				return nil, ErrUnsatisfiable
			}
		}
	}

	if r.Start >= size || r.Start > r.End {
		return nil, ErrUnsatisfiable
	}
	return &r, nil
}
