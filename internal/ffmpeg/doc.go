// Package ffmpeg runs ffmpeg and ffprobe as subprocesses.
//
// Every invocation is built as an argument vector and spawned directly,
// never through a shell. The executor streams the diagnostic output through
// a progress tracker, keeps a bounded tail of it for error classification,
// and enforces a per-invocation timeout.
package ffmpeg
