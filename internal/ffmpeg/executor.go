package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/clipmerge/clipmerge/internal/progress"
)

const (
	maxStderrBytes = 64 * 1024 // tail of stderr kept for classification
	waitDelay      = 2 * time.Second // grace for stderr to drain after kill
)

// ProgressFunc receives every snapshot derived from the diagnostic stream,
// in stream order.
type ProgressFunc func(progress.Snapshot)

// RunOptions tunes a single invocation.
type RunOptions struct {
	// Timeout bounds the invocation. Zero uses the executor default; a
	// negative value disables the bound.
	Timeout    time.Duration
	OnProgress ProgressFunc
}

// Engine runs one ffmpeg-family process to completion.
type Engine interface {
	Run(ctx context.Context, args []string, opts RunOptions) error
	Output(ctx context.Context, args []string, timeout time.Duration) ([]byte, error)
}

// Executor spawns a fixed binary with argument vectors. No shell is involved,
// so paths never need quoting.
type Executor struct {
	bin            string
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewExecutor creates an Executor for bin (e.g. "ffmpeg" or an absolute path).
func NewExecutor(bin string, defaultTimeout time.Duration, logger *slog.Logger) *Executor {
	return &Executor{bin: bin, defaultTimeout: defaultTimeout, logger: logger}
}

// Bin returns the binary this executor spawns.
func (e *Executor) Bin() string {
	return e.bin
}

// Run executes the binary and streams stderr through a progress tracker.
// It returns nil on exit code 0 and a *RunError otherwise.
func (e *Executor) Run(ctx context.Context, args []string, opts RunOptions) error {
	ctx, cancel := e.withTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	sink := &progressWriter{tail: tailBuffer{limit: maxStderrBytes}, onProgress: opts.OnProgress}
	cmd := exec.CommandContext(ctx, e.bin, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = sink
	cmd.WaitDelay = waitDelay

	e.logger.Debug("executing command", "bin", e.bin, "args", args)

	if err := cmd.Start(); err != nil {
		e.logger.Warn("command failed to start", "bin", e.bin, "error", err)
		return &RunError{ExitCode: -1, Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}

	waitErr := cmd.Wait()
	return e.result(ctx, waitErr, sink.tail.String(), time.Since(start))
}

// Output executes the binary and returns its stdout. Stderr is kept for the
// error on failure.
func (e *Executor) Output(ctx context.Context, args []string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := e.withTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, e.bin, args...)

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	e.logger.Debug("executing command", "bin", e.bin, "args", args)

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && ctx.Err() == nil {
			return nil, &RunError{ExitCode: -1, Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
		}
	}
	if rerr := e.result(ctx, err, stderr.String(), time.Since(start)); rerr != nil {
		return nil, rerr
	}
	return stdout.Bytes(), nil
}

func (e *Executor) result(ctx context.Context, err error, stderr string, elapsed time.Duration) error {
	if err == nil {
		e.logger.Debug("command succeeded", "bin", e.bin, "duration_ms", elapsed.Milliseconds())
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("command timed out", "bin", e.bin, "duration_ms", elapsed.Milliseconds())
		return &RunError{ExitCode: -1, Stderr: stderr, TimedOut: true, Err: ErrTimeout}
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	e.logger.Warn("command failed",
		"bin", e.bin,
		"exit_code", exitCode,
		"duration_ms", elapsed.Milliseconds(),
		"stderr_tail", truncate(stderr, 512),
	)
	return &RunError{ExitCode: exitCode, Stderr: stderr, Err: err}
}

func (e *Executor) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// progressWriter receives the diagnostic stream in order, keeping its tail
// and forwarding each derived snapshot.
type progressWriter struct {
	tail       tailBuffer
	tracker    progress.Tracker
	onProgress ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.tail.Write(p)
	if snap, ok := w.tracker.Feed(p); ok && w.onProgress != nil {
		w.onProgress(snap)
	}
	return len(p), nil
}

// tailBuffer is an io.Writer that keeps only the last `limit` bytes.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if t.buf.Len() > t.limit {
		b := t.buf.Bytes()
		kept := append([]byte(nil), b[len(b)-t.limit:]...)
		t.buf.Reset()
		t.buf.Write(kept)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
