package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultCacheTTL = 5 * time.Minute
	versionTimeout  = 5 * time.Second
)

// Tool reports whether one binary could be executed.
type Tool struct {
	Path      string `json:"path"`
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Toolchain is the result of a doctor probe.
type Toolchain struct {
	FFmpeg   Tool      `json:"ffmpeg"`
	FFprobe  Tool      `json:"ffprobe"`
	ProbedAt time.Time `json:"probed_at"`
}

// Ready reports whether both binaries are usable.
func (t *Toolchain) Ready() bool {
	return t.FFmpeg.Available && t.FFprobe.Available
}

// CachedDoctor checks that ffmpeg and ffprobe run, caching the answer for a
// TTL so health checks do not spawn processes on every request.
type CachedDoctor struct {
	ffmpeg  Engine
	ffprobe Engine
	paths   [2]string
	ttl     time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	cached *Toolchain
}

// NewCachedDoctor creates a caching wrapper around version probes.
func NewCachedDoctor(ffmpeg, ffprobe Engine, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		ffmpeg:  ffmpeg,
		ffprobe: ffprobe,
		paths:   [2]string{binOf(ffmpeg), binOf(ffprobe)},
		ttl:     defaultCacheTTL,
		logger:  logger,
	}
}

// Get returns cached results if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) *Toolchain {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		tc := d.cached
		d.mu.RUnlock()
		return tc
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Peek returns the cached result without probing. Nil if never probed.
func (d *CachedDoctor) Peek() *Toolchain {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new probe regardless of cache freshness.
func (d *CachedDoctor) Refresh(ctx context.Context) *Toolchain {
	d.mu.Lock()
	defer d.mu.Unlock()

	tc := &Toolchain{
		FFmpeg:   d.check(ctx, d.ffmpeg, d.paths[0]),
		FFprobe:  d.check(ctx, d.ffprobe, d.paths[1]),
		ProbedAt: time.Now(),
	}

	if !tc.Ready() {
		d.logger.Warn("toolchain incomplete",
			"ffmpeg", tc.FFmpeg.Available,
			"ffprobe", tc.FFprobe.Available,
		)
	} else {
		d.logger.Info("toolchain probe complete",
			"ffmpeg_version", tc.FFmpeg.Version,
			"ffprobe_version", tc.FFprobe.Version,
		)
	}

	d.cached = tc
	return tc
}

// Invalidate clears the cached result.
func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

func (d *CachedDoctor) check(ctx context.Context, e Engine, path string) Tool {
	out, err := e.Output(ctx, VersionArgs(), versionTimeout)
	if err != nil {
		return Tool{Path: path, Error: ReasonOf(err)}
	}
	return Tool{Path: path, Available: true, Version: firstLine(out)}
}

func binOf(e Engine) string {
	if b, ok := e.(interface{ Bin() string }); ok {
		return b.Bin()
	}
	return ""
}

func firstLine(b []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(b))
	if sc.Scan() {
		return sc.Text()
	}
	return ""
}
