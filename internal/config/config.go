// Package config provides configuration management for the clipmerge server.
// Configuration is loaded from environment variables (and an optional .env
// file) with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Default values
	DefaultPort     = 3000
	DefaultBind     = "0.0.0.0"
	DefaultLogLevel = "info"
	DefaultDataDir  = "data"
	DefaultAPIKey   = "supersecretkey"
	DefaultFFmpeg   = "ffmpeg"
	DefaultCORS     = "*"

	DefaultMaxUploadBytes   = 100 * 1024 * 1024
	DefaultFileTTL          = 2 * time.Hour
	DefaultCleanupInterval  = 30 * time.Minute
	DefaultTranscodeTimeout = 300 * time.Second
	DefaultProbeTimeout     = 10 * time.Second
	DefaultProbeConcurrency = 4

	// Environment variable names
	EnvPort             = "CLIPMERGE_PORT"
	EnvPortFallback     = "PORT"
	EnvBind             = "CLIPMERGE_BIND"
	EnvLogLevel         = "CLIPMERGE_LOG_LEVEL"
	EnvDataDir          = "CLIPMERGE_DATA_DIR"
	EnvVideosDir        = "CLIPMERGE_VIDEOS_DIR"
	EnvDBPath           = "CLIPMERGE_DB_PATH"
	EnvFFmpegPath       = "FFMPEG_PATH"
	EnvFFprobePath      = "FFPROBE_PATH"
	EnvAPIKey           = "API_KEY"
	EnvMaxUploadBytes   = "CLIPMERGE_MAX_UPLOAD_BYTES"
	EnvFileTTL          = "CLIPMERGE_FILE_TTL"
	EnvCleanupInterval  = "CLIPMERGE_CLEANUP_INTERVAL"
	EnvTranscodeTimeout = "CLIPMERGE_TRANSCODE_TIMEOUT"
	EnvProbeTimeout     = "CLIPMERGE_PROBE_TIMEOUT"
	EnvProbeConcurrency = "CLIPMERGE_PROBE_CONCURRENCY"
	EnvHeadless         = "CLIPMERGE_HEADLESS"
	EnvCORSOrigins      = "CLIPMERGE_CORS_ORIGINS"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	Addr() string
	LogLevel() string
	DataDir() string
	VideosDir() string
	DBPath() string
	FFmpegPath() string
	FFprobePath() string
	APIKey() string
	MaxUploadBytes() int64
	FileTTL() time.Duration
	CleanupInterval() time.Duration
	TranscodeTimeout() time.Duration
	ProbeTimeout() time.Duration
	ProbeConcurrency() int
	Headless() bool
	CORSOrigins() []string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port        int
	bind        string
	logLevel    string
	dataDir     string
	videosDir   string
	dbPath      string
	ffmpegPath  string
	ffprobePath string
	apiKey      string
	headless    bool
	corsOrigins []string

	maxUploadBytes   int64
	fileTTL          time.Duration
	cleanupInterval  time.Duration
	transcodeTimeout time.Duration
	probeTimeout     time.Duration
	probeConcurrency int
}

// New creates a new EnvConfig with defaults and environment variable overrides.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment win.
func New() (*EnvConfig, error) {
	_ = godotenv.Load()

	cfg := &EnvConfig{
		port:             DefaultPort,
		bind:             DefaultBind,
		logLevel:         DefaultLogLevel,
		dataDir:          DefaultDataDir,
		ffmpegPath:       DefaultFFmpeg,
		apiKey:           DefaultAPIKey,
		headless:         true,
		maxUploadBytes:   DefaultMaxUploadBytes,
		fileTTL:          DefaultFileTTL,
		cleanupInterval:  DefaultCleanupInterval,
		transcodeTimeout: DefaultTranscodeTimeout,
		probeTimeout:     DefaultProbeTimeout,
		probeConcurrency: DefaultProbeConcurrency,
	}

	p := os.Getenv(EnvPort)
	if p == "" {
		p = os.Getenv(EnvPortFallback)
	}
	if p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if b := os.Getenv(EnvBind); b != "" {
		cfg.bind = b
	}
	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}
	cfg.videosDir = os.Getenv(EnvVideosDir)
	cfg.dbPath = os.Getenv(EnvDBPath)

	if fp := os.Getenv(EnvFFmpegPath); fp != "" {
		cfg.ffmpegPath = fp
	}
	cfg.ffprobePath = os.Getenv(EnvFFprobePath)

	if k := os.Getenv(EnvAPIKey); k != "" {
		cfg.apiKey = k
	}

	cfg.corsOrigins = splitList(DefaultCORS)
	if o := os.Getenv(EnvCORSOrigins); o != "" {
		cfg.corsOrigins = splitList(o)
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		v, err := strconv.ParseBool(h)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		cfg.headless = v
	}

	if m := os.Getenv(EnvMaxUploadBytes); m != "" {
		n, err := strconv.ParseInt(m, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvMaxUploadBytes)
		}
		cfg.maxUploadBytes = n
	}

	if c := os.Getenv(EnvProbeConcurrency); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvProbeConcurrency)
		}
		cfg.probeConcurrency = n
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{EnvFileTTL, &cfg.fileTTL},
		{EnvCleanupInterval, &cfg.cleanupInterval},
		{EnvTranscodeTimeout, &cfg.transcodeTimeout},
		{EnvProbeTimeout, &cfg.probeTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// Addr returns the listen address for the HTTP server
func (c *EnvConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.bind, c.port)
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// VideosDir returns the session working directory. Uploads, intermediates and
// completed outputs all live here.
func (c *EnvConfig) VideosDir() string {
	if c.videosDir != "" {
		return c.videosDir
	}
	return filepath.Join(c.dataDir, "videos")
}

// DBPath returns the SQLite DSN for the session registry. Empty means an
// in-process memory database that does not survive restarts.
func (c *EnvConfig) DBPath() string {
	return c.dbPath
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

// FFprobePath returns the configured ffprobe binary, or one derived from the
// ffmpeg path by replacing the binary name.
func (c *EnvConfig) FFprobePath() string {
	if c.ffprobePath != "" {
		return c.ffprobePath
	}
	dir, base := filepath.Split(c.ffmpegPath)
	return dir + strings.Replace(base, "ffmpeg", "ffprobe", 1)
}

func (c *EnvConfig) APIKey() string {
	return c.apiKey
}

func (c *EnvConfig) MaxUploadBytes() int64 {
	return c.maxUploadBytes
}

func (c *EnvConfig) FileTTL() time.Duration {
	return c.fileTTL
}

func (c *EnvConfig) CleanupInterval() time.Duration {
	return c.cleanupInterval
}

func (c *EnvConfig) TranscodeTimeout() time.Duration {
	return c.transcodeTimeout
}

func (c *EnvConfig) ProbeTimeout() time.Duration {
	return c.probeTimeout
}

func (c *EnvConfig) ProbeConcurrency() int {
	return c.probeConcurrency
}

// Headless reports whether the system tray is disabled
func (c *EnvConfig) Headless() bool {
	return c.headless
}

// CORSOrigins returns the browser origins allowed to call the API. A single
// "*" allows any origin.
func (c *EnvConfig) CORSOrigins() []string {
	return c.corsOrigins
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseDuration accepts Go duration strings ("90s", "2h") and bare integers,
// which are read as seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
