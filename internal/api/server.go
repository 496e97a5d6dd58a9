package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/clipmerge/clipmerge/internal/events"
	"github.com/clipmerge/clipmerge/internal/ffmpeg"
	"github.com/clipmerge/clipmerge/internal/merge"
	"github.com/clipmerge/clipmerge/internal/playback"
	"github.com/clipmerge/clipmerge/internal/probe"
	"github.com/clipmerge/clipmerge/internal/session"
)

// ClipValidator probes a freshly uploaded clip.
type ClipValidator interface {
	Probe(ctx context.Context, path string) (*probe.ClipDescriptor, error)
}

// Merger runs a session merge to completion.
type Merger interface {
	Merge(ctx context.Context, sessionID, subscriberID string) (*merge.Result, error)
}

// Cleaner performs one expiry sweep on demand.
type Cleaner interface {
	RunNow(ctx context.Context) int
}

// Toolchain reports whether ffmpeg and ffprobe are usable.
type Toolchain interface {
	Get(ctx context.Context) *ffmpeg.Toolchain
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Addr           string
	APIKey         string
	CORSOrigins    []string
	MaxUploadBytes int64
	Sessions       *session.Manager
	Validator      ClipValidator
	Merger         Merger
	Merges         *merge.Store
	Events         *events.Hub
	Playback       *playback.Server
	Cleaner        Cleaner
	Doctor         Toolchain
	Logger         *slog.Logger
	StartTime      time.Time
	Version        string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			// Uploads, merges and event streams run long; no body or write
			// deadlines.
			ReadTimeout:  0,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
