package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/clipmerge/clipmerge/internal/api"
	"github.com/clipmerge/clipmerge/internal/config"
	"github.com/clipmerge/clipmerge/internal/db"
	"github.com/clipmerge/clipmerge/internal/events"
	"github.com/clipmerge/clipmerge/internal/ffmpeg"
	"github.com/clipmerge/clipmerge/internal/logging"
	"github.com/clipmerge/clipmerge/internal/merge"
	"github.com/clipmerge/clipmerge/internal/playback"
	"github.com/clipmerge/clipmerge/internal/probe"
	"github.com/clipmerge/clipmerge/internal/session"
	"github.com/clipmerge/clipmerge/internal/ui"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting clipmerge",
		"version", config.Version,
		"commit", config.GitCommit,
		"videos_dir", logging.SanitizePath(cfg.VideosDir()),
	)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	sessions, err := session.NewManager(session.ManagerConfig{
		Dir:      cfg.VideosDir(),
		Registry: session.NewRegistry(database.Conn()),
		TTL:      cfg.FileTTL(),
		MaxBytes: cfg.MaxUploadBytes(),
		Logger:   logging.WithComponent(logger, "session"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize videos dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := sessions.Recover(ctx); err != nil {
		logger.Warn("failed to adopt existing files", "error", err)
	} else if n > 0 {
		logger.Info("adopted files from previous run", "files", n)
	}

	ffmpegExec := ffmpeg.NewExecutor(cfg.FFmpegPath(), cfg.TranscodeTimeout(), logging.WithComponent(logger, "ffmpeg"))
	ffprobeExec := ffmpeg.NewExecutor(cfg.FFprobePath(), cfg.ProbeTimeout(), logging.WithComponent(logger, "ffprobe"))

	doctor := ffmpeg.NewCachedDoctor(ffmpegExec, ffprobeExec, logger)
	if tc := doctor.Refresh(ctx); !tc.Ready() {
		logger.Warn("ffmpeg toolchain incomplete, merges will fail",
			"ffmpeg", tc.FFmpeg.Available,
			"ffprobe", tc.FFprobe.Available,
		)
	} else {
		logger.Info("ffmpeg toolchain detected", "ffmpeg", tc.FFmpeg.Version, "ffprobe", tc.FFprobe.Version)
	}

	prober := probe.NewProber(ffmpegExec, ffprobeExec, cfg.ProbeTimeout(), logging.WithComponent(logger, "probe"))
	hub := events.NewHub()
	store := merge.NewStore(database.Conn())

	orchestrator := merge.NewOrchestrator(merge.Config{
		Sessions:         sessions,
		Prober:           prober,
		Engine:           ffmpegExec,
		Store:            store,
		Events:           hub,
		TranscodeTimeout: cfg.TranscodeTimeout(),
		ProbeConcurrency: cfg.ProbeConcurrency(),
		Logger:           logging.WithComponent(logger, "merge"),
	})

	janitor := session.NewJanitor(sessions, cfg.CleanupInterval(), logging.WithComponent(logger, "janitor"))
	janitor.Start(ctx)
	defer janitor.Stop()

	apiServer := api.NewServer(api.ServerConfig{
		Addr:           cfg.Addr(),
		APIKey:         cfg.APIKey(),
		CORSOrigins:    cfg.CORSOrigins(),
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Sessions:       sessions,
		Validator:      prober,
		Merger:         orchestrator,
		Merges:         store,
		Events:         hub,
		Playback:       playback.NewServer(sessions.Dir(), logger),
		Cleaner:        janitor,
		Doctor:         doctor,
		Logger:         logger,
		StartTime:      startTime,
		Version:        config.Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})
	var quitOnce sync.Once
	quit := func() { quitOnce.Do(func() { close(quitCh) }) }

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			quit()
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Activity: sessions,
			Merges:   store,
			Cleaner:  janitor,
			Address:  cfg.Addr(),
			Logger:   logging.WithComponent(logger, "tray"),
			OnQuit:   quit,
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown", "active_merges", sessions.ActiveMerges())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
