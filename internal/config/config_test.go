package config

import (
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	for _, env := range []string{EnvPort, EnvPortFallback, EnvFFmpegPath, EnvFFprobePath, EnvFileTTL, EnvHeadless} {
		t.Setenv(env, "")
	}

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.Port() != DefaultPort {
		t.Errorf("Port() = %d, want %d", cfg.Port(), DefaultPort)
	}
	if cfg.FileTTL() != 2*time.Hour {
		t.Errorf("FileTTL() = %v, want 2h", cfg.FileTTL())
	}
	if cfg.CleanupInterval() != 30*time.Minute {
		t.Errorf("CleanupInterval() = %v, want 30m", cfg.CleanupInterval())
	}
	if cfg.TranscodeTimeout() != 300*time.Second {
		t.Errorf("TranscodeTimeout() = %v, want 300s", cfg.TranscodeTimeout())
	}
	if cfg.ProbeTimeout() != 10*time.Second {
		t.Errorf("ProbeTimeout() = %v, want 10s", cfg.ProbeTimeout())
	}
	if !cfg.Headless() {
		t.Error("Headless() = false, want true by default")
	}
	if cfg.FFprobePath() != "ffprobe" {
		t.Errorf("FFprobePath() = %q, want ffprobe", cfg.FFprobePath())
	}
}

func TestFFprobePath_DerivedFromFFmpeg(t *testing.T) {
	t.Setenv(EnvFFmpegPath, "/usr/local/bin/ffmpeg")
	t.Setenv(EnvFFprobePath, "")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := cfg.FFprobePath(); got != "/usr/local/bin/ffprobe" {
		t.Errorf("FFprobePath() = %q, want /usr/local/bin/ffprobe", got)
	}
}

func TestPort_FallbackEnv(t *testing.T) {
	t.Setenv(EnvPort, "")
	t.Setenv(EnvPortFallback, "8080")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.Port() != 8080 {
		t.Errorf("Port() = %d, want 8080", cfg.Port())
	}
}

func TestNew_InvalidValues(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{EnvPort, "abc"},
		{EnvPort, "70000"},
		{EnvFileTTL, "forever"},
		{EnvCleanupInterval, "-5m"},
		{EnvMaxUploadBytes, "0"},
		{EnvProbeConcurrency, "none"},
		{EnvHeadless, "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.env+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			if _, err := New(); err == nil {
				t.Errorf("New() with %s=%q: expected error", tt.env, tt.value)
			}
		})
	}
}

func TestDurations_SecondsOrGoSyntax(t *testing.T) {
	t.Setenv(EnvTranscodeTimeout, "120")
	t.Setenv(EnvFileTTL, "90m")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.TranscodeTimeout() != 120*time.Second {
		t.Errorf("TranscodeTimeout() = %v, want 2m0s", cfg.TranscodeTimeout())
	}
	if cfg.FileTTL() != 90*time.Minute {
		t.Errorf("FileTTL() = %v, want 1h30m0s", cfg.FileTTL())
	}
}

func TestVideosDir_DefaultsUnderDataDir(t *testing.T) {
	t.Setenv(EnvDataDir, "/srv/clipmerge")
	t.Setenv(EnvVideosDir, "")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := cfg.VideosDir(); got != "/srv/clipmerge/videos" {
		t.Errorf("VideosDir() = %q, want /srv/clipmerge/videos", got)
	}
}

func TestCORSOrigins(t *testing.T) {
	t.Setenv(EnvCORSOrigins, "")
	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := cfg.CORSOrigins(); len(got) != 1 || got[0] != "*" {
		t.Errorf("CORSOrigins() = %v, want [*]", got)
	}

	t.Setenv(EnvCORSOrigins, " https://app.example.com , http://localhost:5173,")
	cfg, err = New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got := cfg.CORSOrigins()
	if len(got) != 2 || got[0] != "https://app.example.com" || got[1] != "http://localhost:5173" {
		t.Errorf("CORSOrigins() = %v", got)
	}
}
