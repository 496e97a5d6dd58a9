package policy

import (
	"testing"

	"github.com/clipmerge/clipmerge/internal/probe"
)

func targetClip() *probe.ClipDescriptor {
	return &probe.ClipDescriptor{
		Path:       "/videos/video_s1_1.mp4",
		Duration:   5,
		Width:      1920,
		Height:     1080,
		Resolution: "1920x1080",
		FrameRate:  "30/1",
		VideoCodec: "h264",
		AudioCodec: "aac",
		IsValid:    true,
	}
}

func TestNeedsNormalization_ExactMatch(t *testing.T) {
	if NeedsNormalization(targetClip()) {
		t.Error("NeedsNormalization() = true for a clip matching the target profile")
	}
}

func TestNeedsNormalization_SingleFieldDiffers(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *probe.ClipDescriptor)
		field  string
	}{
		{"resolution", func(d *probe.ClipDescriptor) { d.Resolution = "1280x720" }, "resolution"},
		{"video codec", func(d *probe.ClipDescriptor) { d.VideoCodec = "hevc" }, "video_codec"},
		{"audio codec", func(d *probe.ClipDescriptor) { d.AudioCodec = "opus" }, "audio_codec"},
		{"missing audio", func(d *probe.ClipDescriptor) { d.AudioCodec = probe.Unknown }, "audio_codec"},
		{"frame rate", func(d *probe.ClipDescriptor) { d.FrameRate = "25/1" }, "frame_rate"},
		{"ntsc frame rate", func(d *probe.ClipDescriptor) { d.FrameRate = "30000/1001" }, "frame_rate"},
		{"decimal frame rate", func(d *probe.ClipDescriptor) { d.FrameRate = "29.97/1" }, "frame_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := targetClip()
			tt.mutate(d)
			if !NeedsNormalization(d) {
				t.Error("NeedsNormalization() = false, want true")
			}
			got := Mismatches(d, Target)
			if len(got) != 1 || got[0] != tt.field {
				t.Errorf("Mismatches() = %v, want [%s]", got, tt.field)
			}
		})
	}
}

func TestTargetResolution(t *testing.T) {
	if got := Target.Resolution(); got != "1920x1080" {
		t.Errorf("Target.Resolution() = %q, want 1920x1080", got)
	}
}

func TestProfile_FPS(t *testing.T) {
	tests := []struct {
		rate string
		want int
	}{
		{"30/1", 30},
		{"30", 30},
		{"30000/1001", 30},
		{"25/0", 0},
		{"", 0},
	}
	for _, tt := range tests {
		p := Profile{FrameRate: tt.rate}
		if got := p.FPS(); got != tt.want {
			t.Errorf("Profile{FrameRate: %q}.FPS() = %d, want %d", tt.rate, got, tt.want)
		}
	}
}
