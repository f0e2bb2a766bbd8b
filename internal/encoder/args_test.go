package encoder

import (
	"strings"
	"testing"

	"github.com/llrdc/server/internal/config"
)

func snapshotWith(mode config.TargetMode, bw, quality, fps int) config.Snapshot {
	return config.Snapshot{
		Encoder: config.EncoderConfig{
			TargetMode:    mode,
			BandwidthMbps: bw,
			Quality:       quality,
			FPS:           fps,
			CPUEffort:     6,
			CPUThreads:    4,
			DrawMouse:     true,
		},
		Width:  1280,
		Height: 720,
	}
}

func argString(args []string) string {
	return strings.Join(args, " ")
}

func TestBuildArgsBandwidthMode(t *testing.T) {
	snap := snapshotWith(config.ModeBandwidth, 1, 70, 30)
	args := buildArgs(snap, ":99", false)
	s := argString(args)
	if !strings.Contains(s, "-b:v 1000k") {
		t.Fatalf("expected 1 Mbps -> 1000k bitrate, got: %s", s)
	}
	if !strings.Contains(s, "-g 30") {
		t.Fatalf("expected GOP length = fps, got: %s", s)
	}
}

func TestBuildArgsQualityMode(t *testing.T) {
	snap := snapshotWith(config.ModeQuality, 5, 10, 30)
	args := buildArgs(snap, ":99", false)
	s := argString(args)
	if !strings.Contains(s, "-crf 50") {
		t.Fatalf("quality=10 should map to quantizer 50, got: %s", s)
	}
}

func TestBuildArgsTestPattern(t *testing.T) {
	snap := snapshotWith(config.ModeBandwidth, 5, 70, 15)
	args := buildArgs(snap, ":99", true)
	s := argString(args)
	if !strings.Contains(s, "lavfi") || !strings.Contains(s, "testsrc") {
		t.Fatalf("expected a synthetic lavfi test source, got: %s", s)
	}
	if strings.Contains(s, "x11grab") {
		t.Fatalf("test pattern mode must not reference x11grab: %s", s)
	}
}

func TestBuildArgsVBRAddsDecimation(t *testing.T) {
	snap := snapshotWith(config.ModeBandwidth, 5, 70, 30)
	snap.Encoder.VBR = true
	args := buildArgs(snap, ":99", false)
	if !strings.Contains(argString(args), "mpdecimate") {
		t.Fatalf("expected mpdecimate filter when VBR is enabled")
	}
}

func TestBuildArgsUsesScreenSize(t *testing.T) {
	snap := snapshotWith(config.ModeBandwidth, 5, 70, 30)
	snap.Width, snap.Height = 1920, 1080
	args := buildArgs(snap, ":99", false)
	if !strings.Contains(argString(args), "1920x1080") {
		t.Fatalf("expected capture size to track the config snapshot's screen size")
	}
}
