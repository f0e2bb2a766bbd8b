package encoder

import (
	"fmt"

	"github.com/llrdc/server/internal/config"
)

// buildArgs composes the external encoder's argument vector from a config
// snapshot, per spec.md §4.3 "Encoder argument synthesis". The encoder
// itself is an out-of-scope black box (spec.md §1); this only needs to
// look like a real ffmpeg-style invocation capturing an X11 display (or a
// synthetic test source) and emitting the DKIF-framed byte-stream C4
// parses.
func buildArgs(snap config.Snapshot, displayID string, testPattern bool) []string {
	args := []string{
		"-probesize", "32",
		"-analyzeduration", "0",
		"-fflags", "nobuffer",
		"-threads", "2",
	}

	if testPattern {
		args = append(args,
			"-re", "-f", "lavfi",
			"-i", fmt.Sprintf("testsrc=size=%dx%d:rate=%d", snap.Width, snap.Height, snap.Encoder.FPS),
		)
	} else {
		args = append(args,
			"-f", "x11grab",
			"-video_size", fmt.Sprintf("%dx%d", snap.Width, snap.Height),
			"-draw_mouse", boolFlag(snap.Encoder.DrawMouse),
			"-i", displayID,
		)
	}

	vf := fmt.Sprintf("fps=%d,format=yuv420p", snap.Encoder.FPS)
	if snap.Encoder.VBR {
		// Elide near-identical frames upstream of the encoder, but never
		// drop more than decimateMaxRun in a row so an idle screen still
		// produces keep-alive frames.
		vf = fmt.Sprintf("mpdecimate=max=%d,setpts=N/(FR*TB),%s", decimateMaxRun, vf)
	}
	args = append(args, "-vf", vf)

	args = append(args, rateControlArgs(snap.Encoder)...)

	args = append(args,
		"-g", fmt.Sprintf("%d", snap.Encoder.FPS),
		"-deadline", "realtime",
		"-cpu-used", fmt.Sprintf("%d", snap.Encoder.CPUEffort),
		"-threads", fmt.Sprintf("%d", snap.Encoder.CPUThreads),
		"-speed", fmt.Sprintf("%d", snap.Encoder.CPUEffort),
		"-map", "0:v",
		"-f", "ivf", "pipe:1",
	)
	return args
}

// decimateMaxRun bounds how many consecutive near-identical frames VBR
// decimation may elide before forcing a keep-alive frame through.
const decimateMaxRun = 15

func rateControlArgs(cfg config.EncoderConfig) []string {
	if cfg.TargetMode == config.ModeQuality {
		q := config.QuantizerForQuality(cfg.Quality)
		maxrate := config.MaxrateKbpsForQuality(cfg.Quality)
		bufsize := maxrate / 5 // 20% of maxrate
		return []string{
			"-c:v", "libvpx",
			"-crf", fmt.Sprintf("%d", q),
			"-b:v", "0",
			"-maxrate", fmt.Sprintf("%dk", maxrate),
			"-bufsize", fmt.Sprintf("%dk", bufsize),
		}
	}

	bitrateKbps := cfg.BandwidthMbps * 1000
	bufsizeKbps := bitrateKbps / 5 // ~0.2s of target
	return []string{
		"-c:v", "libvpx",
		"-b:v", fmt.Sprintf("%dk", bitrateKbps),
		"-minrate", fmt.Sprintf("%dk", bitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", bitrateKbps),
		"-bufsize", fmt.Sprintf("%dk", bufsizeKbps),
		"-crf", "10", // soft quality floor
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
