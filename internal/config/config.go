// Package config implements the process-wide config registry (C1): current
// encoder parameters and screen geometry, with atomic reads and a
// coalescing restart-signal channel consumed by the encoder supervisor.
package config

import (
	"sync"
)

// TargetMode selects the encoder's rate-control strategy.
type TargetMode string

const (
	ModeBandwidth TargetMode = "bandwidth"
	ModeQuality   TargetMode = "quality"
)

const (
	MinWidth  = 320
	MinHeight = 240
	MaxWidth  = 3840
	MaxHeight = 2160

	defaultWidth  = 1280
	defaultHeight = 720
)

// EncoderConfig holds the recognized, mutable encoder parameters described
// in spec.md §3. Zero value is never used directly; construct via NewRegistry.
type EncoderConfig struct {
	TargetMode    TargetMode
	BandwidthMbps int
	Quality       int
	FPS           int
	VBR           bool
	CPUEffort     int
	CPUThreads    int
	DrawMouse     bool
}

// Snapshot is a consistent, immutable copy of the registry's state, sampled
// under one lock. The supervisor composes its argument vector from this.
type Snapshot struct {
	Encoder EncoderConfig
	Width   int
	Height  int
}

// Registry is the process-wide singleton holding EncoderConfig and
// ScreenState. All mutation happens under mu; restarts are signaled via a
// buffered channel that coalesces bursts of changes into a single restart.
type Registry struct {
	mu     sync.Mutex
	cfg    EncoderConfig
	width  int
	height int

	restart chan struct{}
}

// NewRegistry creates a registry with sensible defaults: bandwidth mode at
// 5 Mbps, 30fps, a 1280x720 starting screen clamped within
// [320x240, 3840x2160]. Starting below the maximum avoids asking the
// display launcher for a 4K framebuffer nobody requested yet.
func NewRegistry() *Registry {
	return &Registry{
		cfg: EncoderConfig{
			TargetMode:    ModeBandwidth,
			BandwidthMbps: 5,
			Quality:       70,
			FPS:           30,
			VBR:           false,
			CPUEffort:     6,
			CPUThreads:    4,
			DrawMouse:     true,
		},
		width:   defaultWidth,
		height:  defaultHeight,
		restart: make(chan struct{}, 1),
	}
}

// RestartSignal returns the channel the supervisor selects on. Sends never
// block: a full channel means a restart is already pending, so the extra
// signal is dropped (collapsing bursts into one restart).
func (r *Registry) RestartSignal() <-chan struct{} {
	return r.restart
}

func (r *Registry) signalRestart() {
	select {
	case r.restart <- struct{}{}:
	default:
	}
}

// Snapshot returns a consistent copy of the current config + screen size.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{Encoder: r.cfg, Width: r.width, Height: r.height}
}

func clampScreen(w, h int) (int, int) {
	if w < MinWidth {
		w = MinWidth
	}
	if w > MaxWidth {
		w = MaxWidth
	}
	if h < MinHeight {
		h = MinHeight
	}
	if h > MaxHeight {
		h = MaxHeight
	}
	return w, h
}

// Resize clamps (width, height) and applies it if different from the
// current screen size, signaling one restart. Returns the clamped size and
// whether it actually changed. width<=0 or height<=0 is rejected outright
// (spec.md §8: resize(0,0) is a no-op).
func (r *Registry) Resize(width, height int) (clampedW, clampedH int, changed bool) {
	if width <= 0 || height <= 0 {
		r.mu.Lock()
		clampedW, clampedH = r.width, r.height
		r.mu.Unlock()
		return clampedW, clampedH, false
	}
	clampedW, clampedH = clampScreen(width, height)

	r.mu.Lock()
	changed = clampedW != r.width || clampedH != r.height
	if changed {
		r.width = clampedW
		r.height = clampedH
	}
	r.mu.Unlock()

	if changed {
		r.signalRestart()
	}
	return clampedW, clampedH, changed
}

// ScreenSize returns the current, clamped screen dimensions.
func (r *Registry) ScreenSize() (width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.width, r.height
}

// Update is the batch-apply entry point used by the config control
// message (spec.md §4.7): any subset of fields may be set; framerate (if
// present) is applied before the rate-control field so a combined
// bandwidth+framerate change picks up the new fps immediately, but the
// whole batch triggers at most one restart.
type Update struct {
	BandwidthMbps      *int
	Quality             *int
	FPS                 *int
	VBR                 *bool
	CPUEffort           *int
	CPUThreads          *int
	DrawMouse           *bool
}

// Apply applies every set field in Update under one lock section and
// signals at most one restart if anything actually changed.
func (r *Registry) Apply(u Update) {
	r.mu.Lock()
	changed := false

	// framerate first so a combined bandwidth/quality + framerate change
	// restarts once with both already applied.
	if u.FPS != nil && *u.FPS != r.cfg.FPS {
		r.cfg.FPS = *u.FPS
		changed = true
	}
	if u.BandwidthMbps != nil && *u.BandwidthMbps != r.cfg.BandwidthMbps {
		r.cfg.BandwidthMbps = *u.BandwidthMbps
		r.cfg.TargetMode = ModeBandwidth
		changed = true
	}
	if u.Quality != nil && *u.Quality != r.cfg.Quality {
		r.cfg.Quality = *u.Quality
		r.cfg.TargetMode = ModeQuality
		changed = true
	}
	if u.VBR != nil && *u.VBR != r.cfg.VBR {
		r.cfg.VBR = *u.VBR
		changed = true
	}
	if u.CPUEffort != nil && *u.CPUEffort != r.cfg.CPUEffort {
		r.cfg.CPUEffort = *u.CPUEffort
		changed = true
	}
	if u.CPUThreads != nil && *u.CPUThreads != r.cfg.CPUThreads {
		r.cfg.CPUThreads = *u.CPUThreads
		changed = true
	}
	if u.DrawMouse != nil && *u.DrawMouse != r.cfg.DrawMouse {
		r.cfg.DrawMouse = *u.DrawMouse
		changed = true
	}
	r.mu.Unlock()

	if changed {
		r.signalRestart()
	}
}

// QuantizerForQuality maps the user-facing quality knob (10..100, higher is
// better) onto the encoder's quantizer range (4..63, lower is better),
// clamped at the edges. quality=10 -> q=50, quality=100 -> q=4.
func QuantizerForQuality(quality int) int {
	q := 50.0 - float64(quality-10)*46.0/90.0
	if q < 4 {
		q = 4
	}
	if q > 63 {
		q = 63
	}
	return int(q + 0.5)
}

// MaxrateKbpsForQuality maps quality onto the maxrate (kbps) used in
// quality mode: 2000 at quality=10, scaling up to 20000 at quality=100.
func MaxrateKbpsForQuality(quality int) int {
	return 2000 + (quality-10)*18000/90
}
