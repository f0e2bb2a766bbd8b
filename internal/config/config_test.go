package config

import "testing"

func drainRestart(r *Registry) bool {
	select {
	case <-r.RestartSignal():
		return true
	default:
		return false
	}
}

func TestResizeNoOpWhenUnchanged(t *testing.T) {
	r := NewRegistry()
	w, h := r.ScreenSize()

	_, _, changed := r.Resize(w, h)
	if changed {
		t.Fatalf("expected no-op resize to report unchanged")
	}
	if drainRestart(r) {
		t.Fatalf("expected no restart signal for unchanged resize")
	}
}

func TestResizeRejectsZero(t *testing.T) {
	r := NewRegistry()
	w, h := r.ScreenSize()

	cw, ch, changed := r.Resize(0, 0)
	if changed || cw != w || ch != h {
		t.Fatalf("resize(0,0) must be a rejected no-op, got %dx%d changed=%v", cw, ch, changed)
	}
}

func TestResizeClampsToMinimum(t *testing.T) {
	r := NewRegistry()
	cw, ch, changed := r.Resize(10, 10)
	if !changed {
		t.Fatalf("expected a change when resizing away from the default")
	}
	if cw != MinWidth || ch != MinHeight {
		t.Fatalf("expected clamp to %dx%d, got %dx%d", MinWidth, MinHeight, cw, ch)
	}
	if !drainRestart(r) {
		t.Fatalf("expected exactly one restart signal")
	}
}

func TestResizeClampsToMaximum(t *testing.T) {
	r := NewRegistry()
	cw, ch, _ := r.Resize(999999, 999999)
	if cw != MaxWidth || ch != MaxHeight {
		t.Fatalf("expected clamp to %dx%d, got %dx%d", MaxWidth, MaxHeight, cw, ch)
	}
}

func TestApplyIdempotent(t *testing.T) {
	r := NewRegistry()
	bw := 10
	r.Apply(Update{BandwidthMbps: &bw})
	if !drainRestart(r) {
		t.Fatalf("expected a restart on first apply")
	}

	r.Apply(Update{BandwidthMbps: &bw})
	if drainRestart(r) {
		t.Fatalf("re-applying the same config must not restart")
	}
}

func TestApplyCoalescesRapidChurn(t *testing.T) {
	r := NewRegistry()
	for q := 1; q <= 20; q++ {
		v := q
		r.Apply(Update{Quality: &v})
	}
	count := 0
	for drainRestart(r) {
		count++
	}
	if count > 1 {
		t.Fatalf("expected rapid churn to coalesce into at most one pending restart signal, got %d", count)
	}
}

func TestApplyFramerateBeforeRateControl(t *testing.T) {
	r := NewRegistry()
	bw, fps := 5, 15
	r.Apply(Update{BandwidthMbps: &bw, FPS: &fps})

	snap := r.Snapshot()
	if snap.Encoder.FPS != 15 || snap.Encoder.BandwidthMbps != 5 {
		t.Fatalf("expected both fields applied, got %+v", snap.Encoder)
	}
	if !drainRestart(r) {
		t.Fatalf("expected one restart")
	}
	if drainRestart(r) {
		t.Fatalf("combined update must only trigger a single restart")
	}
}

func TestQualityBoundaryMapping(t *testing.T) {
	cases := []struct {
		quality int
		wantQ   int
	}{
		{10, 50},
		{100, 4},
	}
	for _, c := range cases {
		got := QuantizerForQuality(c.quality)
		if got != c.wantQ {
			t.Errorf("quality=%d: got quantizer %d, want %d", c.quality, got, c.wantQ)
		}
	}
}
