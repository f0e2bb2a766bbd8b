package fanout

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/llrdc/server/internal/container"
	"github.com/pion/webrtc/v4/pkg/media"
)

type fakeTrack struct {
	mu      sync.Mutex
	samples []media.Sample
	gate    chan struct{} // if non-nil, WriteSample blocks until a value is sent
}

func (f *fakeTrack) WriteSample(s media.Sample) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeTrack) snapshot() []media.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]media.Sample, len(f.samples))
	copy(out, f.samples)
	return out
}

func fps30() int { return 30 }

func TestWebRTCSinkComputesInterFrameDuration(t *testing.T) {
	track := &fakeTrack{}
	sink := NewWebRTCSink("s1", track, fps30)
	defer sink.Close()

	base := time.Unix(100, 0)
	sink.Submit(container.Frame{Bytes: []byte("a"), CaptureTime: base, Epoch: 1})
	sink.Submit(container.Frame{Bytes: []byte("b"), CaptureTime: base.Add(20 * time.Millisecond), Epoch: 1})
	sink.Submit(container.Frame{Bytes: []byte("c"), CaptureTime: base.Add(50 * time.Millisecond), Epoch: 1})

	deadline := time.After(time.Second)
	for {
		if len(track.snapshot()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for written samples")
		case <-time.After(time.Millisecond):
		}
	}

	got := track.snapshot()
	if string(got[0].Data) != "a" {
		t.Fatalf("expected first written frame to be 'a', got %q", got[0].Data)
	}
	if got[0].Duration != 20*time.Millisecond {
		t.Fatalf("expected duration 20ms, got %v", got[0].Duration)
	}
}

func TestWebRTCSinkFlushesHeldFrameOnEpochChange(t *testing.T) {
	track := &fakeTrack{}
	sink := NewWebRTCSink("s1", track, fps30)
	defer sink.Close()

	base := time.Unix(200, 0)
	sink.Submit(container.Frame{Bytes: []byte("old"), CaptureTime: base, Epoch: 1})
	// A long gap that would otherwise produce a bogus multi-second duration.
	sink.Submit(container.Frame{Bytes: []byte("new"), CaptureTime: base.Add(5 * time.Second), Epoch: 2})
	sink.Submit(container.Frame{Bytes: []byte("new2"), CaptureTime: base.Add(5*time.Second + 33*time.Millisecond), Epoch: 2})

	deadline := time.After(time.Second)
	for {
		if len(track.snapshot()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for written samples")
		case <-time.After(time.Millisecond):
		}
	}

	got := track.snapshot()
	if string(got[0].Data) != "old" {
		t.Fatalf("expected first flush to be the pre-restart frame, got %q", got[0].Data)
	}
	if got[0].Duration != time.Second/30 {
		t.Fatalf("expected default 1/fps duration on epoch boundary, got %v", got[0].Duration)
	}
}

func TestWebRTCSinkDropsOnFullQueue(t *testing.T) {
	track := &fakeTrack{gate: make(chan struct{})}
	sink := NewWebRTCSink("s1", track, fps30)
	defer func() {
		close(track.gate)
		sink.Close()
	}()

	// run() takes the first frame off the queue and holds it; the second
	// frame lets it compute a duration and call WriteSample for the first,
	// which blocks on the gate. From then on nothing drains the queue, so
	// the remaining frames fill the bounded queue.
	base := time.Unix(300, 0)
	for i := 0; i < minQueueDepth+10; i++ {
		sink.Submit(container.Frame{Bytes: []byte{byte(i)}, CaptureTime: base.Add(time.Duration(i) * time.Millisecond), Epoch: 1})
	}
	// No assertion beyond "did not block or panic": Submit must remain
	// non-blocking even once the queue is saturated.
}

type fakeWSSink struct {
	mu     sync.Mutex
	ready  bool
	frames [][]byte
}

func (f *fakeWSSink) SubmitFrame(packet []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, packet)
}

func (f *fakeWSSink) WebRTCReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeWSSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestBroadcastSkipsWebRTCReadyClients(t *testing.T) {
	fo := New()
	notReady := &fakeWSSink{}
	ready := &fakeWSSink{ready: true}
	fo.AddWSSink("a", notReady)
	fo.AddWSSink("b", ready)

	fo.Broadcast(container.Frame{Bytes: []byte("x"), CaptureTime: time.Unix(1, 0), Epoch: 1})

	if notReady.count() != 1 {
		t.Fatalf("expected not-ready client to receive the frame")
	}
	if ready.count() != 0 {
		t.Fatalf("expected webrtc_ready client to receive nothing")
	}
}

func TestBroadcastBinaryPacketFormat(t *testing.T) {
	fo := New()
	sink := &fakeWSSink{}
	fo.AddWSSink("a", sink)

	ct := time.Unix(1700000000, 500000000) // .5s -> exact ms representation
	fo.Broadcast(container.Frame{Bytes: []byte("payload"), CaptureTime: ct, Epoch: 1})

	if sink.count() != 1 {
		t.Fatalf("expected exactly one packet")
	}
	packet := sink.frames[0]
	if packet[0] != binaryFrameType {
		t.Fatalf("expected type byte %d, got %d", binaryFrameType, packet[0])
	}
	ms := math.Float64frombits(binary.BigEndian.Uint64(packet[1:9]))
	wantMs := float64(ct.UnixNano()) / float64(time.Millisecond)
	if ms != wantMs {
		t.Fatalf("expected wall-clock ms %v, got %v", wantMs, ms)
	}
	if string(packet[9:]) != "payload" {
		t.Fatalf("expected payload to follow the 9-byte header, got %q", packet[9:])
	}
}

func TestRemoveWebRTCSinkClosesIt(t *testing.T) {
	fo := New()
	track := &fakeTrack{}
	sink := NewWebRTCSink("s1", track, fps30)
	fo.AddWebRTCSink("s1", sink)
	fo.RemoveWebRTCSink("s1")

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	if !closed {
		t.Fatalf("expected RemoveWebRTCSink to close the sink")
	}

	// A closed sink's run loop has returned; Submit after Close still
	// succeeds (it only enqueues) but nothing drains the queue, so this
	// must not panic or deadlock.
	sink.Submit(container.Frame{Bytes: []byte("late"), CaptureTime: time.Now(), Epoch: 1})
}
