// Package fanout implements the frame fan-out stage (C5): it delivers every
// demuxed frame to each active WebRTC session and each active WebSocket
// binary sink, and runs the WebRTC pacing writer that turns capture
// timestamps into the explicit per-sample durations the WebRTC stack needs.
package fanout

import (
	"encoding/binary"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/llrdc/server/internal/container"
	"github.com/pion/webrtc/v4/pkg/media"
)

// minQueueDepth is the minimum bound spec.md §4.5 requires for both sink
// classes' queues.
const minQueueDepth = 300

// binaryFrameType is the WebSocket binary fallback packet's leading byte
// (spec.md §4.5, §6).
const binaryFrameType = 1

// SampleWriter is the subset of *webrtc.TrackLocalStaticSample the pacing
// writer needs; an interface so tests can substitute a fake track instead
// of standing up a real peer connection.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// WSSink is one WebSocket session's binary fallback channel, as seen by the
// fan-out stage. Concrete implementation (the bounded queue, the background
// writer, the underlying connection) lives in the WebSocket session package.
type WSSink interface {
	SubmitFrame(packet []byte)
	WebRTCReady() bool
}

// WebRTCSink paces one session's frame queue into WriteSample calls,
// maintaining a one-slot look-ahead so each sample carries an accurate
// elapsed-time duration (spec.md §4.5).
type WebRTCSink struct {
	id     string
	track  SampleWriter
	fps    func() int
	queue  chan container.Frame
	logger *log.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewWebRTCSink starts the pacing writer goroutine for one session's video
// track. fps reports the currently configured frame rate, used only as the
// default duration applied to a frame flushed at an epoch boundary.
func NewWebRTCSink(id string, track SampleWriter, fps func() int) *WebRTCSink {
	s := &WebRTCSink{
		id:     id,
		track:  track,
		fps:    fps,
		queue:  make(chan container.Frame, minQueueDepth),
		done:   make(chan struct{}),
		logger: log.New(os.Stdout, "[fanout:"+id+"] ", log.LstdFlags),
	}
	go s.run()
	return s
}

// Submit enqueues a frame for this session, dropping it silently (after a
// log line) if the queue is full.
func (s *WebRTCSink) Submit(f container.Frame) {
	select {
	case s.queue <- f:
	default:
		s.logger.Printf("queue full, dropping frame (epoch %d)", f.Epoch)
	}
}

// Close stops the pacing writer. The currently held (if any) frame is
// dropped rather than flushed — the session is going away regardless.
func (s *WebRTCSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *WebRTCSink) run() {
	var held *container.Frame
	for {
		select {
		case <-s.done:
			return
		case f := <-s.queue:
			next := f
			if held == nil {
				held = &next
				continue
			}
			if held.Epoch != next.Epoch {
				// An encoder restart landed between held and next: the gap
				// is not representative inter-frame spacing, so flush held
				// at the nominal rate instead of the measured one.
				s.write(*held, s.defaultDuration())
				held = &next
				continue
			}
			dur := next.CaptureTime.Sub(held.CaptureTime)
			if dur < time.Microsecond {
				dur = time.Microsecond
			}
			s.write(*held, dur)
			held = &next
		}
	}
}

func (s *WebRTCSink) defaultDuration() time.Duration {
	fps := s.fps()
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}

func (s *WebRTCSink) write(f container.Frame, dur time.Duration) {
	if err := s.track.WriteSample(media.Sample{Data: f.Bytes, Duration: dur}); err != nil {
		s.logger.Printf("write sample: %v", err)
	}
}

// Fanout holds the registries of active sinks and broadcasts each incoming
// frame to all of them.
type Fanout struct {
	mu          sync.RWMutex
	webrtcSinks map[string]*WebRTCSink
	wsSinks     map[string]WSSink
}

// New returns an empty fan-out with no registered sinks.
func New() *Fanout {
	return &Fanout{
		webrtcSinks: make(map[string]*WebRTCSink),
		wsSinks:     make(map[string]WSSink),
	}
}

// AddWebRTCSink registers a session's pacing writer under id, replacing and
// closing any prior sink registered under the same id.
func (fo *Fanout) AddWebRTCSink(id string, sink *WebRTCSink) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	if old, ok := fo.webrtcSinks[id]; ok {
		old.Close()
	}
	fo.webrtcSinks[id] = sink
}

// RemoveWebRTCSink unregisters and closes the session's pacing writer.
func (fo *Fanout) RemoveWebRTCSink(id string) {
	fo.mu.Lock()
	sink, ok := fo.webrtcSinks[id]
	delete(fo.webrtcSinks, id)
	fo.mu.Unlock()
	if ok {
		sink.Close()
	}
}

// AddWSSink registers a session's binary fallback sink under id.
func (fo *Fanout) AddWSSink(id string, sink WSSink) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	fo.wsSinks[id] = sink
}

// RemoveWSSink unregisters a session's binary fallback sink.
func (fo *Fanout) RemoveWSSink(id string) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	delete(fo.wsSinks, id)
}

// Broadcast delivers f to every active WebRTC sink and, for every WS sink
// not currently in webrtc_ready state, a freshly built binary packet
// (spec.md §4.5). The packet is built at most once per call even with many
// WS sinks registered.
func (fo *Fanout) Broadcast(f container.Frame) {
	fo.mu.RLock()
	defer fo.mu.RUnlock()

	for _, sink := range fo.webrtcSinks {
		sink.Submit(f)
	}

	if len(fo.wsSinks) == 0 {
		return
	}
	var packet []byte
	for _, sink := range fo.wsSinks {
		if sink.WebRTCReady() {
			continue
		}
		if packet == nil {
			packet = buildBinaryPacket(f)
		}
		sink.SubmitFrame(packet)
	}
}

func buildBinaryPacket(f container.Frame) []byte {
	packet := make([]byte, 1+8+len(f.Bytes))
	packet[0] = binaryFrameType
	ms := float64(f.CaptureTime.UnixNano()) / float64(time.Millisecond)
	binary.BigEndian.PutUint64(packet[1:9], math.Float64bits(ms))
	copy(packet[9:], f.Bytes)
	return packet
}
