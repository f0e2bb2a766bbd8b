// Package rtcsession implements the WebRTC session (C6): per-client peer
// connections sharing one process-wide video track, SDP offer/answer
// signaling, and ICE candidate exchange.
package rtcsession

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
)

// stunServer is the single STUN server configured for every peer
// connection (original_source cmd/server/webrtc.go).
const stunServer = "stun:stun.l.google.com:19302"

// NewSharedVideoTrack creates the single process-wide VP8 video track that
// every peer connection sends. All frames flow through this one track via
// the fan-out pacing writer (spec.md §4.5, §4.6).
func NewSharedVideoTrack() (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "screen",
	)
	if err != nil {
		return nil, fmt.Errorf("rtcsession: create shared video track: %w", err)
	}
	return track, nil
}

// Manager builds peer connections that all send the shared video track. It
// pins ICE to a single UDP port (co-located with the HTTP port's number,
// spec.md §4.6 "single-port deployment") and advertises one public IP in
// 1-to-1 NAT mappings.
type Manager struct {
	track          *webrtc.TrackLocalStaticSample
	publicIPEnvVar string
	udpPort        int
	logger         *log.Logger
}

// NewManager builds a Manager. udpPort is the single UDP port ICE
// candidates are pinned to.
func NewManager(track *webrtc.TrackLocalStaticSample, udpPort int) *Manager {
	return &Manager{
		track:          track,
		publicIPEnvVar: "WEBRTC_PUBLIC_IP",
		udpPort:        udpPort,
		logger:         log.New(os.Stdout, "[rtcsession] ", log.LstdFlags),
	}
}

// ResolvePublicIP chooses the IP to advertise in 1-to-1 NAT mappings: an
// explicit environment override if set, else the first IPv4 address
// resolved from the request's Host header (spec.md §4.6).
func (m *Manager) ResolvePublicIP(hostHeader string) string {
	if override := os.Getenv(m.publicIPEnvVar); override != "" {
		return override
	}

	host := hostHeader
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		host = h
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return host
	}
	for _, ip := range ips {
		if ipv4 := ip.To4(); ipv4 != nil {
			return ipv4.String()
		}
	}
	return host
}

// PeerSession is one client's peer connection.
type PeerSession struct {
	pc *webrtc.PeerConnection
	mu sync.Mutex
}

// NewPeerSession creates a fresh peer connection advertising publicIP,
// adds the shared video track as a sendonly transceiver, and registers the
// NACK responder interceptor so retransmission requests from the receiver
// are served from pion's internal RTP cache.
func (m *Manager) NewPeerSession(id, publicIP string) (*PeerSession, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("rtcsession: register VP8 codec: %w", err)
	}

	registry := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("rtcsession: create nack responder: %w", err)
	}
	registry.Add(responder)

	settingEngine := webrtc.SettingEngine{}
	if publicIP != "" {
		settingEngine.SetNAT1To1IPs([]string{publicIP}, webrtc.ICECandidateTypeHost)
	}
	if m.udpPort > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(uint16(m.udpPort), uint16(m.udpPort)); err != nil {
			m.logger.Printf("pin UDP port %d: %v", m.udpPort, err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{stunServer}}},
	})
	if err != nil {
		return nil, fmt.Errorf("rtcsession: create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromTrack(m.track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtcsession: add video transceiver: %w", err)
	}

	s := &PeerSession{pc: pc}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Printf("session %s: connection state %s", id, state.String())
	})

	return s, nil
}

// OnICECandidate registers the callback fired for each locally gathered
// ICE candidate (spec.md §4.6 step 5). A nil candidate signals gathering
// is complete and is not forwarded.
func (s *PeerSession) OnICECandidate(cb func(c webrtc.ICECandidateInit)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cb(c.ToJSON())
	})
}

// HandleOffer applies the remote offer, creates an answer with the
// congestion-control feedback lines stripped, sets it as the local
// description, and returns the (munged) answer to send back to the
// client.
func (s *PeerSession) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtcsession: set remote description: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtcsession: create answer: %w", err)
	}

	mungedSDP, err := stripCongestionControlFeedback(answer.SDP)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtcsession: munge answer sdp: %w", err)
	}
	munged := webrtc.SessionDescription{Type: answer.Type, SDP: mungedSDP}

	if err := s.pc.SetLocalDescription(munged); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtcsession: set local description: %w", err)
	}

	return *s.pc.LocalDescription(), nil
}

// AddICECandidate applies a remote ICE candidate (spec.md §4.6 step 6).
func (s *PeerSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc.AddICECandidate(c)
}

// Close tears down the peer connection.
func (s *PeerSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc.Close()
}
