// Package wsserver implements the WebSocket session and message router
// (C7): one goroutine-pair per connection (a single-threaded read loop plus
// a background binary-queue writer), JSON writes serialized through a
// mutex, and dispatch of every message type spec.md §4.7 names.
package wsserver

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/llrdc/server/internal/config"
	"github.com/llrdc/server/internal/fanout"
	"github.com/llrdc/server/internal/input"
	"github.com/llrdc/server/internal/rtcsession"
)

// sendQueueDepth is the bound on each session's binary fallback queue
// (spec.md §4.5 minimum of 300).
const sendQueueDepth = 300

// spawnAllowList is the exact set of GUI programs a client may launch
// (spec.md §4.7).
var spawnAllowList = map[string]bool{
	"gnome-calculator": true,
	"weston-terminal":  true,
	"gedit":            true,
	"mousepad":         true,
	"xclock":           true,
	"xeyes":            true,
	"xfce4-terminal":   true,
}

// Display resizes the graphical session's framebuffer; implemented by the
// display launcher (A4).
type Display interface {
	Resize(width, height int) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server wires one WebSocket session per upgraded connection to the
// shared config registry, input coalescer, WebRTC session manager and
// frame fan-out.
type Server struct {
	cfg         *config.Registry
	coalescer   *input.Coalescer
	rtc         *rtcsession.Manager
	fo          *fanout.Fanout
	display     Display
	displayID   string
	testPattern bool
	logger      *log.Logger
}

// New builds a Server. displayID is the X display identifier passed
// through to spawned GUI programs.
func New(cfg *config.Registry, coalescer *input.Coalescer, rtc *rtcsession.Manager, fo *fanout.Fanout, display Display, displayID string, testPattern bool) *Server {
	return &Server{
		cfg:         cfg,
		coalescer:   coalescer,
		rtc:         rtc,
		fo:          fo,
		display:     display,
		displayID:   displayID,
		testPattern: testPattern,
		logger:      log.New(os.Stdout, "[wsserver] ", log.LstdFlags),
	}
}

// session is one upgraded WebSocket connection's state.
type session struct {
	id       string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	sendChan chan []byte
	ready    atomic.Bool
	pcMu     sync.Mutex
	pc       *rtcsession.PeerSession
	publicIP string
}

// SubmitFrame implements fanout.WSSink.
func (s *session) SubmitFrame(packet []byte) {
	select {
	case s.sendChan <- packet:
	default:
		// Drop to avoid blocking the fan-out on a slow/stuck client.
	}
}

// WebRTCReady implements fanout.WSSink.
func (s *session) WebRTCReady() bool {
	return s.ready.Load()
}

func (s *session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// ServeHTTP upgrades the connection and runs the session until the client
// disconnects or a read error occurs.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Printf("upgrade error: %v", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	s := &session{
		id:       id,
		conn:     conn,
		sendChan: make(chan []byte, sendQueueDepth),
		publicIP: srv.rtc.ResolvePublicIP(r.Host),
	}
	srv.logger.Printf("session %s connected from %s", id, r.RemoteAddr)

	srv.fo.AddWSSink(id, s)
	defer srv.fo.RemoveWSSink(id)

	defer func() {
		s.pcMu.Lock()
		if s.pc != nil {
			s.pc.Close()
		}
		s.pcMu.Unlock()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for packet := range s.sendChan {
			s.writeMu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, packet)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		srv.dispatch(s, msg)
	}

	close(s.sendChan)
	<-writerDone
	srv.logger.Printf("session %s disconnected", id)
}

func (srv *Server) dispatch(s *session, msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)
	switch msgType {
	case "ping":
		if ts, ok := msg["timestamp"].(float64); ok {
			_ = s.writeJSON(map[string]interface{}{"type": "pong", "timestamp": ts})
		}

	case "keydown", "keyup":
		key, ok := msg["key"].(string)
		if !ok {
			return
		}
		srv.coalescer.Submit(input.Task{
			Kind: map[bool]input.TaskKind{true: input.KeyDown, false: input.KeyUp}[msgType == "keydown"],
			Key:  key,
		})

	case "mousemove":
		x, xok := msg["x"].(float64)
		y, yok := msg["y"].(float64)
		if !xok || !yok {
			return
		}
		srv.coalescer.Submit(input.Task{Kind: input.Mouse, NX: x, NY: y})

	case "mousedown", "mouseup":
		btn, ok := msg["button"].(float64)
		if !ok {
			return
		}
		srv.coalescer.Submit(input.Task{Kind: input.Button, Button: int(btn), Down: msgType == "mousedown"})

	case "spawn":
		command, ok := msg["command"].(string)
		if !ok || !spawnAllowList[command] {
			return
		}
		if err := input.SpawnApp(command, srv.displayID); err != nil {
			srv.logger.Printf("session %s: spawn %q failed: %v", s.id, command, err)
		}

	case "config":
		srv.applyConfig(s, msg)

	case "resize":
		srv.applyResize(s, msg)

	case "webrtc_ready":
		s.ready.Store(true)
		srv.logger.Printf("session %s: webrtc ready, suppressing binary fallback", s.id)

	case "webrtc_offer":
		srv.handleOffer(s, msg)

	case "webrtc_ice":
		srv.handleICE(s, msg)
	}
}

// applyConfig batches every recognized field from one message under a
// single config.Update so the registry applies them (and restarts, if
// needed) exactly once (spec.md §4.7).
func (srv *Server) applyConfig(s *session, msg map[string]interface{}) {
	var u config.Update
	if v, ok := msg["framerate"].(float64); ok {
		fps := int(v)
		u.FPS = &fps
	}
	if v, ok := msg["bandwidth"].(float64); ok {
		bw := int(v)
		u.BandwidthMbps = &bw
	} else if v, ok := msg["quality"].(float64); ok {
		q := int(v)
		u.Quality = &q
	}
	if v, ok := msg["vbr"].(bool); ok {
		u.VBR = &v
	}
	if v, ok := msg["cpu_effort"].(float64); ok {
		effort := int(v)
		u.CPUEffort = &effort
	}
	if v, ok := msg["cpu_threads"].(float64); ok {
		threads := int(v)
		u.CPUThreads = &threads
	}
	if v, ok := msg["enable_desktop_mouse"].(bool); ok {
		u.DrawMouse = &v
	}
	srv.cfg.Apply(u)
}

func (srv *Server) applyResize(s *session, msg map[string]interface{}) {
	width, wok := msg["width"].(float64)
	height, hok := msg["height"].(float64)
	if !wok || !hok {
		return
	}
	clampedW, clampedH, changed := srv.cfg.Resize(int(width), int(height))
	if !changed {
		return
	}
	srv.logger.Printf("session %s: resize -> %dx%d", s.id, clampedW, clampedH)
	if srv.display != nil && !srv.testPattern {
		if err := srv.display.Resize(clampedW, clampedH); err != nil {
			srv.logger.Printf("session %s: display resize failed: %v", s.id, err)
		}
	}
}

func (srv *Server) handleOffer(s *session, msg map[string]interface{}) {
	sdpMap, ok := msg["sdp"].(map[string]interface{})
	if !ok {
		return
	}
	raw, err := json.Marshal(sdpMap)
	if err != nil {
		return
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		srv.logger.Printf("session %s: bad webrtc_offer: %v", s.id, err)
		return
	}

	s.pcMu.Lock()
	if s.pc != nil {
		s.pc.Close()
		s.pc = nil
	}
	pc, err := srv.rtc.NewPeerSession(s.id, s.publicIP)
	if err != nil {
		s.pcMu.Unlock()
		srv.logger.Printf("session %s: create peer connection: %v", s.id, err)
		return
	}
	s.pc = pc
	s.pcMu.Unlock()

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		_ = s.writeJSON(map[string]interface{}{"type": "webrtc_ice", "candidate": c})
	})

	answer, err := pc.HandleOffer(offer)
	if err != nil {
		srv.logger.Printf("session %s: handle offer: %v", s.id, err)
		return
	}
	_ = s.writeJSON(map[string]interface{}{"type": "webrtc_answer", "sdp": answer})
}

func (srv *Server) handleICE(s *session, msg map[string]interface{}) {
	candMap, ok := msg["candidate"].(map[string]interface{})
	if !ok {
		return
	}
	raw, err := json.Marshal(candMap)
	if err != nil {
		return
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return
	}

	s.pcMu.Lock()
	pc := s.pc
	s.pcMu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(cand); err != nil {
		srv.logger.Printf("session %s: add ice candidate: %v", s.id, err)
	}
}
