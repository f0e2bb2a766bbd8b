// Package encoder implements the encoder supervisor (C3): it spawns,
// monitors, kills and restarts the external encoder child process,
// synthesizing its argument vector from the config registry, and
// maintains a monotonically increasing stream epoch across restarts.
package encoder

import (
	"bufio"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llrdc/server/internal/config"
	"github.com/llrdc/server/internal/container"
)

// State is the encoder child's lifecycle state (spec.md §4.3).
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const backoff = time.Second

// Supervisor drives the encoder child process. At most one instance is
// ever live at a time (spec.md invariant 5): the loop's next iteration is
// gated on the previous child's stdout reaching EOF, never on a timer.
type Supervisor struct {
	cfg         *config.Registry
	displayID   string
	testPattern bool
	binaryPath  string

	epoch uint32
	state atomic.Int32

	mu        sync.Mutex
	cmd       *exec.Cmd
	shouldRun bool

	logger *log.Logger

	// spawn builds the child command; overridable in tests to avoid
	// depending on a real ffmpeg binary.
	spawn func(args []string) *exec.Cmd
}

// New creates a supervisor targeting the given X display identifier
// (e.g. ":99"). When testPattern is true, a synthetic lavfi source
// replaces the X11 capture input (spec.md §6, TEST_PATTERN env var).
func New(cfg *config.Registry, displayID string, testPattern bool) *Supervisor {
	path := "ffmpeg"
	if _, err := os.Stat("/app/bin/ffmpeg"); err == nil {
		path = "/app/bin/ffmpeg"
	}
	s := &Supervisor{
		cfg:         cfg,
		displayID:   displayID,
		testPattern: testPattern,
		binaryPath:  path,
		shouldRun:   true,
		logger:      log.New(os.Stdout, "[encoder] ", log.LstdFlags),
	}
	s.spawn = func(args []string) *exec.Cmd {
		cmd := exec.Command(s.binaryPath, args...)
		cmd.Env = append(os.Environ(), "DISPLAY="+s.displayID)
		return cmd
	}
	return s
}

// CurrentEpoch returns the epoch of the child currently starting/running.
func (s *Supervisor) CurrentEpoch() uint32 {
	return atomic.LoadUint32(&s.epoch)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Run drives the supervisor loop until Stop is called. onFrame is invoked
// for every demuxed frame (from whichever goroutine reads encoder
// stdout); callers must make it safe for concurrent, frame-at-a-time use.
// Run blocks; start it in its own goroutine.
func (s *Supervisor) Run(onFrame func(container.Frame)) {
	go s.watchRestarts()

	for {
		s.mu.Lock()
		run := s.shouldRun
		s.mu.Unlock()
		if !run {
			s.state.Store(int32(Idle))
			return
		}

		s.state.Store(int32(Starting))
		epoch := atomic.AddUint32(&s.epoch, 1)
		snap := s.cfg.Snapshot()
		args := buildArgs(snap, s.displayID, s.testPattern)

		cmd := s.spawn(args)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			s.logger.Printf("stdout pipe: %v", err)
			time.Sleep(backoff)
			continue
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			s.logger.Printf("stderr pipe: %v", err)
			time.Sleep(backoff)
			continue
		}

		if err := cmd.Start(); err != nil {
			s.logger.Printf("start (epoch %d): %v", epoch, err)
			time.Sleep(backoff)
			continue
		}

		s.mu.Lock()
		s.cmd = cmd
		s.mu.Unlock()
		s.state.Store(int32(Running))
		s.logger.Printf("started epoch %d: %dx%d %s mode", epoch, snap.Width, snap.Height, snap.Encoder.TargetMode)

		go s.logStderr(stderr)

		// Demux blocks until EOF (clean exit or forced kill). This is the
		// single-resource discipline: the next iteration cannot start
		// until this reader has fully drained.
		if err := container.Demux(stdout, epoch, onFrame); err != nil {
			s.logger.Printf("demux (epoch %d): %v", epoch, err)
		}

		s.state.Store(int32(Stopping))
		waitErr := cmd.Wait()
		s.logger.Printf("exited epoch %d: %v", epoch, waitErr)

		s.mu.Lock()
		s.cmd = nil
		run = s.shouldRun
		s.mu.Unlock()

		if !run {
			s.state.Store(int32(Idle))
			return
		}
		time.Sleep(backoff)
	}
}

// watchRestarts kills the running child whenever the config registry
// signals a restart; the main loop observes the resulting EOF and starts
// the next child with a fresh snapshot.
func (s *Supervisor) watchRestarts() {
	for range s.cfg.RestartSignal() {
		s.mu.Lock()
		cmd := s.cmd
		shouldRun := s.shouldRun
		s.mu.Unlock()
		if !shouldRun {
			return
		}
		if cmd != nil && cmd.Process != nil {
			s.logger.Printf("config changed, restarting encoder")
			_ = cmd.Process.Kill()
		}
	}
}

func (s *Supervisor) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		s.logger.Printf("ffmpeg: %s", scanner.Text())
	}
}

// Stop terminates the encoder child (if any) and prevents further
// restarts. Safe to call once during process shutdown.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.shouldRun = false
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
