// Package display implements the display launcher (A4): bringing up a
// virtual X server and a lightweight window manager, and resizing the
// virtual framebuffer on demand. It is an out-of-scope collaborator from
// the spec's point of view (spec.md Non-goals) — the encoder and input
// coalescer only need a live X display number to point at.
package display

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Launcher starts and resizes a virtual X11 session.
type Launcher struct {
	displayNum string
	logger     *log.Logger

	procs []*exec.Cmd
}

// New returns a launcher targeting X display number displayNum (e.g. "99").
func New(displayNum string) *Launcher {
	return &Launcher{
		displayNum: displayNum,
		logger:     log.New(os.Stdout, "[display] ", log.LstdFlags),
	}
}

// Display returns the X display identifier (e.g. ":99").
func (l *Launcher) Display() string {
	return ":" + l.displayNum
}

// Start launches Xvfb and an xfce4 session on the configured display,
// disables screen blanking, and sets a wallpaper. It blocks until the X
// server is reachable or the given timeout elapses.
func (l *Launcher) Start(timeout time.Duration) error {
	display := l.Display()
	l.logger.Printf("starting Xvfb on %s", display)

	lockFile := fmt.Sprintf("/tmp/.X%s-lock", l.displayNum)
	socketPath := fmt.Sprintf("/tmp/.X11-unix/X%s", l.displayNum)
	os.Remove(lockFile)
	os.Remove(socketPath)

	xvfb := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-nolisten", "tcp", "-ac", "+extension", "RANDR")
	xvfb.Stdout = os.Stdout
	xvfb.Stderr = os.Stderr
	if err := xvfb.Start(); err != nil {
		return fmt.Errorf("display: start Xvfb: %w", err)
	}
	l.procs = append(l.procs, xvfb)

	if err := waitForSocket(socketPath, timeout); err != nil {
		return err
	}
	l.logger.Printf("Xvfb ready on %s", display)

	env := append(os.Environ(), "DISPLAY="+display)
	runWithEnv("xset", []string{"s", "off"}, env)
	runWithEnv("xset", []string{"-dpms"}, env)
	runWithEnv("xset", []string{"s", "noblank"}, env)

	session := exec.Command("dbus-run-session", "xfce4-session")
	session.Env = env
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr
	if err := session.Start(); err != nil {
		return fmt.Errorf("display: start xfce4-session: %w", err)
	}
	l.procs = append(l.procs, session)

	time.Sleep(3 * time.Second)
	runWithEnv("xfconf-query", []string{"-c", "xfwm4", "-p", "/general/use_compositing", "-s", "false"}, env)
	l.setWallpaper(env)

	return nil
}

// Resize changes the virtual framebuffer size via xrandr.
func (l *Launcher) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("display: invalid resize %dx%d", width, height)
	}
	mode := fmt.Sprintf("%dx%d", width, height)
	l.logger.Printf("resizing display to %s", mode)
	env := append(os.Environ(), "DISPLAY="+l.Display())

	if err := runWithEnv("xrandr", []string{"-s", mode}, env); err == nil {
		return nil
	}
	if err := runWithEnv("xrandr", []string{"--fb", mode}, env); err != nil {
		l.logger.Printf("xrandr --fb failed: %v", err)
		return err
	}
	return nil
}

// Stop kills every process this launcher started, most recently started
// first.
func (l *Launcher) Stop() {
	for i := len(l.procs) - 1; i >= 0; i-- {
		p := l.procs[i]
		if p.Process != nil {
			_ = p.Process.Kill()
		}
	}
}

func (l *Launcher) setWallpaper(env []string) {
	dbusAddr := sessionDBusAddress()
	if dbusAddr == "" {
		l.logger.Printf("could not find session DBus address; wallpaper not set")
		return
	}
	env = append(env, "DBUS_SESSION_BUS_ADDRESS="+dbusAddr)

	wallpaper := os.Getenv("WALLPAPER")
	if wallpaper == "" {
		wallpaper = "/usr/share/backgrounds/xfce/xfce-shapes.svg"
	}

	out, _ := exec.Command("xfconf-query", "-c", "xfce4-desktop", "-l").Output()
	var imageProps []string
	for _, p := range strings.Split(string(out), "\n") {
		p = strings.TrimSpace(p)
		if strings.HasSuffix(p, "/last-image") {
			imageProps = append(imageProps, p)
		}
	}

	for _, prop := range imageProps {
		runWithEnv("xfconf-query", []string{"-c", "xfce4-desktop", "-p", prop, "-s", wallpaper}, env)
		styleProp := strings.TrimSuffix(prop, "/last-image") + "/image-style"
		runWithEnv("xfconf-query", []string{"-c", "xfce4-desktop", "-p", styleProp, "-s", "5"}, env)
	}
	if len(imageProps) > 0 {
		cmd := exec.Command("xfdesktop", "--reload")
		cmd.Env = env
		cmd.Run()
		l.logger.Printf("wallpaper set to %s", wallpaper)
	}
}

func sessionDBusAddress() string {
	out, err := exec.Command("pgrep", "-x", "xfconfd").Output()
	if err != nil {
		return ""
	}
	pids := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(pids) == 0 || pids[0] == "" {
		return ""
	}
	environ, err := os.ReadFile(fmt.Sprintf("/proc/%s/environ", pids[0]))
	if err != nil {
		return ""
	}
	for _, e := range strings.Split(string(environ), "\x00") {
		if strings.HasPrefix(e, "DBUS_SESSION_BUS_ADDRESS=") {
			return strings.TrimPrefix(e, "DBUS_SESSION_BUS_ADDRESS=")
		}
	}
	return ""
}

func waitForSocket(socketPath string, timeout time.Duration) error {
	start := time.Now()
	for time.Since(start) < timeout {
		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("display: timed out waiting for X server at %s", socketPath)
}

func runWithEnv(name string, args []string, env []string) error {
	cmd := exec.Command(name, args...)
	cmd.Env = env
	return cmd.Run()
}
