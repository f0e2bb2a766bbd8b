// Command server is the remote-desktop streaming server: it brings up a
// virtual display, supervises the external encoder, and serves the
// WebSocket control channel, WebRTC signaling and the viewer's static
// assets over a single HTTP listener.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/llrdc/server/internal/config"
	"github.com/llrdc/server/internal/container"
	"github.com/llrdc/server/internal/display"
	"github.com/llrdc/server/internal/encoder"
	"github.com/llrdc/server/internal/fanout"
	"github.com/llrdc/server/internal/httpfront"
	"github.com/llrdc/server/internal/input"
	"github.com/llrdc/server/internal/rtcsession"
	"github.com/llrdc/server/internal/wsserver"
)

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	// godotenv.Load does not overwrite existing env vars: real environment
	// variables always take precedence over a .env file (spec.md §6).
	_ = godotenv.Load()

	port := envInt("PORT", 8080)
	fps := envInt("FPS", 30)
	displayNum := os.Getenv("DISPLAY_NUM")
	if displayNum == "" {
		displayNum = "99"
	}
	testPattern := os.Getenv("TEST_PATTERN") != ""
	displayID := ":" + displayNum

	cfg := config.NewRegistry()
	cfg.Apply(config.Update{FPS: &fps})

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	var disp *display.Launcher
	if !testPattern {
		disp = display.New(displayNum)
		if err := disp.Start(10 * time.Second); err != nil {
			log.Fatalf("display: %v", err)
		}
		cleanup = append(cleanup, disp.Stop)
	}

	coalescer := input.New(input.XDoToolInjector{}, displayID)

	track, err := rtcsession.NewSharedVideoTrack()
	if err != nil {
		log.Fatalf("rtcsession: %v", err)
	}
	rtcMgr := rtcsession.NewManager(track, port)

	fo := fanout.New()
	sharedSink := fanout.NewWebRTCSink("shared", track, func() int {
		return cfg.Snapshot().Encoder.FPS
	})
	fo.AddWebRTCSink("shared", sharedSink)
	cleanup = append(cleanup, sharedSink.Close)

	sup := encoder.New(cfg, displayID, testPattern)
	go sup.Run(func(f container.Frame) {
		fo.Broadcast(f)
	})
	cleanup = append(cleanup, sup.Stop)

	var wsDisplay wsserver.Display
	if disp != nil {
		wsDisplay = disp
	}
	wss := wsserver.New(cfg, coalescer, rtcMgr, fo, wsDisplay, displayID, testPattern)
	front := httpfront.New("public", wss)

	addr := fmt.Sprintf(":%d", port)
	httpServer := &http.Server{Addr: addr, Handler: front}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("listening on http://0.0.0.0%s", addr)
		serverErr <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Printf("http server stopped: %v", err)
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
		_ = httpServer.Close()
	}
}
