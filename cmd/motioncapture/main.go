// Command motioncapture runs the live capture pipeline: it buffers camera
// frames, computes dense optical flow, boxes moving regions, and saves
// change and neutral frames under the control of the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/motion.capture/internal/api"
	"github.com/banshee-data/motion.capture/internal/capture"
	"github.com/banshee-data/motion.capture/internal/config"
	"github.com/banshee-data/motion.capture/internal/fsutil"
	"github.com/banshee-data/motion.capture/internal/motion/detect"
	"github.com/banshee-data/motion.capture/internal/motion/flow"
	"github.com/banshee-data/motion.capture/internal/motion/frames"
	"github.com/banshee-data/motion.capture/internal/motion/persist"
	"github.com/banshee-data/motion.capture/internal/version"
)

var (
	cfg         = config.Default()
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func init() {
	cfg.RegisterFlags(flag.CommandLine)
}

// logWriters maps -log-level to the ops, diag and trace writers shared by
// the pipeline packages. Ops is always on.
func logWriters(level string, out, errOut io.Writer) (ops, diag, trace io.Writer) {
	ops = errOut
	switch strings.ToLower(level) {
	case config.LogTrace:
		diag, trace = out, out
	case config.LogDiag:
		diag = out
	}
	return ops, diag, trace
}

func configureLogging(level string) {
	ops, diag, trace := logWriters(level, os.Stdout, os.Stderr)
	flow.SetLogWriters(ops, diag, trace)
	persist.SetLogWriters(ops, diag, trace)
	capture.SetLogWriters(ops, diag, trace)
	api.SetLogWriters(ops, diag, trace)
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	configureLogging(cfg.LogLevel)
	log.Printf("starting %s", version.String())

	estimator, err := flow.NewEstimator(cfg.Estimator)
	if err != nil {
		log.Fatalf("failed to create estimator: %v", err)
	}

	fsys := fsutil.OSFileSystem{}
	buf := frames.NewBuffer(frames.Normalizer{Width: cfg.Width, Height: cfg.Height})

	// A source that fails to open is not fatal: the feed serves the
	// placeholder frame until the process is stopped.
	src, err := capture.Open(cfg.Source, fsys)
	if err != nil {
		log.Printf("capture source %q unavailable: %v", cfg.Source, err)
		src = nil
	} else {
		defer src.Close()
	}
	feed := capture.NewFeed(src, buf, capture.FeedConfig{
		FrameRate: cfg.FrameRate,
		Width:     cfg.Width,
		Height:    cfg.Height,
	})

	engine := flow.NewEngine(buf, flow.Config{
		Width:      cfg.Width,
		Height:     cfg.Height,
		Downsample: cfg.Downsample,
		Estimator:  estimator,
	})
	detector := detect.New(engine, buf, detect.Config{
		Threshold: uint8(cfg.BinarizeThreshold),
		MinArea:   cfg.MinRegionArea,
		Width:     cfg.Width,
		Height:    cfg.Height,
	})

	hub := api.NewHub()
	manager := persist.NewManager(persist.ManagerConfig{
		Frames:   buf,
		Motion:   engine,
		FS:       fsys,
		Observer: hub.Observe,
	})

	if cfg.AutoStart {
		msg, err := manager.Start(cfg.Session)
		if err != nil {
			log.Fatalf("failed to start saving: %v", err)
		}
		log.Print(msg)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// capture routine: pulls frames from the source into the buffer
	wg.Add(1)
	go func() {
		defer wg.Done()
		feed.Run(ctx)
		log.Print("capture routine terminated")
	}()

	// flow pump keeps the motion signal fresh for the saving loop
	if cfg.FlowInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Run(ctx, cfg.FlowInterval)
			log.Print("flow routine terminated")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
		log.Print("event hub terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(api.Config{
			Frames:      buf,
			Flow:        engine,
			Detector:    detector,
			Manager:     manager,
			Hub:         hub,
			Preview:     feed.Preview,
			Session:     cfg.Session,
			GallerySize: cfg.GallerySize,
			FS:          fsys,
		})

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("listening on %s", cfg.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()

	if manager.IsRunning() {
		log.Print(manager.Stop())
	}
	manager.Wait()
	log.Printf("Graceful shutdown complete")
}
