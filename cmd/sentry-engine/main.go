package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"NetSentry/internal/api"
	"NetSentry/internal/config"
	"NetSentry/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	log.Println("Starting sentry-engine...")

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("Configuration loaded successfully.")

	// 2. Build and start the pipeline
	p, err := pipeline.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}
	p.Start()

	// 3. Start the status API
	server := api.NewServer(cfg.API, p)
	server.Start()

	// 4. Wait for a shutdown signal, the end of an offline replay, or the
	// configured capture duration.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var durationCh <-chan time.Time
	if d := config.Duration(cfg.Capture.CaptureDuration); d > 0 {
		durationCh = time.After(d)
	}

	// Offline replays keep serving the API after draining so the results
	// can be queried; only live-bounded runs stop on the drain signal.
	var drained <-chan struct{}
	if cfg.Capture.PcapFile != "" && durationCh == nil {
		drained = p.Drained()
	}

	select {
	case <-sigChan:
		log.Println("Shutdown signal received.")
	case <-durationCh:
		log.Println("Capture duration elapsed.")
	case <-drained:
		log.Println("Replay drained; waiting for shutdown signal.")
		<-sigChan
	}

	// 5. Tear down: API first so status stays accurate until the end.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Printf("API server forced to shutdown: %v", err)
	}
	p.Stop()
	log.Println("Shutdown complete.")
}
