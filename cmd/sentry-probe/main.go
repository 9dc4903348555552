package main

import (
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"NetSentry/internal/capture"
	"NetSentry/internal/config"
	"NetSentry/internal/model"
	"NetSentry/internal/probe"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var source model.PacketSource
	switch {
	case cfg.Capture.PcapFile != "":
		source, err = capture.OpenFile(cfg.Capture.PcapFile)
	case cfg.Capture.Interface != "":
		source, err = capture.OpenLive(cfg.Capture.Interface, cfg.Capture.SnapshotLen, cfg.Capture.Filter)
	default:
		log.Fatalf("No capture source configured: set capture.pcap_file or capture.interface.")
	}
	if err != nil {
		log.Fatalf("Failed to open capture source: %v", err)
	}
	defer source.Close()

	pub, err := probe.NewPublisher(cfg.Probe)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer pub.Close()

	log.Printf("sentry-probe publishing to %q on %s", cfg.Probe.Subject, cfg.Probe.NATSURL)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var published uint64
		for {
			rec, err := source.Next()
			if err != nil {
				if err != io.EOF {
					log.Printf("Capture error: %v", err)
				}
				log.Printf("Capture ended after %d packets.", published)
				return
			}
			if err := pub.Publish(rec); err != nil {
				log.Printf("Publish failed: %v", err)
				continue
			}
			published++
		}
	}()

	select {
	case <-sigChan:
		log.Println("Shutdown signal received.")
		source.Close()
		<-done
	case <-done:
	}
	log.Println("Shutdown complete.")
}
