package profile

import (
	"encoding/gob"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"NetSentry/internal/model"
)

const snapshotFile = "profiles.dat"

// SaveSnapshot gob-encodes every baseline to <dir>/profiles.dat so a
// restarted engine does not come back fully cold. The write goes through
// a temp file and rename so a crash mid-write never corrupts the last
// good snapshot.
func (p *Profiler) SaveSnapshot(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	snap := p.Snapshot()
	if len(snap) == 0 {
		return nil
	}

	tmp := filepath.Join(dir, snapshotFile+".tmp")
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if err := gob.NewEncoder(file).Encode(snap); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode profiles to gob: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, snapshotFile))
}

// LoadSnapshot restores baselines saved by SaveSnapshot. A missing file
// is not an error: the profiler simply starts cold. Must be called
// before Start.
func (p *Profiler) LoadSnapshot(dir string) error {
	file, err := os.Open(filepath.Join(dir, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	var snap map[string]model.NetworkProfile
	if err := gob.NewDecoder(file).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode profile snapshot: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for host, prof := range snap {
		cp := prof
		p.profiles[host] = &cp
	}
	return nil
}

// snapshotLoop periodically persists baselines until the profiler stops.
func (p *Profiler) snapshotLoop(dir string, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.SaveSnapshot(dir); err != nil {
				log.Printf("Profiler: snapshot failed: %v", err)
			}
		case <-p.quit:
			return
		}
	}
}

// StartSnapshots launches periodic persistence alongside the writer.
// Call after Start; the loop exits with the profiler.
func (p *Profiler) StartSnapshots(dir string, interval time.Duration) {
	p.wg.Add(1)
	go p.snapshotLoop(dir, interval)
}
