// Package storage implements the append-only persistence boundary: a
// local JSONL log that is always on, and an optional ClickHouse sink for
// analytics. Both implement model.Store.
package storage

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"NetSentry/internal/model"
)

const (
	incidentLogName = "incidents.jsonl"
	actionLogName   = "actions.jsonl"
)

// JSONLStore appends one JSON document per line. Every incident state
// transition and action outcome becomes its own record; readers
// reconstruct the latest state by taking the last record per ID.
type JSONLStore struct {
	mu        sync.Mutex
	root      string
	incidents *os.File
	actions   *os.File
}

func NewJSONLStore(rootPath string) (*JSONLStore, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	incidents, err := openAppend(filepath.Join(rootPath, incidentLogName))
	if err != nil {
		return nil, err
	}
	actions, err := openAppend(filepath.Join(rootPath, actionLogName))
	if err != nil {
		incidents.Close()
		return nil, err
	}
	return &JSONLStore{root: rootPath, incidents: incidents, actions: actions}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

func (s *JSONLStore) RecordIncident(inc *model.Incident) error {
	return s.appendLine(s.incidents, inc)
}

func (s *JSONLStore) RecordAction(rec *model.ActionRecord) error {
	return s.appendLine(s.actions, rec)
}

func (s *JSONLStore) appendLine(f *os.File, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// LoadRecentIncidents replays the incident log and returns every record
// updated at or after the cutoff. Unparseable lines are skipped with a
// log line, not an error: a torn final write must not poison restart.
func (s *JSONLStore) LoadRecentIncidents(since time.Time) ([]*model.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.root, incidentLogName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open incident log: %w", err)
	}
	defer f.Close()

	var out []*model.Incident
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var inc model.Incident
		if err := json.Unmarshal(scanner.Bytes(), &inc); err != nil {
			log.Printf("Storage: skipping bad incident record: %v", err)
			continue
		}
		if !inc.UpdatedAt.Before(since) {
			out = append(out, &inc)
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("failed to scan incident log: %w", err)
	}
	return out, nil
}

// LoadRecentActions replays the action log for the export surface.
func (s *JSONLStore) LoadRecentActions(since time.Time) ([]*model.ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.root, actionLogName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open action log: %w", err)
	}
	defer f.Close()

	var out []*model.ActionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec model.ActionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			log.Printf("Storage: skipping bad action record: %v", err)
			continue
		}
		if !rec.StartedAt.Before(since) {
			out = append(out, &rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("failed to scan action log: %w", err)
	}
	return out, nil
}

func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.incidents.Close(); err != nil {
		s.actions.Close()
		return err
	}
	return s.actions.Close()
}
