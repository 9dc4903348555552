// Package api serves the status and incident reporting surface over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
	"NetSentry/internal/orchestrator"
	"NetSentry/internal/pipeline"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes pipeline status, incident export and manual resolution.
// All handlers are read-mostly; resolution is the only mutating endpoint.
type Server struct {
	pipeline *pipeline.Pipeline
	router   *mux.Router
	server   *http.Server
}

func NewServer(cfg config.APIConfig, p *pipeline.Pipeline) *Server {
	s := &Server{pipeline: p, router: mux.NewRouter()}

	s.router.HandleFunc("/api/v1/status", s.statusHandler).Methods("GET")
	s.router.HandleFunc("/api/v1/incidents", s.incidentsHandler).Methods("GET")
	s.router.HandleFunc("/api/v1/actions", s.actionsHandler).Methods("GET")
	s.router.HandleFunc("/api/v1/incidents/{id}/resolve", s.resolveHandler).Methods("POST")
	s.router.Handle("/metrics", promhttp.HandlerFor(p.Registry(), promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.router,
	}
	return s
}

// Handler returns the routing tree, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background until Stop is called.
func (s *Server) Start() {
	go func() {
		log.Printf("API server starting on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", s.server.Addr, err)
		}
	}()
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.pipeline.Status())
}

func (s *Server) incidentsHandler(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	incidents, err := s.pipeline.Journal().LoadRecentIncidents(since)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to load incidents: %v", err), http.StatusInternalServerError)
		return
	}
	if incidents == nil {
		incidents = []*model.Incident{}
	}
	writeJSON(w, incidents)
}

func (s *Server) actionsHandler(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	actions, err := s.pipeline.Journal().LoadRecentActions(since)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to load actions: %v", err), http.StatusInternalServerError)
		return
	}
	if actions == nil {
		actions = []*model.ActionRecord{}
	}
	writeJSON(w, actions)
}

func (s *Server) resolveHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.pipeline.Orchestrator().Resolve(id); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, orchestrator.ErrNoIncident) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, map[string]string{"id": id, "state": string(model.IncidentResolved)})
}

// sinceParam parses the optional RFC3339 "since" query parameter,
// defaulting to the last 24 hours.
func sinceParam(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Now().Add(-24 * time.Hour), nil
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since parameter: %v", err)
	}
	return since, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(jsonBytes)
}
