package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// Server exposes a minimal local HTTP surface for health checks and
// operator debugging — it never accepts commands; those arrive over the
// message bus (see subscribeCommandIntake in heartbeat.go).
type Server struct {
	cfg  *Config
	ctrl *Controller
}

// NewServer creates a new Server bound to ctrl for status reporting.
func NewServer(cfg *Config, ctrl *Controller) *Server {
	return &Server{cfg: cfg, ctrl: ctrl}
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	addr := fmt.Sprintf(":%d", s.cfg.LocalPort)
	log.Printf("Edge local server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"edge_id":   s.cfg.EdgeID,
		"system_id": s.cfg.SystemID,
		"mode":      s.ctrl.Mode(),
		"version":   s.cfg.SoftwareVer,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
	}
}
