package server

import (
	"encoding/json"
	"net/http"

	"github.com/fxnlabs/nefgpu/internal/engine"
	"github.com/fxnlabs/nefgpu/internal/gpu"
	"github.com/fxnlabs/nefgpu/internal/metrics"
	"github.com/fxnlabs/nefgpu/internal/probe"
	"github.com/fxnlabs/nefgpu/pkg/nefgpu"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Status is the body of GET /status.
type Status struct {
	Backend       string           `json:"backend"`
	Devices       []gpu.DeviceInfo `json:"devices"`
	Simulation    *engine.Stats    `json:"simulation,omitempty"`
	Assignment    []int            `json:"assignment,omitempty"`
	Fault         string           `json:"fault,omitempty"`
	StreamClients int              `json:"streamClients"`
}

// Server exposes the state of a simulation session over HTTP.
type Server struct {
	session *nefgpu.Session
	manager *gpu.Manager
	hub     *probe.Hub
	log     *zap.Logger
}

func NewServer(session *nefgpu.Session, manager *gpu.Manager, hub *probe.Hub, log *zap.Logger) *Server {
	return &Server{
		session: session,
		manager: manager,
		hub:     hub,
		log:     log.Named("server"),
	}
}

// Handler returns the routes of the server, each counted by the metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/status", metrics.Middleware(http.HandlerFunc(s.StatusHandler), "/status"))
	mux.Handle("/metrics", metrics.Middleware(promhttp.Handler(), "/metrics"))
	if s.hub != nil {
		mux.Handle("/stream", metrics.Middleware(s.hub, "/stream"))
	}
	return mux
}

// StatusHandler reports the devices and the progress of the current simulation.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := Status{
		Backend: s.manager.GetBackendType(),
		Devices: s.manager.Devices(),
	}
	if s.hub != nil {
		status.StreamClients = s.hub.Clients()
	}
	if ctrl := s.session.Controller(); ctrl != nil {
		stats := ctrl.Stats()
		status.Simulation = &stats
		status.Assignment = ctrl.Assignment()
		if err := ctrl.Err(); err != nil {
			status.Fault = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warn("Failed to write status", zap.Error(err))
	}
}
