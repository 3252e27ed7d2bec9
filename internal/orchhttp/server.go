// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package orchhttp is the orchestrator's HTTP API: node registration
// and heartbeat, fleet inspection, and manual block/unblock endpoints,
// composing internal/registry, internal/resourcemgr, and
// internal/experts/threatintel behind one gorilla/mux.Router.
//
// Server.RegisterRoutes installs every endpoint on a caller-supplied
// router; the composed subsystems expose no HTTP handlers of their own.
package orchhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/aegismesh/aegis/internal/experts/threatintel"
	"github.com/aegismesh/aegis/internal/logging"
	"github.com/aegismesh/aegis/internal/proto"
	"github.com/aegismesh/aegis/internal/registry"
	"github.com/aegismesh/aegis/internal/resourcemgr"
	"github.com/aegismesh/aegis/internal/statesync"
)

// Server composes the orchestrator's node-facing and operator-facing
// HTTP surface.
type Server struct {
	reg *registry.Registry
	resourceMgr *resourcemgr.Manager
	threatIntel *threatintel.Expert
	fleetCounters *statesync.Sync
	logger *logging.Logger

	heartbeatInterval time.Duration
}

// New returns a Server backed by reg/resourceMgr/threatIntel/fleetCounters.
func New(reg *registry.Registry, resourceMgr *resourcemgr.Manager, threatIntel *threatintel.Expert, fleetCounters *statesync.Sync, heartbeatInterval time.Duration, logger *logging.Logger) *Server {
	return &Server{reg: reg, resourceMgr: resourceMgr, threatIntel: threatIntel, fleetCounters: fleetCounters, heartbeatInterval: heartbeatInterval, logger: logger}
}

// RegisterRoutes installs every orchestrator endpoint on
// router.
func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/nodes/register", s.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/nodes/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/nodes", s.handleListNodes).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/nodes/{id}", s.handleGetNode).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/nodes/{id}/terminate", s.handleTerminateNode).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/fleet/stats", s.handleFleetStats).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/fleet/counters", s.handleFleetCounters).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/rules/block_ip", s.handleBlockIP).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/rules/blocked_ips", s.handleBlockedIPs).Methods(http.MethodGet)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicIP string `json:"public_ip"`
		Config string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := s.reg.Register(req.PublicIP)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"node_id": id,
		"heartbeat_interval": int64(s.heartbeatInterval.Seconds()),
		"endpoints": map[string]string{
			"control_commands": "control.commands",
			"commands_block": "commands.block",
		},
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID string `json:"node_id"`
		Status proto.NodeStatus `json:"status"`
		Metrics proto.NodeMetrics `json:"metrics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.reg.Heartbeat(req.NodeID, req.Status, req.Metrics); err != nil {
		s.writeError(w, http.StatusNotFound, "unknown node")
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"nodes": s.reg.All()})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	node, ok := s.reg.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown node")
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleTerminateNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.reg.Get(id); !ok {
		s.writeError(w, http.StatusNotFound, "unknown node")
		return
	}
	s.reg.MarkIntentToTerminate(id)
	_ = s.reg.SetStatus(id, proto.StatusTerminating)
	s.writeJSON(w, http.StatusOK, map[string]string{"node_id": id, "status": "terminating"})
}

func (s *Server) handleFleetStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.resourceMgr.FleetSnapshot())
}

// handleFleetCounters reports the fleet-wide cumulative counters
// (requests inspected, packets dropped, and the like) converged from
// every node's gossiped state.sync updates.
func (s *Server) handleFleetCounters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.fleetCounters.Snapshot())
}

func (s *Server) handleBlockIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
		Reason string `json:"reason"`
		TTLSeconds int64 `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.threatIntel.Block(ctx, req.IP, ttl); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to publish block command")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"ip": req.IP, "status": "blocked"})
}

func (s *Server) handleBlockedIPs(w http.ResponseWriter, r *http.Request) {
	// The consolidated blocklist is exposed read-only here; the expert
	// itself owns the full entry set, so a status summary is all this
	// endpoint promises.
	_, blocked := s.threatIntel.IsBlocked(r.URL.Query().Get("ip"))
	s.writeJSON(w, http.StatusOK, map[string]any{"queried_ip_blocked": blocked})
}
