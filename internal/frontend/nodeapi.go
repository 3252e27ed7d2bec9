// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package frontend

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/aegismesh/aegis/internal/mgmtauth"
	"github.com/aegismesh/aegis/internal/waf"
)

// NodeAPI serves the node's own bearer-token-guarded management
// endpoints. It is wired independently from the public-facing Server so
// the management listener can bind a different address/port.
type NodeAPI struct {
	waf *waf.Engine
	startedAt time.Time
	onTerminate func(reason string, gracePeriodS int64)
	onConfigLoad func(force bool) error
}

// NewNodeAPI returns a NodeAPI backed by wafEngine. onTerminate is invoked
// (without blocking the HTTP response) when /control/terminate is called.
// onConfigLoad, if non-nil, backs /config/reload.
func NewNodeAPI(wafEngine *waf.Engine, onTerminate func(reason string, gracePeriodS int64), onConfigLoad func(force bool) error) *NodeAPI {
	return &NodeAPI{waf: wafEngine, startedAt: time.Now(), onTerminate: onTerminate, onConfigLoad: onConfigLoad}
}

// RegisterRoutes installs the node management endpoints on router, each
// guarded by auth.
func (n *NodeAPI) RegisterRoutes(router *mux.Router, auth *mgmtauth.Middleware) {
	router.Handle("/control/terminate", auth.Wrap(http.HandlerFunc(n.handleTerminate))).Methods(http.MethodPost)
	router.Handle("/health", auth.Wrap(http.HandlerFunc(n.handleHealth))).Methods(http.MethodGet)
	router.Handle("/status/waf", auth.Wrap(http.HandlerFunc(n.handleWafStatus))).Methods(http.MethodGet)
	router.Handle("/waf/patterns", auth.Wrap(http.HandlerFunc(n.handleAddPattern))).Methods(http.MethodPost)
	router.Handle("/waf/patterns", auth.Wrap(http.HandlerFunc(n.handleRemovePattern))).Methods(http.MethodDelete)
	router.Handle("/waf/reload", auth.Wrap(http.HandlerFunc(n.handleWafReload))).Methods(http.MethodPost)
	router.Handle("/config/reload", auth.Wrap(http.HandlerFunc(n.handleConfigReload))).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (n *NodeAPI) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
		Timestamp time.Time `json:"timestamp"`
		GracePeriodSeconds int64 `json:"grace_period_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	grace := req.GracePeriodSeconds
	if grace <= 0 {
		grace = 60
	}
	if n.onTerminate != nil {
		go n.onTerminate(req.Reason, grace)
	}
	writeJSON(w, http.StatusOK, map[string]int64{"grace_period_seconds": grace})
}

func (n *NodeAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime_s": int64(time.Since(n.startedAt).Seconds()),
	})
}

func (n *NodeAPI) handleWafStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.waf.Stats())
}

func (n *NodeAPI) handleAddPattern(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
		RuleType string `json:"rule_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result := waf.Result(req.RuleType)
	if result == "" {
		result = waf.CommandInjection
	}
	rule := waf.Rule{Name: req.Pattern, Pattern: req.Pattern}
	if err := n.waf.AddCustomRule(result, rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pattern: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pattern": req.Pattern, "status": "added"})
}

func (n *NodeAPI) handleRemovePattern(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	removed := n.waf.RemoveRule(req.Pattern)
	writeJSON(w, http.StatusOK, map[string]any{"pattern": req.Pattern, "status": "removed", "removed_count": removed})
}

func (n *NodeAPI) handleWafReload(w http.ResponseWriter, r *http.Request) {
	if err := n.waf.LoadDefaults(); err != nil {
		writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (n *NodeAPI) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if n.onConfigLoad == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no-op"})
		return
	}
	if err := n.onConfigLoad(req.Force); err != nil {
		writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
