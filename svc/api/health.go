package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"pastelite/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

// HealthzResponse never fails the probe itself; store trouble is a flag.
type HealthzResponse struct {
	OK bool `json:"ok"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Store    string `json:"store"`
	Driver   string `json:"driver"`
	Sealing  string `json:"sealing"`
	Degraded bool   `json:"degraded"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := HealthzResponse{OK: true}
	if err := s.paste.Ready(ctx); err != nil {
		util.Warn().Err(err).Str("request_id", util.GetRequestID(r.Context())).Msg("store health check failed")
		resp.OK = false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready:   true,
		Store:   "up",
		Driver:  s.cfg.StoreDriver,
		Sealing: s.paste.Sealing(),
	}
	if err := s.paste.Ready(ctx); err != nil {
		util.Error().Err(err).Msg("store readiness check failed")
		resp.Store = "down"
		resp.Ready = false
	}
	if s.cfg.SealContent && resp.Sealing == "none" {
		resp.Degraded = true
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
