package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"drawchain/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Writable bool   `json:"writable"`
	Journal  string `json:"journal"`
	Cache    string `json:"cache"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready fails when the retry journal is unreachable. A missing cache or
// signer only degrades the service: limits fall back to local counters and
// exports return unsigned mutations.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready:    true,
		Writable: s.storage.CanWrite(),
		Journal:  "unavailable",
		Cache:    "unavailable",
	}
	if !resp.Writable {
		resp.Degraded = true
	}
	if s.journal != nil {
		resp.Journal = "up"
		if err := ping(ctx, s.journal); err != nil {
			util.Error().Err(err).Msg("journal health check failed")
			resp.Journal = "down"
			resp.Ready = false
		}
	}
	if s.cache != nil {
		resp.Cache = "up"
		if err := ping(ctx, s.cache); err != nil {
			util.Error().Err(err).Msg("cache health check failed")
			resp.Cache = "down"
			resp.Degraded = true
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func ping(ctx context.Context, p Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return p.Ping(ctx)
}
