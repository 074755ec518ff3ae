package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"conductor-ai/internal/adapter/provider"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Sessions      SessionStatus             `json:"sessions"`
	Tasks         TaskStatus                `json:"tasks"`
	Providers     []provider.ProviderStatus `json:"providers"`
}

// SessionStatus holds session counts.
type SessionStatus struct {
	Registered int `json:"registered"`
}

// TaskStatus holds task counts.
type TaskStatus struct {
	Running int `json:"running"`
}

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	TasksCompleted   atomic.Int64
	TasksFailed      atomic.Int64
	TasksCancelled   atomic.Int64
	Delegations      atomic.Int64
	ProviderSwitches atomic.Int64
	SessionsTotal    atomic.Int64
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(deps HandlerDeps, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		resp := StatusResponse{
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
			Sessions:      SessionStatus{Registered: deps.Sessions.Count()},
			Tasks:         TaskStatus{Running: deps.Orchestrator.Running()},
			Providers:     deps.Providers.Status(ctx),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
