package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"tokenkeeper/internal/auth"
	"tokenkeeper/internal/scheduler"
	"tokenkeeper/internal/storage"
	"tokenkeeper/internal/worker"
)

// statusResponse is the admin /status payload.
type statusResponse struct {
	Accounts  map[string]auth.Status `json:"accounts"`
	Store     *storage.Metrics       `json:"store"`
	Scheduler scheduler.Stats        `json:"scheduler"`
	Tasks     []scheduler.TaskInfo   `json:"tasks"`
	Pool      worker.PoolStats       `json:"pool"`
}

// handleHealthz reports liveness: the process is up and the store answers.
func (a *Application) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Store.DB().PingContext(ctx); err != nil {
		a.log.Warn().Err(err).Msg("health check: store unreachable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports every account's auth state plus store and scheduler
// counters. Read-only: it never refreshes or schedules anything.
func (a *Application) handleStatus(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.Manager.CheckAuthStatus(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("status: listing accounts")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing accounts failed"})
		return
	}

	storeMetrics, err := a.Store.GetMetrics(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("status: collecting store metrics")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "collecting store metrics failed"})
		return
	}
	a.applyStoreGauges(storeMetrics)

	writeJSON(w, http.StatusOK, statusResponse{
		Accounts:  accounts,
		Store:     storeMetrics,
		Scheduler: a.Manager.SchedulerStats(),
		Tasks:     a.Manager.Tasks(),
		Pool:      a.Manager.PoolStats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
