package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		gauge := func(name, help string, v int64) {
			fmt.Fprintf(w, "# HELP %s %s\n", name, help)
			fmt.Fprintf(w, "# TYPE %s gauge\n", name)
			fmt.Fprintf(w, "%s %d\n", name, v)
		}
		counter := func(name, help string, v int64) {
			fmt.Fprintf(w, "# HELP %s %s\n", name, help)
			fmt.Fprintf(w, "# TYPE %s counter\n", name)
			fmt.Fprintf(w, "%s %d\n", name, v)
		}

		gauge("conductor_sessions_registered", "Number of registered sessions.", int64(deps.Sessions.Count()))
		counter("conductor_sessions_total", "Total number of sessions created.", metrics.SessionsTotal.Load())
		gauge("conductor_tasks_running", "Number of tasks not yet terminal.", int64(deps.Orchestrator.Running()))
		counter("conductor_tasks_completed_total", "Tasks that completed.", metrics.TasksCompleted.Load())
		counter("conductor_tasks_failed_total", "Tasks that failed.", metrics.TasksFailed.Load())
		counter("conductor_tasks_cancelled_total", "Tasks that were cancelled.", metrics.TasksCancelled.Load())
		counter("conductor_delegations_total", "Sub-tasks spawned by directives.", metrics.Delegations.Load())
		counter("conductor_provider_switches_total", "Fallback transitions between providers.", metrics.ProviderSwitches.Load())
		gauge("conductor_uptime_seconds", "Seconds since the gateway started.", int64(time.Since(startTime).Seconds()))

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		gauge("go_goroutines", "Number of goroutines.", int64(runtime.NumGoroutine()))
		gauge("go_memstats_alloc_bytes", "Bytes of allocated heap objects.", int64(mem.Alloc))
		gauge("go_memstats_sys_bytes", "Total bytes of memory obtained from the OS.", int64(mem.Sys))
	}
}
