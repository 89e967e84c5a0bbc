package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"
)

func writeMetric(w io.Writer, name, kind, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %v\n", name, value)
}

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		registered, version := toolCounts(deps.Tools)

		writeMetric(w, "dbagent_sessions_active", "gauge", "Number of live sessions.", len(deps.Sessions.List()))
		writeMetric(w, "dbagent_sessions_total", "counter", "Total number of sessions created.", metrics.SessionsTotal.Load())
		writeMetric(w, "dbagent_turns_total", "counter", "Total turns started.", metrics.TurnsTotal.Load())
		writeMetric(w, "dbagent_turns_failed_total", "counter", "Total turns that failed.", metrics.TurnsFailed.Load())
		writeMetric(w, "dbagent_tool_calls_total", "counter", "Total tool invocations.", metrics.ToolCallsTotal.Load())
		writeMetric(w, "dbagent_tool_errors_total", "counter", "Total tool invocations that errored.", metrics.ToolErrorsTotal.Load())
		writeMetric(w, "dbagent_tools_registered", "gauge", "Tools in the current snapshot.", registered)
		writeMetric(w, "dbagent_tool_snapshot_version", "gauge", "Version of the current tool snapshot.", version)
		writeMetric(w, "dbagent_tool_discoveries_total", "counter", "Total successful tool discoveries.", metrics.DiscoveriesTotal.Load())
		writeMetric(w, "dbagent_uptime_seconds", "gauge", "Seconds since the gateway started.",
			fmt.Sprintf("%.0f", time.Since(startTime).Seconds()))

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		writeMetric(w, "go_goroutines", "gauge", "Number of goroutines.", runtime.NumGoroutine())
		writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Bytes of allocated heap objects.", mem.Alloc)
		writeMetric(w, "go_memstats_sys_bytes", "gauge", "Total bytes of memory obtained from the OS.", mem.Sys)
		writeMetric(w, "go_gc_duration_seconds", "gauge", "Total GC pause duration.",
			fmt.Sprintf("%f", float64(mem.PauseTotalNs)/1e9))
	}
}
