package app

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/large-farva/sentinel-bridge/internal/config"
)

// Routes returns the daemon's HTTP handler. The control channel is served
// on both / and /ws.
func (a *App) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/version", a.handleVersion).Methods(http.MethodGet)
	api.HandleFunc("/system", a.handleSystem).Methods(http.MethodGet)
	api.HandleFunc("/sessions", a.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/config", a.handleConfig).Methods(http.MethodGet)
	api.HandleFunc("/reload", a.handleReload).Methods(http.MethodPost)

	r.Handle("/ws", a.hub.Handler())
	r.Handle("/", a.hub.Handler())
	return r
}

// ---------------------------------------------------------------------------
// Core handlers
// ---------------------------------------------------------------------------

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") == "application/json" {
		a.handleHealthDetailed(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := a.getConfig()
	v := a.bridge.Status()

	resp := map[string]any{
		"name":           "sentinel-bridge",
		"state":          v.State,
		"device":         v.Device,
		"since":          v.Since,
		"last_scan":      v.LastScan,
		"sessions":       a.hub.Count(),
		"uptime_seconds": int64(time.Since(a.startedAt).Seconds()),
		"radio":          cfg.Radio.Backend,
		"breaker":        a.bridge.BreakerState(),
	}
	if cfg.Telemetry.CSVPath != "" {
		resp["telemetry_log"] = cfg.Telemetry.CSVPath
		if du := diskUsage(filepath.Dir(cfg.Telemetry.CSVPath)); du != nil {
			resp["disk"] = du
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"go_version": GoVersion,
		"built_at":   BuiltAt,
	})
}

func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": a.bridge.Sessions()})
}

func (a *App) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.getConfig())
}

func (a *App) handleSystem(w http.ResponseWriter, _ *http.Request) {
	cfg := a.getConfig()

	resp := map[string]any{
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"goroutines": runtime.NumGoroutine(),
		"radio":      cfg.Radio.Backend,
		"adapter":    cfg.Radio.Adapter,
	}

	if hi, err := host.Info(); err == nil {
		resp["host"] = map[string]any{
			"hostname":       hi.Hostname,
			"platform":       hi.Platform,
			"kernel":         hi.KernelVersion,
			"uptime_seconds": hi.Uptime,
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["memory"] = map[string]any{
			"total_bytes":     vm.Total,
			"available_bytes": vm.Available,
			"used_percent":    vm.UsedPercent,
		}
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		proc := map[string]any{"pid": p.Pid}
		if mi, err := p.MemoryInfo(); err == nil {
			proc["rss_bytes"] = mi.RSS
		}
		if pct, err := p.CPUPercent(); err == nil {
			proc["cpu_percent"] = pct
		}
		resp["process"] = proc
	}

	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Health + Reload
// ---------------------------------------------------------------------------

func (a *App) handleHealthDetailed(w http.ResponseWriter, _ *http.Request) {
	cfg := a.getConfig()
	checks := map[string]any{}
	allOK := true

	select {
	case <-a.bridge.Done():
		checks["bridge"] = map[string]any{"ok": false, "error": "bridge loop stopped"}
		allOK = false
	default:
		checks["bridge"] = map[string]any{"ok": true, "state": a.bridge.Status().State}
	}

	breaker := a.bridge.BreakerState()
	checks["device_writes"] = map[string]any{"ok": breaker != "open", "breaker": breaker}
	if breaker == "open" {
		allOK = false
	}

	if cfg.Telemetry.CSVPath != "" {
		dir := filepath.Dir(cfg.Telemetry.CSVPath)
		if _, err := os.Stat(dir); err != nil {
			checks["telemetry_log"] = map[string]any{"ok": false, "error": err.Error()}
			allOK = false
		} else {
			checks["telemetry_log"] = map[string]any{"ok": true, "path": cfg.Telemetry.CSVPath}
		}
	}

	if a.configPath != "" {
		if _, err := os.Stat(a.configPath); err != nil {
			checks["config_file"] = map[string]any{"ok": false, "error": err.Error()}
			allOK = false
		} else {
			checks["config_file"] = map[string]any{"ok": true, "path": a.configPath}
		}
	}

	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": allOK,
		"checks":  checks,
	})
}

func (a *App) handleReload(w http.ResponseWriter, _ *http.Request) {
	if a.configPath == "" {
		jsonError(w, "no config file path set", http.StatusConflict)
		return
	}

	newCfg, err := config.Load(a.configPath)
	if err != nil {
		jsonError(w, "config reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	a.applyConfig(newCfg)
	a.log.Printf("config reloaded from %s", a.configPath)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": "configuration reloaded from " + a.configPath,
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]any{
		"ok":    false,
		"error": msg,
	})
}
