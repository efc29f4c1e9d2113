// Package web serves the read-only dashboard API: vault summary, epoch
// history and Prometheus metrics. It never mutates engine state.
package web

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ivol-labs/dvp-engine/internal/dvp"
	"github.com/ivol-labs/dvp-engine/internal/logger"
	"github.com/ivol-labs/dvp-engine/internal/metrics"
	"github.com/ivol-labs/dvp-engine/internal/state"
	"github.com/ivol-labs/dvp-engine/internal/vault"
)

var webLogger = logger.GetForComponent("web_server")

// WebServer handles HTTP requests for vault data visualization
type WebServer struct {
	router    *mux.Router
	port      string
	vault     *vault.Vault
	engine    *dvp.Engine
	dbEnabled bool
}

// NewWebServer creates a new web server instance
func NewWebServer(port string, v *vault.Vault, engine *dvp.Engine, dbEnabled bool) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router:    mux.NewRouter(),
		port:      port,
		vault:     v,
		engine:    engine,
		dbEnabled: dbEnabled,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	ws.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/vault/summary", ws.handleGetVaultSummary).Methods("GET")
	api.HandleFunc("/epochs", ws.handleGetEpochs).Methods("GET")
	api.HandleFunc("/epochs/latest", ws.handleGetLatestEpoch).Methods("GET")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth returns server health status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hasErrors := false

	dbHealthy := true
	if ws.dbEnabled {
		if err := state.TestDBConnection(); err != nil {
			dbHealthy = false
			hasErrors = true
		}
	}

	vaultHealthy := true
	summary, err := ws.vault.Summary()
	if err != nil {
		vaultHealthy = false
		hasErrors = true
	}

	overallStatus := "OK"
	if hasErrors {
		overallStatus = "DEGRADED"
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
		},
		"component": map[string]interface{}{
			"name":    "dvp-engine",
			"version": "1.0.0",
		},
		"engine_status": map[string]interface{}{
			"database_enabled": ws.dbEnabled,
			"database_healthy": dbHealthy,
			"vault_healthy":    vaultHealthy,
			"vault_dead":       summary.Dead,
			"current_epoch":    summary.Epoch,
		},
	}

	statusCode := http.StatusOK
	if hasErrors {
		statusCode = http.StatusServiceUnavailable
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleGetVaultSummary returns the live vault summary
func (ws *WebServer) handleGetVaultSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := ws.vault.Summary()
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get vault summary")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve vault summary")
		return
	}

	utilization := ""
	if ur, err := ws.engine.Utilization(); err == nil {
		utilization = ur.String()
	}

	response := map[string]interface{}{
		"vault":       summary,
		"utilization": utilization,
		"timestamp":   time.Now().UTC(),
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetEpochs returns paginated epoch history
func (ws *WebServer) handleGetEpochs(w http.ResponseWriter, r *http.Request) {
	if !ws.dbEnabled {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Epoch history persistence is disabled")
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}

	epochs, err := state.LatestEpochSnapshots(limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get epoch snapshots")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve epochs")
		return
	}

	response := map[string]interface{}{
		"epochs": epochs,
		"count":  len(epochs),
		"limit":  limit,
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetLatestEpoch returns the most recent epoch snapshot
func (ws *WebServer) handleGetLatestEpoch(w http.ResponseWriter, r *http.Request) {
	if !ws.dbEnabled {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Epoch history persistence is disabled")
		return
	}

	epochs, err := state.LatestEpochSnapshots(1)
	if err != nil || len(epochs) == 0 {
		webLogger.Error().Err(err).Msg("Failed to get latest epoch")
		ws.writeErrorResponse(w, http.StatusNotFound, "No epochs found")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, epochs[0])
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
