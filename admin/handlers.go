package admin

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/maxpert/redoflow/pipeline"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Controller is the part of the pipeline the admin surface drives
type Controller interface {
	Status() pipeline.Status
	Dump() (string, error)
}

// AdminHandlers serves the operator endpoints
type AdminHandlers struct {
	pipeline Controller
	metrics  http.Handler
}

// NewAdminHandlers creates a new AdminHandlers instance. metrics may be nil
// when Prometheus is disabled.
func NewAdminHandlers(p Controller, metrics http.Handler) *AdminHandlers {
	return &AdminHandlers{
		pipeline: p,
		metrics:  metrics,
	}
}

// handleStatus returns the pipeline status
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.pipeline.Status())
}

// handleHealth answers 200 while the pipeline runs without a fatal error
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.pipeline.Status()
	switch {
	case status.Error != "":
		writeErrorResponse(w, http.StatusServiceUnavailable, status.Error)
	case !status.Running:
		writeErrorResponse(w, http.StatusServiceUnavailable, "pipeline not running")
	default:
		writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ok", "watermark": status.Watermark})
	}
}

// handleDump writes a diagnostic checkpoint next to the state file
func (h *AdminHandlers) handleDump(w http.ResponseWriter, r *http.Request) {
	path, err := h.pipeline.Dump()
	if err != nil {
		log.Warn().Err(err).Msg("Checkpoint dump failed")
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}

	log.Info().Str("path", path).Msg("Checkpoint dump written")
	writeJSONResponse(w, http.StatusCreated, map[string]string{"path": path})
}

// handleMetrics serves Prometheus metrics when enabled
func (h *AdminHandlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeErrorResponse(w, http.StatusNotFound, "prometheus metrics are disabled")
		return
	}
	h.metrics.ServeHTTP(w, r)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
