package builds

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/fdm/pkg/common/logger"
	"github.com/synaptica-ai/fdm/pkg/common/models"
	"github.com/synaptica-ai/fdm/pkg/pipeline"
	"github.com/synaptica-ai/fdm/pkg/runlog"
)

const defaultRecentLimit = 20

type HTTPHandler struct {
	service *Service
	maxBody int64
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/builds", h.handleBuild).Methods(http.MethodPost)
	router.HandleFunc("/tables/{alias}", h.handleTableStatus).Methods(http.MethodGet)
	router.HandleFunc("/runs", h.handleRecent).Methods(http.MethodGet)
	router.HandleFunc("/runs/{id}", h.handleRun).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *HTTPHandler) handleBuild(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req models.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Entry().WithError(err).Warn("invalid build payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = r.Header.Get("X-Request-ID")
	}

	res, err := h.service.Build(r.Context(), req)
	switch {
	case errors.Is(err, ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrBuildInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil && res == nil:
		logger.Entry().WithError(err).Error("failed to run build")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"run_id": res.RunID,
			"status": res.Status,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) handleTableStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.TableStatus(r.Context(), mux.Vars(r)["alias"])
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownTable) {
			http.Error(w, "table not found", http.StatusNotFound)
			return
		}
		logger.Entry().WithError(err).Error("failed to inspect table")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *HTTPHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	run, tables, err := h.service.Run(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.runError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run": run, "tables": tables})
}

func (h *HTTPHandler) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := h.service.Recent(r.Context(), r.URL.Query().Get("namespace"), limit)
	if err != nil {
		h.runError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *HTTPHandler) runError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRunLogUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, runlog.ErrRunNotFound):
		http.Error(w, "run not found", http.StatusNotFound)
	default:
		logger.Entry().WithError(err).Error("failed to read run log")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
