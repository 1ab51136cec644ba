package ingestion

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/curation/pkg/common/logger"
)

type HTTPHandler struct {
	service *Service
	maxBody int64
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/assets", h.handleAssets).Methods(http.MethodGet)
	router.HandleFunc("/assets/{asset}/records", h.handleSourceRows).Methods(http.MethodPost)
	router.HandleFunc("/events", h.handleEvents).Methods(http.MethodPost)
	router.HandleFunc("/imports/{id}", h.handleStatus).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleSourceRows(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	var req SourceBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid source batch payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rows, err := req.ToRows()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	batch, err := h.service.ImportSourceRows(r.Context(), mux.Vars(r)["asset"], rows)
	h.respond(w, batch, err)
}

func (h *HTTPHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	var req EventBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid event batch payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rows, err := req.ToRows()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	batch, err := h.service.ImportEvents(r.Context(), rows)
	h.respond(w, batch, err)
}

func (h *HTTPHandler) respond(w http.ResponseWriter, batch *Batch, err error) {
	if err != nil {
		if IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Log.WithError(err).Error("failed to import batch")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(batch)
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "import not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to fetch import status")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batch)
}

func (h *HTTPHandler) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.service.Assets(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("failed to list assets")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"assets": assets})
}
