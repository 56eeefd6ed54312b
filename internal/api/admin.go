package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/halcyonworks/warden/internal/detect"
	"github.com/halcyonworks/warden/internal/store"
)

// AdminHandler serves operator-facing fleet state: stats, audit logs,
// and detector control.
type AdminHandler struct {
	store   store.Store
	matcher *detect.Matcher
}

func NewAdminHandler(s store.Store, m *detect.Matcher) *AdminHandler {
	return &AdminHandler{store: s, matcher: m}
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) ActionLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = v
	}
	logs, err := h.store.ListActionLogs(r.Context(), r.URL.Query().Get("agent"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if logs == nil {
		logs = []*store.ActionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *AdminHandler) ListDetectors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"detectors": h.matcher.ListDetectors()})
}

func (h *AdminHandler) EnableDetector(w http.ResponseWriter, r *http.Request) {
	if err := h.matcher.EnableDetector(chi.URLParam(r, "name")); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (h *AdminHandler) DisableDetector(w http.ResponseWriter, r *http.Request) {
	if err := h.matcher.DisableDetector(chi.URLParam(r, "name")); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}
