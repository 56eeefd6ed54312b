package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/halcyonworks/warden/internal/locks"
	"github.com/halcyonworks/warden/internal/store"
)

// ControlHandler serves zones, file locks, and conflicts.
type ControlHandler struct {
	store store.Store
	locks *locks.Detector
}

func NewControlHandler(s store.Store, ld *locks.Detector) *ControlHandler {
	return &ControlHandler{store: s, locks: ld}
}

func (h *ControlHandler) GetZones(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetZoneConfig(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if cfg == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no zone config for project"})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type SaveZonesRequest struct {
	Zones         []store.Zone `json:"zones"`
	DefaultPolicy string       `json:"default_policy,omitempty"`
}

func (h *ControlHandler) SaveZones(w http.ResponseWriter, r *http.Request) {
	var req SaveZonesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	policy := store.ZonePolicy(req.DefaultPolicy)
	if policy == "" {
		policy = store.PolicyAllow
	}
	if policy != store.PolicyAllow && policy != store.PolicyDeny {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "default_policy must be allow or deny"})
		return
	}
	for _, z := range req.Zones {
		if z.Pattern == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "zone pattern required"})
			return
		}
	}

	project := chi.URLParam(r, "project")
	cfg := &store.ZoneConfig{
		Project:       project,
		Zones:         req.Zones,
		DefaultPolicy: policy,
	}
	if err := h.store.SaveZoneConfig(r.Context(), cfg); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.locks.ReloadZones(project)
	writeJSON(w, http.StatusOK, cfg)
}

func (h *ControlHandler) ListLocks(w http.ResponseWriter, r *http.Request) {
	held, err := h.store.ListLocks(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if held == nil {
		held = []*store.FileLock{}
	}
	writeJSON(w, http.StatusOK, held)
}

type AcquireLockRequest struct {
	Path      string `json:"path"`
	TTLMillis int64  `json:"ttl_ms,omitempty"`
}

func (h *ControlHandler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	var req AcquireLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	res, err := h.locks.AcquireLock(r.Context(),
		chi.URLParam(r, "project"), req.Path, r.Header.Get("X-Agent-ID"),
		time.Duration(req.TTLMillis)*time.Millisecond)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if !res.Acquired {
		// Refusals are surfaced in the body; conflicts are 409.
		status = http.StatusConflict
		if res.Denied != "" {
			status = http.StatusForbidden
		}
	}
	writeJSON(w, status, res)
}

type ReleaseLockRequest struct {
	Path string `json:"path"`
}

func (h *ControlHandler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req ReleaseLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	released, err := h.locks.ReleaseLock(r.Context(),
		chi.URLParam(r, "project"), req.Path, r.Header.Get("X-Agent-ID"), false)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !released {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "lock not held by caller"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (h *ControlHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	conflicts, err := h.store.ListConflicts(r.Context(), chi.URLParam(r, "project"), unresolvedOnly)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type ResolveConflictRequest struct {
	Strategy   string `json:"strategy"`
	Resolution string `json:"resolution,omitempty"`
}

func (h *ControlHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conflict id"})
		return
	}
	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	conflict, err := h.locks.Resolve(r.Context(), id, store.ConflictStrategy(req.Strategy), req.Resolution)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}
