package handlers

import (
	"net/http"
	"strconv"

	"github.com/appgrav/poscore/internal/offline"
)

// OfflineHandler exposes recorded outage history.
type OfflineHandler struct {
	tracker *offline.Tracker
}

// NewOfflineHandler creates an OfflineHandler.
func NewOfflineHandler(tracker *offline.Tracker) *OfflineHandler {
	return &OfflineHandler{tracker: tracker}
}

// Periods handles GET /api/offline/periods.
// Returns recent outage windows newest first, plus the open one if the
// terminal is currently offline.
func (h *OfflineHandler) Periods(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	periods, err := h.tracker.Periods(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	current, err := h.tracker.Current()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"periods": periods,
		"current": current,
	})
}

// Stats handles GET /api/offline/stats.
func (h *OfflineHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tracker.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
