package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/appgrav/poscore/internal/db"
	"github.com/appgrav/poscore/internal/errors"
	"github.com/appgrav/poscore/internal/models"
	syncer "github.com/appgrav/poscore/internal/sync"
)

// QueueHandler exposes the local sync queue.
type QueueHandler struct {
	store      *db.QueueStore
	dispatcher *syncer.Dispatcher
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(store *db.QueueStore, dispatcher *syncer.Dispatcher) *QueueHandler {
	return &QueueHandler{store: store, dispatcher: dispatcher}
}

// Enqueue handles POST /api/queue.
// Records one local mutation for eventual replay.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Entity   models.EntityType `json:"entity"`
		EntityID string            `json:"entity_id"`
		Payload  json.RawMessage   `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.store.Enqueue(request.Entity, request.EntityID, request.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

// List handles GET /api/queue.
// Returns queued envelopes grouped by entity type, in dispatch order.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	grouped, err := h.store.ListGrouped()
	if err != nil {
		writeError(w, err)
		return
	}

	// Stable entity order so the UI renders groups consistently.
	groups := make([]map[string]interface{}, 0, len(grouped))
	for _, entity := range models.EntityTypesByPriority {
		envelopes, ok := grouped[entity]
		if !ok || len(envelopes) == 0 {
			continue
		}
		groups = append(groups, map[string]interface{}{
			"entity":    entity,
			"envelopes": envelopes,
		})
	}

	counts, err := h.store.Counts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"groups": groups,
		"counts": counts,
	})
}

// Counts handles GET /api/queue/counts.
// Returns the badge numbers: per-status counts plus dispatcher state.
func (h *QueueHandler) Counts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Counts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counts":        counts,
		"pending_total": counts.PendingTotal(),
		"has_failed":    counts.HasFailed(),
		"is_syncing":    h.dispatcher.IsSyncing(),
	})
}

// Retry handles POST /api/queue/{id}/retry.
// Requeues a failed envelope and nudges the dispatcher.
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid envelope id", http.StatusBadRequest)
		return
	}

	retried, err := h.store.Retry(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if retried {
		h.dispatcher.Kick()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": retried})
}

// Remove handles DELETE /api/queue/{id}.
// Abandons an envelope; the local mutation is never replayed.
func (h *QueueHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid envelope id", http.StatusBadRequest)
		return
	}

	removed, err := h.store.Remove(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		writeError(w, errors.Newf(errors.ErrEnvelopeNotFound, "envelope %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": true})
}
