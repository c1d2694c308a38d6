package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/appgrav/poscore/internal/lan"
)

// HubHandler exposes hub lifecycle control and the device registry.
type HubHandler struct {
	hub *lan.Hub
}

// NewHubHandler creates a HubHandler.
func NewHubHandler(hub *lan.Hub) *HubHandler {
	return &HubHandler{hub: hub}
}

// Start handles POST /api/hub/start.
func (h *HubHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.hub.Start(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.hub.Status())
}

// Stop handles POST /api/hub/stop.
func (h *HubHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.hub.Stop()
	writeJSON(w, http.StatusOK, h.hub.Status())
}

// Status handles GET /api/hub/status.
func (h *HubHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Status())
}

// Devices handles GET /api/devices.
// Returns active devices with their derived presence status.
func (h *HubHandler) Devices(w http.ResponseWriter, r *http.Request) {
	devices := h.hub.Registry().Active(time.Now())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hub_state": h.hub.Status().State,
		"devices":   devices,
	})
}

// Broadcast handles POST /api/hub/broadcast.
// Relays a typed message to all devices, or to one when target is set. Used
// for operator actions like asking a terminal to re-fetch its cached data.
func (h *HubHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Type    lan.MessageType `json:"type"`
		Target  string          `json:"target"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	var payload interface{}
	if len(request.Payload) > 0 {
		payload = request.Payload
	}
	if err := h.hub.Broadcast(request.Type, payload, request.Target); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "sent"})
}
