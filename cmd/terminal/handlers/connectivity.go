package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/appgrav/poscore/internal/connectivity"
)

// ConnectivityHandler lets the host application feed the online/offline
// signal and lets the UI read it. Detection (network probing, OS callbacks)
// stays outside the core.
type ConnectivityHandler struct {
	signal *connectivity.Signal
}

// NewConnectivityHandler creates a ConnectivityHandler.
func NewConnectivityHandler(signal *connectivity.Signal) *ConnectivityHandler {
	return &ConnectivityHandler{signal: signal}
}

// Get handles GET /api/connectivity.
func (h *ConnectivityHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": h.signal.IsOnline()})
}

// Set handles POST /api/connectivity.
// Repeated reports of the same state are deduplicated downstream.
func (h *ConnectivityHandler) Set(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}

	h.signal.Set(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": h.signal.IsOnline()})
}
