package lan

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/appgrav/poscore/internal/errors"
	"github.com/appgrav/poscore/internal/logging"
	"github.com/appgrav/poscore/internal/models"
)

// HubState is the hub lifecycle state.
type HubState string

const (
	HubStopped  HubState = "stopped"
	HubStarting HubState = "starting"
	HubRunning  HubState = "running"
)

// HubConfig configures the coordinating hub process.
type HubConfig struct {
	// ListenAddr is the LAN-reachable websocket address, e.g. ":8091".
	ListenAddr string
	// ProbeAddr, when set, is checked for an already-running hub before
	// starting. Best-effort: concurrent starts on a segment are an operator
	// error, not something the hub silently corrects.
	ProbeAddr string

	DeviceID   string
	DeviceName string

	// HeartbeatInterval is how often the hub refreshes its own presence and
	// announces itself to connected devices.
	HeartbeatInterval time.Duration
	OnlineThreshold   time.Duration
	StaleThreshold    time.Duration
}

// HubStatus is the operator-facing status card.
type HubStatus struct {
	State         HubState `json:"state"`
	DeviceID      string   `json:"device_id"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	DeviceCount   int      `json:"device_count"`
}

// Hub accepts device connections, maintains the registry from their
// heartbeats, and relays broadcasts. One hub runs per network segment,
// started and stopped explicitly by an operator.
type Hub struct {
	cfg      HubConfig
	registry *Registry
	log      *logging.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	state     HubState
	startTime time.Time
	listener  net.Listener
	server    *http.Server
	conns     map[*hubConn]struct{}
	byDevice  map[string]*hubConn
	stopCh    chan struct{}
}

// hubConn is one connected device. Messages to the same device traverse the
// send channel in order.
type hubConn struct {
	conn     *websocket.Conn
	send     chan []byte
	deviceID string
}

// NewHub creates a Hub in the stopped state.
func NewHub(cfg HubConfig) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Hub{
		cfg:      cfg,
		registry: NewRegistry(cfg.OnlineThreshold, cfg.StaleThreshold),
		log:      logging.Component("lan-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Devices are native terminal processes on the LAN, not
			// browsers; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		state: HubStopped,
	}
}

// Registry exposes the device table for queries and subscriptions.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Start brings the hub to running. Starting while already running is a
// no-op. Failures (port in use, another hub active on the segment) are
// reported synchronously and leave the hub stopped.
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.state != HubStopped {
		h.mu.Unlock()
		return nil
	}
	h.state = HubStarting
	h.mu.Unlock()

	if addr := h.cfg.ProbeAddr; addr != "" {
		if probeHub(addr) {
			h.setState(HubStopped)
			return errors.Newf(errors.ErrHubAlreadyActive, "a hub is already active at %s", addr)
		}
	}

	listener, err := net.Listen("tcp", h.cfg.ListenAddr)
	if err != nil {
		h.setState(HubStopped)
		return errors.Wrap(errors.ErrHubStartFailed, "failed to listen", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/ws", h.handleWS)
	server := &http.Server{Handler: mux}

	h.mu.Lock()
	h.listener = listener
	h.server = server
	h.conns = make(map[*hubConn]struct{})
	h.byDevice = make(map[string]*hubConn)
	h.stopCh = make(chan struct{})
	h.startTime = time.Now()
	h.state = HubRunning
	stopCh := h.stopCh
	h.mu.Unlock()

	// The hub device itself is always present in its own registry.
	h.registry.Register(models.DeviceRecord{
		DeviceID:   h.cfg.DeviceID,
		DeviceType: models.DevicePOS,
		DeviceName: h.cfg.DeviceName,
		IsHub:      true,
	})

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.log.Error("hub server stopped", err)
		}
	}()
	go h.maintenanceLoop(stopCh)

	h.log.Info("hub started", map[string]interface{}{"addr": listener.Addr().String()})
	return nil
}

// probeHub reports whether a hub answers at addr. Best-effort with a short
// timeout; an unreachable probe means "no hub".
func probeHub(addr string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// maintenanceLoop evicts stale devices and refreshes the hub's own presence.
func (h *Hub) maintenanceLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			h.registry.Heartbeat(h.cfg.DeviceID, now)
			h.registry.Prune(now)
			// Devices learn the hub is alive (and its uptime) from the
			// announce; lost announces are harmless.
			h.Broadcast(MsgHubAnnounce, HeartbeatPayload{
				DeviceType: models.DevicePOS,
				Uptime:     int64(time.Since(h.uptimeStart()).Seconds()),
			}, "")
		}
	}
}

// Stop halts the hub: no new heartbeats are accepted and the listening
// socket is released. In-flight broadcasts already handed to connections are
// not recalled. Stopping while stopped is a no-op.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.state != HubRunning {
		h.mu.Unlock()
		return
	}
	h.state = HubStopped
	close(h.stopCh)
	server := h.server
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = nil
	h.byDevice = nil
	h.server = nil
	h.listener = nil
	h.mu.Unlock()

	for _, c := range conns {
		close(c.send)
	}
	if server != nil {
		server.Close()
	}
	h.log.Info("hub stopped")
}

func (h *Hub) setState(state HubState) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

func (h *Hub) uptimeStart() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startTime
}

// Addr returns the bound listener address, empty when stopped. Useful when
// the configured ListenAddr uses port 0.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Status returns the operator-facing hub status.
func (h *Hub) Status() HubStatus {
	h.mu.Lock()
	state := h.state
	start := h.startTime
	h.mu.Unlock()

	status := HubStatus{State: state, DeviceID: h.cfg.DeviceID}
	if state == HubRunning {
		status.UptimeSeconds = int64(time.Since(start).Seconds())
		status.DeviceCount = h.registry.Count(time.Now())
	}
	return status
}

// Broadcast sends a typed message to all connected devices, or to a single
// target when target is non-empty. Delivery is fire-and-forget: no
// acknowledgement, no retry; per-target ordering follows send order.
func (h *Hub) Broadcast(msgType MessageType, payload interface{}, target string) error {
	h.mu.Lock()
	if h.state != HubRunning {
		h.mu.Unlock()
		return errors.New(errors.ErrHubNotRunning, "cannot broadcast while the hub is stopped")
	}
	h.mu.Unlock()

	msg, err := NewMessage(msgType, h.cfg.DeviceID, target, payload)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to encode broadcast payload", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to encode broadcast message", err)
	}

	h.route(data, target, nil)
	return nil
}

// route delivers raw bytes to the target device, or to every connection
// except the sender when target is empty. Slow consumers lose the message
// rather than stall the hub.
func (h *Hub) route(data []byte, target string, sender *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HubRunning {
		return
	}

	if target != "" {
		if c, ok := h.byDevice[target]; ok {
			select {
			case c.send <- data:
			default:
				h.log.Warn("dropping message to slow device", map[string]interface{}{"device_id": target})
			}
		}
		return
	}

	for c := range h.conns {
		if c == sender {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping broadcast to slow device", map[string]interface{}{"device_id": c.deviceID})
		}
	}
}

func (h *Hub) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Status())
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &hubConn{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	if h.state != HubRunning {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	h.readPump(c, r)
}

func (c *hubConn) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	c.conn.Close()
}

func (h *Hub) readPump(c *hubConn, r *http.Request) {
	defer h.dropConn(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("discarding malformed message", map[string]interface{}{"error": err.Error()})
			continue
		}
		h.handleMessage(c, r, msg, data)
	}
}

func (h *Hub) dropConn(c *hubConn) {
	h.mu.Lock()
	if h.conns != nil {
		if _, ok := h.conns[c]; ok {
			delete(h.conns, c)
			if c.deviceID != "" && h.byDevice[c.deviceID] == c {
				delete(h.byDevice, c.deviceID)
			}
			close(c.send)
		}
	}
	h.mu.Unlock()
	// The device is not removed from the registry here: a dropped
	// connection simply stops heartbeating and ages out.
}

// bindDevice associates a connection with the sending device id.
func (h *Hub) bindDevice(c *hubConn, deviceID string) {
	h.mu.Lock()
	if h.byDevice != nil {
		c.deviceID = deviceID
		h.byDevice[deviceID] = c
	}
	h.mu.Unlock()
}

func (h *Hub) handleMessage(c *hubConn, r *http.Request, msg Message, raw []byte) {
	switch msg.Type {
	case MsgNodeRegister:
		var payload RegisterPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.log.Warn("bad register payload", map[string]interface{}{"from": msg.From})
			return
		}
		ip := payload.IPAddress
		if ip == "" {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				ip = host
			}
		}
		h.bindDevice(c, msg.From)
		h.registry.Register(models.DeviceRecord{
			DeviceID:   msg.From,
			DeviceType: payload.DeviceType,
			DeviceName: payload.DeviceName,
			IPAddress:  ip,
		})

	case MsgHeartbeat:
		// First contact after a hub restart re-binds the connection too.
		if c.deviceID == "" {
			h.bindDevice(c, msg.From)
		}
		h.registry.Heartbeat(msg.From, time.Now())

	case MsgNodeDeregister:
		rec, known := h.registry.Remove(msg.From)
		name := msg.From
		if known {
			name = rec.DeviceName
		}
		// Remaining devices learn about the departure.
		h.Broadcast(MsgNodeDeregister, DeregisterPayload{
			DeviceID:   msg.From,
			DeviceName: name,
			Reason:     "deregistered",
		}, "")

	default:
		// Application traffic is relayed opaquely, to the target device or
		// to everyone but the sender.
		h.route(raw, msg.To, c)
	}
}
