package lan

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/appgrav/poscore/internal/errors"
	"github.com/appgrav/poscore/internal/logging"
	"github.com/appgrav/poscore/internal/models"
)

// ClientConfig configures a device's connection to the hub.
type ClientConfig struct {
	// HubAddr is the hub's host:port.
	HubAddr string

	DeviceID   string
	DeviceName string
	DeviceType models.DeviceType

	// HeartbeatInterval is how often the client refreshes its presence.
	HeartbeatInterval time.Duration
}

// MessageHandler receives messages relayed by the hub.
type MessageHandler func(msg Message)

// HubClient is a device's connection to the hub. It registers on connect,
// heartbeats on an interval, and hands relayed messages to the handler.
type HubClient struct {
	cfg     ClientConfig
	handler MessageHandler
	log     *logging.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHubClient creates a disconnected client. handler may be nil when the
// device only sends.
func NewHubClient(cfg ClientConfig, handler MessageHandler) *HubClient {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &HubClient{
		cfg:     cfg,
		handler: handler,
		log:     logging.Component("lan-client"),
	}
}

// Connect dials the hub and registers this device. Connecting while
// connected is a no-op.
func (c *HubClient) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	url := fmt.Sprintf("ws://%s/ws", c.cfg.HubAddr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to connect to hub", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	if err := c.Send(MsgNodeRegister, RegisterPayload{
		DeviceName: c.cfg.DeviceName,
		DeviceType: c.cfg.DeviceType,
	}, ""); err != nil {
		c.Close()
		return err
	}

	c.wg.Add(2)
	go c.readPump(conn)
	go c.heartbeatLoop(stopCh)

	c.log.Info("connected to hub", map[string]interface{}{"hub_addr": c.cfg.HubAddr})
	return nil
}

// Connected reports whether the client currently holds a connection.
func (c *HubClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send marshals and sends a typed message to the hub. target is the
// destination device id, empty for a broadcast to all other devices.
func (c *HubClient) Send(msgType MessageType, payload interface{}, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New(errors.ErrHubNotRunning, "not connected to a hub")
	}

	msg, err := NewMessage(msgType, c.cfg.DeviceID, target, payload)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to encode message payload", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to encode message", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to send message", err)
	}
	return nil
}

// Close deregisters from the hub and drops the connection. Closing while
// disconnected is a no-op.
func (c *HubClient) Close() {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	close(c.stopCh)
	c.mu.Unlock()

	// Best-effort: a lost deregister just means the device ages out of the
	// registry instead of leaving immediately.
	if msg, err := NewMessage(MsgNodeDeregister, c.cfg.DeviceID, "", DeregisterPayload{
		DeviceID:   c.cfg.DeviceID,
		DeviceName: c.cfg.DeviceName,
		Reason:     "shutdown",
	}); err == nil {
		if data, err := json.Marshal(msg); err == nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}
	conn.Close()
	c.wg.Wait()
}

func (c *HubClient) heartbeatLoop(stopCh chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := c.Send(MsgHeartbeat, HeartbeatPayload{DeviceType: c.cfg.DeviceType}, ""); err != nil {
				c.log.Warn("heartbeat failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (c *HubClient) readPump(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			dropped := c.conn == conn
			if dropped {
				c.conn = nil
				close(c.stopCh)
			}
			c.mu.Unlock()
			if dropped {
				conn.Close()
				c.log.Warn("connection to hub lost", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("discarding malformed message", map[string]interface{}{"error": err.Error()})
			continue
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}
