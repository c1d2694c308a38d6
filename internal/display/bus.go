// Package display carries cart and order updates from the register surface
// to the customer-facing display on the same machine. A loopback websocket
// bus relays messages between channels; senders never receive their own
// messages. Delivery is best-effort: a display that misses a message renders
// the next one.
package display

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/appgrav/poscore/internal/errors"
	"github.com/appgrav/poscore/internal/logging"
)

// Bus relays display messages between local channels. It binds loopback
// only; display traffic never leaves the machine.
type Bus struct {
	addr string
	log  *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	conns    map[*busConn]struct{}
}

type busConn struct {
	conn *websocket.Conn
	send chan []byte
}

// NewBus creates a stopped bus for the given loopback address.
func NewBus(addr string) *Bus {
	return &Bus{
		addr: addr,
		log:  logging.Component("display-bus"),
	}
}

// Start binds the loopback listener. Starting while running is a no-op.
func (b *Bus) Start() error {
	b.mu.Lock()
	if b.listener != nil {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	listener, err := net.Listen("tcp", b.addr)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to bind display bus", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/display", b.handleWS)
	server := &http.Server{Handler: mux}

	b.mu.Lock()
	b.listener = listener
	b.server = server
	b.conns = make(map[*busConn]struct{})
	b.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.log.Error("display bus stopped", err)
		}
	}()
	b.log.Info("display bus started", map[string]interface{}{"addr": listener.Addr().String()})
	return nil
}

// Stop releases the listener and drops all channels.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.listener == nil {
		b.mu.Unlock()
		return
	}
	server := b.server
	conns := make([]*busConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.listener = nil
	b.server = nil
	b.conns = nil
	b.mu.Unlock()

	for _, c := range conns {
		close(c.send)
	}
	server.Close()
}

// Addr returns the bound address, empty when stopped.
func (b *Bus) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

var busUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (b *Bus) handleWS(w http.ResponseWriter, r *http.Request) {
	// Loopback only. The listener address already restricts this in normal
	// configuration; reject anything else that slips through.
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err != nil || !net.ParseIP(host).IsLoopback() {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := busUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &busConn{conn: conn, send: make(chan []byte, 32)}
	b.mu.Lock()
	if b.conns == nil {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	go c.writePump()
	b.readPump(c)
}

func (c *busConn) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	c.conn.Close()
}

func (b *Bus) readPump(c *busConn) {
	defer b.dropConn(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !json.Valid(data) {
			continue
		}
		b.relay(data, c)
	}
}

func (b *Bus) dropConn(c *busConn) {
	b.mu.Lock()
	if b.conns != nil {
		if _, ok := b.conns[c]; ok {
			delete(b.conns, c)
			close(c.send)
		}
	}
	b.mu.Unlock()
}

// relay fans data out to every channel except the sender. Slow displays lose
// the message.
func (b *Bus) relay(data []byte, sender *busConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		if c == sender {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}
