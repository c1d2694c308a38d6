package display

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/appgrav/poscore/internal/logging"
)

// Display message types.
const (
	TypeCartUpdate    = "cart:update"
	TypeOrderComplete = "order:complete"
	TypeClear         = "display:clear"
	TypeWelcome       = "display:welcome"
)

// Message is one display update on the bus.
type Message struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"` // unix ms
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Handler receives messages broadcast by other channels.
type Handler func(msg Message)

// Channel is one surface's handle on the display bus. When the bus is
// unreachable the channel is unsupported: sends succeed as no-ops and no
// messages arrive, so callers need no special casing.
type Channel struct {
	handler Handler
	log     *logging.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	wg   sync.WaitGroup
}

// OpenChannel connects to the bus at busAddr. An unreachable bus yields an
// unsupported channel, not an error. handler may be nil for send-only
// surfaces.
func OpenChannel(busAddr string, handler Handler) *Channel {
	ch := &Channel{
		handler: handler,
		log:     logging.Component("display-channel"),
	}

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/display", busAddr), nil)
	if err != nil {
		ch.log.Warn("display bus unreachable, channel disabled", map[string]interface{}{"error": err.Error()})
		return ch
	}

	ch.conn = conn
	ch.wg.Add(1)
	go ch.readPump(conn)
	return ch
}

// Supported reports whether the channel is connected to the bus.
func (ch *Channel) Supported() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn != nil
}

// Close disconnects from the bus. Closing an unsupported channel is a no-op.
func (ch *Channel) Close() {
	ch.mu.Lock()
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
	ch.wg.Wait()
}

// BroadcastCart pushes the live cart to the customer display.
func (ch *Channel) BroadcastCart(cart interface{}) error {
	return ch.send(TypeCartUpdate, cart)
}

// BroadcastOrderComplete shows the completion screen for a finished order.
func (ch *Channel) BroadcastOrderComplete(order interface{}) error {
	return ch.send(TypeOrderComplete, order)
}

// BroadcastClear blanks the customer display.
func (ch *Channel) BroadcastClear() error {
	return ch.send(TypeClear, nil)
}

// BroadcastWelcome returns the display to its idle welcome screen.
func (ch *Channel) BroadcastWelcome() error {
	return ch.send(TypeWelcome, nil)
}

func (ch *Channel) send(msgType string, payload interface{}) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.conn == nil {
		return nil
	}

	msg := Message{Type: msgType, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = data
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ch.conn.WriteMessage(websocket.TextMessage, data)
}

func (ch *Channel) readPump(conn *websocket.Conn) {
	defer ch.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			ch.mu.Lock()
			if ch.conn == conn {
				ch.conn = nil
				conn.Close()
			}
			ch.mu.Unlock()
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if ch.handler != nil {
			ch.handler(msg)
		}
	}
}
