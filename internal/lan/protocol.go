// Package lan implements local-network presence and broadcast between POS
// terminals: a hub process that tracks devices via heartbeats, and a client
// side for the devices that connect to it.
package lan

import (
	"encoding/json"
	"time"

	"github.com/appgrav/poscore/internal/models"
	"github.com/appgrav/poscore/internal/uuid"
)

// MessageType identifies a LAN message.
type MessageType string

const (
	// Connection management
	MsgHeartbeat      MessageType = "heartbeat"
	MsgNodeRegister   MessageType = "node_register"
	MsgNodeDeregister MessageType = "node_deregister"
	MsgHubAnnounce    MessageType = "hub_announce"

	// Sync commands
	MsgSyncRequest  MessageType = "sync_request"
	MsgSyncResponse MessageType = "sync_response"
	MsgFullSync     MessageType = "full_sync"

	// Cart and order pass-through (relayed opaquely by the hub)
	MsgCartUpdate    MessageType = "cart_update"
	MsgCartClear     MessageType = "cart_clear"
	MsgOrderCreate   MessageType = "order_create"
	MsgOrderUpdate   MessageType = "order_update"
	MsgOrderComplete MessageType = "order_complete"

	// Kitchen display pass-through
	MsgKDSNewOrder   MessageType = "kds_new_order"
	MsgKDSOrderAck   MessageType = "kds_order_ack"
	MsgKDSOrderReady MessageType = "kds_order_ready"
	MsgKDSOrderBump  MessageType = "kds_order_bump"

	// Stock pass-through
	MsgStockUpdate   MessageType = "stock_update"
	MsgLowStockAlert MessageType = "low_stock_alert"
)

// Message is the wire envelope for all LAN traffic. To is empty for a
// broadcast to all known devices.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix ms
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a Message with a fresh id and timestamp. The payload is
// marshalled; a nil payload produces an empty object.
func NewMessage(msgType MessageType, from, to string, payload interface{}) (Message, error) {
	raw := json.RawMessage("{}")
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		raw = data
	}
	return Message{
		ID:        uuid.New(),
		Type:      msgType,
		From:      from,
		To:        to,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// RegisterPayload announces a device to the hub.
type RegisterPayload struct {
	DeviceName string            `json:"device_name"`
	DeviceType models.DeviceType `json:"device_type"`
	IPAddress  string            `json:"ip_address,omitempty"`
}

// HeartbeatPayload refreshes a device's presence.
type HeartbeatPayload struct {
	DeviceType models.DeviceType `json:"device_type"`
	Uptime     int64             `json:"uptime,omitempty"` // seconds, hub heartbeats only
}

// DeregisterPayload notifies remaining devices about a departure.
type DeregisterPayload struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Reason     string `json:"reason"`
}

// SyncRequestPayload asks a device to re-fetch its cached data.
type SyncRequestPayload struct {
	Scope string `json:"scope,omitempty"` // empty means everything
}
