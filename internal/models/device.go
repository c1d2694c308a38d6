package models

import "time"

// DeviceType identifies the kind of terminal on the LAN.
type DeviceType string

const (
	DevicePOS     DeviceType = "pos"
	DeviceKDS     DeviceType = "kds"
	DeviceDisplay DeviceType = "display"
	DeviceMobile  DeviceType = "mobile"
)

// DeviceStatus is derived from heartbeat age, never stored.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceIdle    DeviceStatus = "idle"
	DeviceOffline DeviceStatus = "offline"
)

// DeviceRecord describes one terminal known to the LAN hub. The registry is
// rebuilt from heartbeats after restart; only the device id itself is
// persisted per installation.
type DeviceRecord struct {
	DeviceID      string     `json:"device_id"`
	DeviceType    DeviceType `json:"device_type"`
	DeviceName    string     `json:"device_name"`
	IPAddress     string     `json:"ip_address,omitempty"` // best-effort
	IsHub         bool       `json:"is_hub"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	RegisteredAt  time.Time  `json:"registered_at"`
}

// HeartbeatAge returns how long ago the device last signalled presence.
func (d DeviceRecord) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(d.LastHeartbeat)
}
