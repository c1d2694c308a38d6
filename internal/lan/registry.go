package lan

import (
	"sort"
	"sync"
	"time"

	"github.com/appgrav/poscore/internal/logging"
	"github.com/appgrav/poscore/internal/models"
)

// Default presence thresholds. A device heartbeating every 30s is online
// after one missed beat, idle after two, and evicted after four.
const (
	DefaultOnlineThreshold = 60 * time.Second
	DefaultStaleThreshold  = 120 * time.Second
)

// DeviceView is a registry entry with its derived presence status.
type DeviceView struct {
	models.DeviceRecord
	Status models.DeviceStatus `json:"status"`
}

// Registry tracks devices known to the hub. It is in-memory only: after a
// hub restart it is rebuilt from incoming heartbeats. The registry is
// mutated only by the hub; consumers read via queries or the subscription.
type Registry struct {
	online time.Duration
	stale  time.Duration
	log    *logging.Logger

	mu        sync.RWMutex
	devices   map[string]models.DeviceRecord
	reported  map[string]bool
	listeners map[int]func()
	nextSub   int
}

// NewRegistry creates a Registry with the given presence thresholds; zero
// values select the defaults.
func NewRegistry(online, stale time.Duration) *Registry {
	if online <= 0 {
		online = DefaultOnlineThreshold
	}
	if stale <= online {
		stale = DefaultStaleThreshold
		if stale <= online {
			stale = 2 * online
		}
	}
	return &Registry{
		online:    online,
		stale:     stale,
		log:       logging.Component("device-registry"),
		devices:   make(map[string]models.DeviceRecord),
		reported:  make(map[string]bool),
		listeners: make(map[int]func()),
	}
}

// Subscribe registers a change callback; returns unsubscribe.
func (r *Registry) Subscribe(fn func()) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Registry) notify() {
	r.mu.RLock()
	fns := make([]func(), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Register adds or replaces a device record. The heartbeat timestamp is
// initialized to now when unset.
func (r *Registry) Register(rec models.DeviceRecord) {
	now := time.Now()
	if rec.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = now
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = now
	}

	r.mu.Lock()
	r.devices[rec.DeviceID] = rec
	delete(r.reported, rec.DeviceID)
	r.mu.Unlock()

	r.log.Info("device registered", map[string]interface{}{
		"device_id": rec.DeviceID, "type": string(rec.DeviceType), "name": rec.DeviceName,
	})
	r.notify()
}

// Heartbeat refreshes a device's presence. Heartbeats are idempotent:
// processing the same one twice only refreshes the timestamp. A heartbeat
// from an unknown device creates a minimal record so the registry can be
// rebuilt purely from heartbeats after a hub restart.
func (r *Registry) Heartbeat(deviceID string, at time.Time) {
	r.mu.Lock()
	rec, ok := r.devices[deviceID]
	if !ok {
		rec = models.DeviceRecord{
			DeviceID:     deviceID,
			DeviceType:   models.DeviceMobile,
			DeviceName:   "Unknown Device",
			RegisteredAt: at,
		}
	}
	rec.LastHeartbeat = at
	r.devices[deviceID] = rec
	delete(r.reported, deviceID)
	r.mu.Unlock()

	r.notify()
}

// Remove deletes a device, typically on explicit deregistration. Reports
// whether the device was known and returns its last record.
func (r *Registry) Remove(deviceID string) (models.DeviceRecord, bool) {
	r.mu.Lock()
	rec, ok := r.devices[deviceID]
	if ok {
		delete(r.devices, deviceID)
		delete(r.reported, deviceID)
	}
	r.mu.Unlock()

	if ok {
		r.log.Info("device removed", map[string]interface{}{"device_id": deviceID})
		r.notify()
	}
	return rec, ok
}

// StatusOf derives a device's presence from heartbeat age at the given
// instant.
func (r *Registry) StatusOf(rec models.DeviceRecord, now time.Time) models.DeviceStatus {
	age := rec.HeartbeatAge(now)
	switch {
	case age < r.online:
		return models.DeviceOnline
	case age < r.stale:
		return models.DeviceIdle
	default:
		return models.DeviceOffline
	}
}

// Active returns devices that have heartbeated within the stale threshold,
// with derived status, ordered by name then id for stable display. Devices
// past the threshold do not appear: staleness is a presence transition, not
// a failure to report.
func (r *Registry) Active(now time.Time) []DeviceView {
	r.mu.RLock()
	views := make([]DeviceView, 0, len(r.devices))
	for _, rec := range r.devices {
		status := r.StatusOf(rec, now)
		if status == models.DeviceOffline {
			continue
		}
		views = append(views, DeviceView{DeviceRecord: rec, Status: status})
	}
	r.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].DeviceName != views[j].DeviceName {
			return views[i].DeviceName < views[j].DeviceName
		}
		return views[i].DeviceID < views[j].DeviceID
	})
	return views
}

// Count returns the number of active devices.
func (r *Registry) Count(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.devices {
		if r.StatusOf(rec, now) != models.DeviceOffline {
			n++
		}
	}
	return n
}

// Prune reports devices that have aged past the stale threshold since the
// last sweep. Records are retained: an aged-out device drops off the active
// list but a later heartbeat restores it with its original registration.
// The hub runs this periodically; only fresh dropouts are counted and
// logged, so a device is reported once per outage.
func (r *Registry) Prune(now time.Time) int {
	r.mu.Lock()
	var dropped []string
	for id, rec := range r.devices {
		offline := r.StatusOf(rec, now) == models.DeviceOffline
		if offline && !r.reported[id] {
			r.reported[id] = true
			dropped = append(dropped, id)
		}
	}
	r.mu.Unlock()

	if len(dropped) > 0 {
		r.log.Info("devices dropped from the active list", map[string]interface{}{"count": len(dropped)})
		r.notify()
	}
	return len(dropped)
}
