// Package models provides data model definitions for the offline-resilience core.
package models

import "encoding/json"

// EntityType identifies the domain table an envelope targets. The type also
// defines replay priority: sessions and orders must reach the remote store
// before the line items and payments that reference them.
type EntityType string

const (
	EntityPOSSessions EntityType = "pos_sessions"
	EntityOrders      EntityType = "orders"
	EntityOrderItems  EntityType = "order_items"
	EntityPayments    EntityType = "payments"
	EntityCustomers   EntityType = "customers"
	EntityProducts    EntityType = "products"
	EntityCategories  EntityType = "categories"
)

// EntityPriority maps entity types to replay priority.
// Lower number = higher priority = dispatched first.
var EntityPriority = map[EntityType]int{
	EntityPOSSessions: 0, // FK parent for orders
	EntityOrders:      1,
	EntityOrderItems:  2,
	EntityPayments:    3, // FK to orders
	EntityCustomers:   4,
	EntityProducts:    5,
	EntityCategories:  6,
}

// EntityTypesByPriority lists all entity types in dispatch order.
var EntityTypesByPriority = []EntityType{
	EntityPOSSessions,
	EntityOrders,
	EntityOrderItems,
	EntityPayments,
	EntityCustomers,
	EntityProducts,
	EntityCategories,
}

// IsValid reports whether t is a known entity type.
func (t EntityType) IsValid() bool {
	_, ok := EntityPriority[t]
	return ok
}

// Priority returns the dispatch priority for t. Unknown types sort last.
func (t EntityType) Priority() int {
	if p, ok := EntityPriority[t]; ok {
		return p
	}
	return 99
}

// EnvelopeStatus represents the lifecycle state of a queued envelope.
// synced is not a stored state: a synced envelope is removed from the store.
type EnvelopeStatus string

const (
	StatusPending EnvelopeStatus = "pending"
	StatusSyncing EnvelopeStatus = "syncing"
	StatusFailed  EnvelopeStatus = "failed"
)

// SyncEnvelope is one queued local mutation awaiting confirmation against the
// remote store. IDs are assigned by sqlite AUTOINCREMENT at enqueue time and
// are never reused.
type SyncEnvelope struct {
	ID        int64           `db:"id" json:"id"`
	Entity    EntityType      `db:"entity" json:"entity"`
	EntityID  string          `db:"entity_id" json:"entity_id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Status    EnvelopeStatus  `db:"status" json:"status"`
	Retries   int             `db:"retries" json:"retries"`
	LastError string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt int64           `db:"created_at" json:"created_at"` // unix ms
}

// TableName returns the table name for SyncEnvelope.
func (SyncEnvelope) TableName() string {
	return "sync_queue"
}

// QueueCounts holds per-status envelope counts for UI badges and for gating
// the offline-period tracker.
type QueueCounts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// Total returns the number of envelopes still in the store.
func (c QueueCounts) Total() int {
	return c.Pending + c.Syncing + c.Failed
}

// PendingTotal returns the count shown on the badge: items that have not yet
// reached the remote store and are not currently in flight.
func (c QueueCounts) PendingTotal() int {
	return c.Pending + c.Failed
}

// HasFailed reports whether the badge should render in its warning state.
func (c QueueCounts) HasFailed() bool {
	return c.Failed > 0
}
